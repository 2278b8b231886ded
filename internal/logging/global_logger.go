package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/router-for-me/KimiProxyAPI/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "kimi-proxy.log"

var (
	setupOnce sync.Once

	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders entries as "[time] [level] [file:line] message key=value".
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fmt.Fprintf(&b, "[%s] [%s] ", timestamp, level)
	if entry.Caller != nil {
		fmt.Fprintf(&b, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteString(strings.TrimRight(entry.Message, "\n"))
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// SetupBaseLogger installs the shared formatter and stdout output. Safe to call repeatedly.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
		log.SetLevel(log.InfoLevel)
	})
}

// SetLogLevel maps a human level name onto logrus levels.
// Unknown names fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ApplyDebug switches between debug and info level according to cfg.Debug.
func ApplyDebug(cfg *config.Config) {
	if cfg != nil && cfg.Debug {
		SetLogLevel("debug")
		return
	}
	SetLogLevel("info")
}

// ConfigureLogOutput routes logs to a rotating file when logging-to-file is enabled,
// and back to stdout otherwise. configDir anchors a relative log-dir.
func ConfigureLogOutput(cfg *config.Config, configDir string) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if cfg == nil || !cfg.LoggingToFile {
		closeFileWriterLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := strings.TrimSpace(cfg.LogDir)
	if dir == "" {
		dir = "logs"
	}
	if !filepath.IsAbs(dir) && configDir != "" {
		dir = filepath.Join(configDir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, logFileName)
	if fileWriter != nil && fileWriter.Filename == path && fileWriter.MaxSize == cfg.LogsMaxSizeMB {
		return nil
	}
	closeFileWriterLocked()
	fileWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogsMaxSizeMB,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	log.SetOutput(fileWriter)
	return nil
}

func closeFileWriterLocked() {
	if fileWriter == nil {
		return
	}
	if err := fileWriter.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
	fileWriter = nil
}
