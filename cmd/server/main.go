// Package main provides the entry point for the Kimi API proxy.
// The server exposes an OpenAI-compatible chat completions API backed by the
// Kimi web chat service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/KimiProxyAPI/internal/api"
	"github.com/router-for-me/KimiProxyAPI/internal/buildinfo"
	"github.com/router-for-me/KimiProxyAPI/internal/config"
	"github.com/router-for-me/KimiProxyAPI/internal/logging"
	"github.com/router-for-me/KimiProxyAPI/internal/watcher"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

const shutdownTimeout = 10 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var debug bool
	var showVersion bool
	var noWatch bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&noWatch, "no-watch", false, "Disable configuration hot reload")
	flag.Parse()

	if showVersion {
		fmt.Printf("Kimi API Proxy Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if err := run(configPath, debug, !noWatch); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string, debug, watch bool) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	optional := configPath == ""
	if optional {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath, optional)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg, os.LookupEnv)
	if debug {
		cfg.Debug = true
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.ApplyDebug(cfg)
	if err = logging.ConfigureLogOutput(cfg, filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}
	log.Infof("Kimi API Proxy Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	server := api.NewServer(cfg, configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if watch {
		if _, errStat := os.Stat(configPath); errStat == nil {
			w, errWatcher := watcher.New(configPath, func(next *config.Config) {
				if debug {
					next.Debug = true
				}
				server.UpdateClients(next)
			})
			if errWatcher != nil {
				return errWatcher
			}
			g.Go(func() error { return w.Run(gctx) })
		} else {
			log.Debugf("config file %s not found, hot reload disabled", configPath)
		}
	}

	if err = g.Wait(); err != nil {
		return err
	}
	log.Info("Kimi API proxy stopped")
	return nil
}
