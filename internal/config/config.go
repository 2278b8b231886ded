package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is used when the configuration does not set one.
	DefaultPort = 8000
	// DefaultKimiBaseURL is the origin of the upstream web API.
	DefaultKimiBaseURL = "https://www.kimi.com"
	// DefaultKimiPlatform is sent in the x-msh-platform header.
	DefaultKimiPlatform = "web"
	// DefaultUpstreamModel is the model name sent in the upstream completion payload.
	DefaultUpstreamModel = "k2"
	// DefaultConversationName is the name given to every upstream conversation.
	DefaultConversationName = "未命名会话"
	// DefaultBootstrapTimeoutSeconds bounds registration, conversation creation and the
	// completion call up to the response headers.
	DefaultBootstrapTimeoutSeconds = 30
	// DefaultStreamIdleTimeoutSeconds cancels an upstream stream that stays silent this long.
	DefaultStreamIdleTimeoutSeconds = 120
	// DefaultLogsMaxSizeMB is the rotation threshold for file logging.
	DefaultLogsMaxSizeMB = 100
)

// Config represents the application's configuration, loaded from a YAML or TOML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the network interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" toml:"host" json:"host"`

	// Port is the port the HTTP server listens on.
	Port int `yaml:"port" toml:"port" json:"port"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" toml:"debug" json:"debug"`

	// LoggingToFile writes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" toml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for rotated log files. Defaults to "logs" next to the config file.
	LogDir string `yaml:"log-dir,omitempty" toml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// LogsMaxSizeMB is the size at which the active log file is rotated.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb,omitempty" toml:"logs-max-size-mb,omitempty" json:"logs-max-size-mb,omitempty"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics,omitempty" toml:"metrics,omitempty" json:"metrics,omitempty"`

	// CORS configures cross-origin headers added to every response.
	CORS CORSConfig `yaml:"cors,omitempty" toml:"cors,omitempty" json:"cors,omitempty"`

	// Kimi configures the upstream web API.
	Kimi KimiConfig `yaml:"kimi" toml:"kimi" json:"kimi"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled toggles collection and the /metrics endpoint. nil means default (true).
	Enabled *bool `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
}

// CORSConfig overrides the permissive default CORS headers.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow-origins,omitempty" toml:"allow-origins,omitempty" json:"allow-origins,omitempty"`
	AllowMethods []string `yaml:"allow-methods,omitempty" toml:"allow-methods,omitempty" json:"allow-methods,omitempty"`
	AllowHeaders []string `yaml:"allow-headers,omitempty" toml:"allow-headers,omitempty" json:"allow-headers,omitempty"`
}

// KimiConfig holds the upstream web API settings.
type KimiConfig struct {
	// BaseURL is the upstream origin, e.g. https://www.kimi.com.
	BaseURL string `yaml:"base-url" toml:"base-url" json:"base-url"`

	// Platform is sent in the x-msh-platform header.
	Platform string `yaml:"platform,omitempty" toml:"platform,omitempty" json:"platform,omitempty"`

	// UpstreamModel is the model name sent in the completion payload.
	UpstreamModel string `yaml:"upstream-model,omitempty" toml:"upstream-model,omitempty" json:"upstream-model,omitempty"`

	// ConversationName is the name given to every new conversation.
	ConversationName string `yaml:"conversation-name,omitempty" toml:"conversation-name,omitempty" json:"conversation-name,omitempty"`

	// BootstrapTimeoutSeconds bounds everything up to the first byte of the upstream stream.
	BootstrapTimeoutSeconds int `yaml:"bootstrap-timeout-seconds,omitempty" toml:"bootstrap-timeout-seconds,omitempty" json:"bootstrap-timeout-seconds,omitempty"`

	// StreamIdleTimeoutSeconds cancels the upstream stream when no event arrives in time.
	// <= 0 after defaults means disabled.
	StreamIdleTimeoutSeconds int `yaml:"stream-idle-timeout-seconds,omitempty" toml:"stream-idle-timeout-seconds,omitempty" json:"stream-idle-timeout-seconds,omitempty"`
}

// IsMetricsEnabled reports whether Prometheus metrics are enabled, defaulting to true.
func (c *Config) IsMetricsEnabled() bool {
	if c == nil || c.Metrics.Enabled == nil {
		return true
	}
	return *c.Metrics.Enabled
}

// LoadConfig reads the configuration file at configFile. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing,
// empty or unparsable file yields a default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return defaultConfig(), nil
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return defaultConfig(), nil
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(configFile), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		if optional {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogsMaxSizeMB <= 0 {
		c.LogsMaxSizeMB = DefaultLogsMaxSizeMB
	}
	c.Kimi.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.Kimi.BaseURL), "/")
	if c.Kimi.BaseURL == "" {
		c.Kimi.BaseURL = DefaultKimiBaseURL
	}
	if strings.TrimSpace(c.Kimi.Platform) == "" {
		c.Kimi.Platform = DefaultKimiPlatform
	}
	if strings.TrimSpace(c.Kimi.UpstreamModel) == "" {
		c.Kimi.UpstreamModel = DefaultUpstreamModel
	}
	if c.Kimi.ConversationName == "" {
		c.Kimi.ConversationName = DefaultConversationName
	}
	if c.Kimi.BootstrapTimeoutSeconds == 0 {
		c.Kimi.BootstrapTimeoutSeconds = DefaultBootstrapTimeoutSeconds
	}
	if c.Kimi.StreamIdleTimeoutSeconds == 0 {
		c.Kimi.StreamIdleTimeoutSeconds = DefaultStreamIdleTimeoutSeconds
	}
}

// ApplyEnvOverrides applies environment overrides on top of the file configuration.
// Recognised keys: PORT, KIMI_BASE_URL, PROXY_URL.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	if v, ok := lookup("PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Port = port
		}
	}
	if v, ok := lookup("KIMI_BASE_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Kimi.BaseURL = strings.TrimSuffix(strings.TrimSpace(v), "/")
	}
	if v, ok := lookup("PROXY_URL"); ok {
		cfg.ProxyURL = strings.TrimSpace(v)
	}
}

// ValidateConfig checks the configuration for fatal problems and returns a list of
// non-fatal warnings.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range (1-65535)", cfg.Port)
	}

	var warnings []string
	if cfg.Kimi.BaseURL != "" {
		u, err := url.Parse(cfg.Kimi.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("kimi.base-url %q must be an absolute http(s) URL", cfg.Kimi.BaseURL)
		}
	}
	if cfg.ProxyURL != "" {
		if _, err := url.Parse(cfg.ProxyURL); err != nil {
			warnings = append(warnings, fmt.Sprintf("proxy-url %q is invalid and will be ignored", cfg.ProxyURL))
		}
	}
	if cfg.Kimi.BootstrapTimeoutSeconds < 0 {
		warnings = append(warnings, "kimi.bootstrap-timeout-seconds is negative; upstream bootstrap calls are unbounded")
	}
	if cfg.Kimi.StreamIdleTimeoutSeconds < 0 {
		warnings = append(warnings, "kimi.stream-idle-timeout-seconds is negative; upstream streams may hang indefinitely")
	}
	keepAlive := cfg.Streaming.KeepAliveSeconds
	idle := cfg.Kimi.StreamIdleTimeoutSeconds
	if keepAlive > 0 && idle > 0 && keepAlive >= idle {
		warnings = append(warnings, "streaming.keepalive-seconds is not shorter than kimi.stream-idle-timeout-seconds; keep-alives will never be sent")
	}
	return warnings, nil
}
