// Package config provides configuration management for the Kimi proxy server.
// It handles loading and parsing YAML or TOML configuration files, and provides structured
// access to application settings including server port, logging, outbound proxy,
// streaming behaviour and upstream endpoints.
package config

// SDKConfig holds the settings shared by the HTTP handlers and the upstream client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// http, https and socks5 schemes are supported.
	ProxyURL string `yaml:"proxy-url" toml:"proxy-url" json:"proxy-url"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" toml:"streaming" json:"streaming"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n")
	// while waiting for the next upstream fragment.
	// <= 0 disables keep-alives. Default is 0.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" toml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}
