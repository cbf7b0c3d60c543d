// Package config handles assistant configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./assistant.yaml, ~/.config/hivedesk/assistant.yaml,
// /etc/hivedesk/assistant.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"assistant.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hivedesk", "assistant.yaml"))
	}

	paths = append(paths, "/etc/hivedesk/assistant.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all assistant configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Backend   BackendConfig   `yaml:"backend"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// GatewayConfig defines the managed model gateway connection.
type GatewayConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// BackendConfig defines the workspace backend that executes domain actions
// and owns plan quota state.
type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// LimitsConfig bounds the agent loop and its context window.
type LimitsConfig struct {
	// RateWindowSeconds is the sliding-window duration for local rate
	// limiting. Default 60.
	RateWindowSeconds int `yaml:"rate_window_seconds"`
	// RateMaxRequests is the maximum admitted requests per window. Default 10.
	RateMaxRequests int `yaml:"rate_max_requests"`
	// MaxToolIterations caps model/tool round-trips within one turn. Default 10.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// HistoryWindow is the number of recent messages sent to the model.
	// Default 15.
	HistoryWindow int `yaml:"history_window"`
	// ContextTokenBudget further trims the selected window when its token
	// estimate exceeds this value. Zero disables token trimming.
	ContextTokenBudget int `yaml:"context_token_budget"`
	// PruneMaxItems caps array items kept in a stored tool result. Default 10.
	PruneMaxItems int `yaml:"prune_max_items"`
	// PruneMaxStringLen caps string field length in a stored tool result.
	// Default 500.
	PruneMaxStringLen int `yaml:"prune_max_string_len"`
}

// RetrievalConfig defines optional search augmentation.
type RetrievalConfig struct {
	// Provider selects the primary search backend: "searxng" or "brave".
	// Empty disables retrieval.
	Provider string `yaml:"provider"`
	// SearXNGURL is the base URL of a SearXNG instance.
	SearXNGURL string `yaml:"searxng_url"`
	// BraveAPIKey enables the Brave Search provider.
	BraveAPIKey string `yaml:"brave_api_key"`
	// Count is the maximum number of sources injected per query. Default 5.
	Count int `yaml:"count"`
}

// RateWindow returns the configured sliding-window duration.
func (l LimitsConfig) RateWindow() time.Duration {
	return time.Duration(l.RateWindowSeconds) * time.Second
}

// Load reads and parses a config file, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in defaults for unset limit fields.
func (c *Config) ApplyDefaults() {
	if c.Limits.RateWindowSeconds <= 0 {
		c.Limits.RateWindowSeconds = 60
	}
	if c.Limits.RateMaxRequests <= 0 {
		c.Limits.RateMaxRequests = 10
	}
	if c.Limits.MaxToolIterations <= 0 {
		c.Limits.MaxToolIterations = 10
	}
	if c.Limits.HistoryWindow <= 0 {
		c.Limits.HistoryWindow = 15
	}
	if c.Limits.PruneMaxItems <= 0 {
		c.Limits.PruneMaxItems = 10
	}
	if c.Limits.PruneMaxStringLen <= 0 {
		c.Limits.PruneMaxStringLen = 500
	}
	if c.Retrieval.Count <= 0 {
		c.Retrieval.Count = 5
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.Model == "" {
		return fmt.Errorf("gateway.model is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
