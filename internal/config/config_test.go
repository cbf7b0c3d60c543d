package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: https://gateway.hivedesk.example
  model: hd-large
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Limits.RateWindowSeconds != 60 {
		t.Errorf("RateWindowSeconds = %d, want 60", cfg.Limits.RateWindowSeconds)
	}
	if cfg.Limits.RateMaxRequests != 10 {
		t.Errorf("RateMaxRequests = %d, want 10", cfg.Limits.RateMaxRequests)
	}
	if cfg.Limits.MaxToolIterations != 10 {
		t.Errorf("MaxToolIterations = %d, want 10", cfg.Limits.MaxToolIterations)
	}
	if cfg.Limits.HistoryWindow != 15 {
		t.Errorf("HistoryWindow = %d, want 15", cfg.Limits.HistoryWindow)
	}
	if cfg.Retrieval.Count != 5 {
		t.Errorf("Retrieval.Count = %d, want 5", cfg.Retrieval.Count)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if got := cfg.Limits.RateWindow(); got != time.Minute {
		t.Errorf("RateWindow() = %v, want 1m", got)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: https://gateway.hivedesk.example
  api_key: gk-123
  model: hd-large
backend:
  url: https://api.hivedesk.example
  api_key: bk-456
limits:
  rate_window_seconds: 30
  rate_max_requests: 5
  max_tool_iterations: 4
retrieval:
  provider: searxng
  searxng_url: http://localhost:8080
  count: 3
data_dir: /var/lib/assistant
log_level: debug
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Gateway.APIKey != "gk-123" || cfg.Backend.URL != "https://api.hivedesk.example" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Limits.RateWindowSeconds != 30 || cfg.Limits.MaxToolIterations != 4 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Retrieval.Provider != "searxng" || cfg.Retrieval.Count != 3 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
}

func TestValidateRejectsMissingGateway(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://api.hivedesk.example
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing gateway.url")
	}
}

func TestValidateRejectsMissingModel(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: https://gateway.hivedesk.example
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing gateway.model")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: https://gateway.hivedesk.example
  model: hd-large
log_format: xml
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad log_format")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"trace", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
