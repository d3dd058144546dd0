package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"upstream_url": "https://planet.example.com/replication/minute"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.UpstreamURL != "https://planet.example.com/replication/minute" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.Interval != time.Hour {
		t.Errorf("Interval = %s, want 1h", cfg.Interval)
	}
	if cfg.MaxBatch != 30 {
		t.Errorf("MaxBatch = %d, want 30", cfg.MaxBatch)
	}
	if cfg.InvocationTimeout != 30*time.Minute {
		t.Errorf("InvocationTimeout = %s, want 30m", cfg.InvocationTimeout)
	}
	if cfg.RetryBackoff != 5*time.Second || cfg.RetryBackoffMax != time.Minute {
		t.Errorf("backoff = %s/%s, want 5s/1m", cfg.RetryBackoff, cfg.RetryBackoffMax)
	}
	if cfg.AlertAfterFailures != 3 {
		t.Errorf("AlertAfterFailures = %d, want 3", cfg.AlertAfterFailures)
	}
	if cfg.ExpireZoom != 16 {
		t.Errorf("ExpireZoom = %d, want 16", cfg.ExpireZoom)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"upstream_url": "https://diffs.example.com/hourly",
		"interval_seconds": 60,
		"max_batch": 5,
		"timeout_seconds": 120,
		"retry_backoff_seconds": 1,
		"retry_backoff_max_seconds": 8,
		"alert_after_failures": 10,
		"expire_zoom": 14
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Interval != time.Minute {
		t.Errorf("Interval = %s, want 1m", cfg.Interval)
	}
	if cfg.MaxBatch != 5 {
		t.Errorf("MaxBatch = %d, want 5", cfg.MaxBatch)
	}
	if cfg.InvocationTimeout != 2*time.Minute {
		t.Errorf("InvocationTimeout = %s, want 2m", cfg.InvocationTimeout)
	}
	if cfg.RetryBackoff != time.Second || cfg.RetryBackoffMax != 8*time.Second {
		t.Errorf("backoff = %s/%s, want 1s/8s", cfg.RetryBackoff, cfg.RetryBackoffMax)
	}
	if cfg.AlertAfterFailures != 10 {
		t.Errorf("AlertAfterFailures = %d, want 10", cfg.AlertAfterFailures)
	}
	if cfg.ExpireZoom != 14 {
		t.Errorf("ExpireZoom = %d, want 14", cfg.ExpireZoom)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing upstream", `{"interval_seconds": 60}`},
		{"zero interval", `{"upstream_url": "https://x.example.com", "interval_seconds": 0}`},
		{"negative batch", `{"upstream_url": "https://x.example.com", "max_batch": -1}`},
		{"zero timeout", `{"upstream_url": "https://x.example.com", "timeout_seconds": 0}`},
		{"backoff max below initial", `{"upstream_url": "https://x.example.com", "retry_backoff_seconds": 30, "retry_backoff_max_seconds": 5}`},
		{"absurd zoom", `{"upstream_url": "https://x.example.com", "expire_zoom": 40}`},
		{"not json at all", `interval = 60`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("Load() of missing file succeeded, want error")
	}
}
