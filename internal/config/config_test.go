package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Errorf("Expected default storage driver sqlite, got %s", cfg.StorageDriver)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("Expected default request timeout 30s, got %s", cfg.RequestTimeout)
	}
	if !cfg.DedupEnabled || cfg.DedupTTL != 5*time.Minute {
		t.Errorf("Unexpected dedup defaults: %v %s", cfg.DedupEnabled, cfg.DedupTTL)
	}
	if !cfg.OptimisticRollbackExpired {
		t.Error("Expected rollback of expired updates by default")
	}
	if cfg.MaxRetries != 1 {
		t.Errorf("Expected default max retries 1, got %d", cfg.MaxRetries)
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("Unexpected addr: %s", cfg.Addr())
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("LUCENT_PORT", "9000")
	t.Setenv("LUCENT_STORAGE_DRIVER", "pebble")
	t.Setenv("LUCENT_DEDUP_TTL", "90s")
	t.Setenv("LUCENT_TRANSPORT", "fiber")
	t.Setenv("LUCENT_UPSTREAM_BASE_URL", "https://api.example.com")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Port)
	}
	if cfg.StorageDriver != "pebble" {
		t.Errorf("Expected pebble, got %s", cfg.StorageDriver)
	}
	if cfg.DedupTTL != 90*time.Second {
		t.Errorf("Expected dedup ttl 90s, got %s", cfg.DedupTTL)
	}
	if cfg.Transport != "fiber" {
		t.Errorf("Expected fiber transport, got %s", cfg.Transport)
	}
	if cfg.UpstreamBaseURL != "https://api.example.com" {
		t.Errorf("Unexpected base url: %s", cfg.UpstreamBaseURL)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucent.yaml")
	content := `
port: 7070
log_level: debug
optimistic_rollback_expired: false
dispatch_workers: 3
sweep_interval: 0s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 7070 || cfg.LogLevel != "debug" {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.OptimisticRollbackExpired {
		t.Error("Expected rollback of expired updates to be disabled")
	}
	if cfg.DispatchWorkers != 3 {
		t.Errorf("Expected 3 workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.SweepInterval != 0 {
		t.Errorf("Expected sweeper disabled, got %s", cfg.SweepInterval)
	}

	// Environment wins over the file
	t.Setenv("LUCENT_PORT", "7171")
	cfg, err = LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 7171 {
		t.Errorf("Expected env override 7171, got %d", cfg.Port)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"storage driver", "LUCENT_STORAGE_DRIVER", "redis"},
		{"transport", "LUCENT_TRANSPORT", "grpc"},
		{"log level", "LUCENT_LOG_LEVEL", "verbose"},
		{"base url", "LUCENT_UPSTREAM_BASE_URL", "not a url"},
		{"workers", "LUCENT_DISPATCH_WORKERS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFile("")
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}
