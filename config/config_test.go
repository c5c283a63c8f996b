package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Requirement: defaults apply when nothing is configured.
func TestLoadDefaults(t *testing.T) {
	// Arrange
	t.Chdir(t.TempDir())

	// Act
	cfg, err := Load()

	// Assert
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverFile {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, DriverFile)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want 10s", cfg.HTTPTimeout)
	}
	if cfg.RefreshCheckInterval != 45*time.Second {
		t.Errorf("RefreshCheckInterval = %v, want 45s", cfg.RefreshCheckInterval)
	}
	if cfg.RefreshThreshold != 60*time.Second {
		t.Errorf("RefreshThreshold = %v, want 60s", cfg.RefreshThreshold)
	}
	if cfg.DevRefreshTTL != 168*time.Hour {
		t.Errorf("DevRefreshTTL = %v, want 168h", cfg.DevRefreshTTL)
	}
	if cfg.TracingSampleRate != 1 {
		t.Errorf("TracingSampleRate = %v, want 1", cfg.TracingSampleRate)
	}
}

// Requirement: environment variables override defaults and files.
func TestLoadEnvironment(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("API_BASE_URL=http://from-dotenv\nLOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_BASE_URL", "https://api.example.com/api/v1")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("REFRESH_THRESHOLD", "2m")
	t.Setenv("VERIFY_ON_INIT", "true")

	// Act
	cfg, err := Load()

	// Assert
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIBaseURL != "https://api.example.com/api/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn from .env", cfg.LogLevel)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.RefreshThreshold != 2*time.Minute {
		t.Errorf("RefreshThreshold = %v, want 2m", cfg.RefreshThreshold)
	}
	if !cfg.VerifyOnInit {
		t.Error("VerifyOnInit = false, want true")
	}
}

// Requirement: an fmsession.yaml in the working directory is read.
func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "store_driver: redis\nredis_addr: cache:6379\nstore_namespace: desk\n"
	if err := os.WriteFile(filepath.Join(dir, "fmsession.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverRedis || cfg.RedisAddr != "cache:6379" || cfg.StoreNamespace != "desk" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "sqlite"},
			wantErr: "STORE_DRIVER",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"STORE_DRIVER": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "negative interval",
			env:     map[string]string{"REFRESH_CHECK_INTERVAL": "-5s"},
			wantErr: "REFRESH_CHECK_INTERVAL",
		},
		{
			name:    "sample rate out of range",
			env:     map[string]string{"TRACING_SAMPLE_RATE": "1.5"},
			wantErr: "TRACING_SAMPLE_RATE",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			_, err := Load()

			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Load() error = %v, want mention of %s", err, test.wantErr)
			}
		})
	}
}

func TestValidateDevAuth(t *testing.T) {
	cfg := &Config{DevAuthAddr: ":8080", DevAuthSecret: "short"}
	if err := cfg.ValidateDevAuth(); err == nil {
		t.Error("ValidateDevAuth() with short secret error = nil")
	}

	cfg.DevAuthSecret = strings.Repeat("s", 32)
	if err := cfg.ValidateDevAuth(); err != nil {
		t.Errorf("ValidateDevAuth() error = %v", err)
	}
}
