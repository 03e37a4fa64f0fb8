package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-dmls/pkg/mls"
)

func TestDefaultDataDir(t *testing.T) {
	dataDir := DefaultDataDir()
	if !strings.HasSuffix(dataDir, filepath.Join(".arc", "dmls")) {
		t.Errorf("DefaultDataDir() should end with .arc/dmls, got: %s", dataDir)
	}
	if !filepath.IsAbs(dataDir) {
		t.Errorf("DefaultDataDir() should return absolute path, got: %s", dataDir)
	}
}

// TestLoadDefaults verifies that Load applies all defaults when no config file
// or env vars are set.
func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load with no config file should not error, got: %v", err)
	}

	if cfg.DataDir != DefaultDataDir() {
		t.Errorf("DataDir = %s, want %s", cfg.DataDir, DefaultDataDir())
	}
	if cfg.Suite() != mls.DefaultCiphersuite {
		t.Errorf("Suite() = %s, want %s", cfg.Suite(), mls.DefaultCiphersuite)
	}
	if cfg.Storage.Backend != "badger" {
		t.Errorf("Storage.Backend default should be badger, got: %s", cfg.Storage.Backend)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("Observability.LogLevel default should be 'info', got: %s", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogFormat != "" {
		t.Errorf("Observability.LogFormat default should be empty, got: %s", cfg.Observability.LogFormat)
	}
	if cfg.Observability.OTLPProtocol != "http" {
		t.Errorf("Observability.OTLPProtocol default should be 'http', got: %s", cfg.Observability.OTLPProtocol)
	}
	if cfg.Observability.ServiceName != "arc-dmls" {
		t.Errorf("Observability.ServiceName default should be 'arc-dmls', got: %s", cfg.Observability.ServiceName)
	}
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("ARC_DMLS_STORAGE_BACKEND", "sqlite")
	t.Setenv("ARC_DMLS_OBSERVABILITY_LOG_LEVEL", "debug")
	t.Setenv("ARC_DMLS_DATA_DIR", "/custom/data/dir")

	v := viper.New()
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load with env overrides should not error, got: %v", err)
	}

	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend should be sqlite (from env), got: %s", cfg.Storage.Backend)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Observability.LogLevel should be 'debug' (from env), got: %s", cfg.Observability.LogLevel)
	}
	if cfg.DataDir != "/custom/data/dir" {
		t.Errorf("DataDir should be /custom/data/dir (from env), got: %s", cfg.DataDir)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "dmls.yaml")
	configContent := `
data_dir: /tmp/dmls-test
ciphersuite: X25519_CHACHA20POLY1305_SHA512_Ed25519
observability:
  log_level: warn
  log_format: json
  metrics_addr: :9091
storage:
  backend: s3
  config:
    bucket: epochs
    region: us-west-2
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	cfg, err := Load(v, configPath)
	if err != nil {
		t.Fatalf("Load with config file should not error, got: %v", err)
	}

	if cfg.DataDir != "/tmp/dmls-test" {
		t.Errorf("DataDir should be /tmp/dmls-test, got: %s", cfg.DataDir)
	}
	if cfg.Suite() != mls.X25519_CHACHA20POLY1305_SHA512_Ed25519 {
		t.Errorf("Suite() = %s", cfg.Suite())
	}
	if cfg.Observability.LogFormat != "json" || cfg.Observability.MetricsAddr != ":9091" {
		t.Errorf("observability not loaded: %+v", cfg.Observability)
	}
	if cfg.Storage.Backend != "s3" {
		t.Errorf("Storage.Backend should be s3, got: %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Config["bucket"] != "epochs" || cfg.Storage.Config["region"] != "us-west-2" {
		t.Errorf("Storage.Config = %v", cfg.Storage.Config)
	}
}

func TestLoadRejectsUnknownSuite(t *testing.T) {
	t.Setenv("ARC_DMLS_CIPHERSUITE", "ROT13")

	v := viper.New()
	if _, err := Load(v, ""); err == nil {
		t.Fatal("Load accepted an unknown ciphersuite")
	}
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	v := viper.New()
	if _, err := Load(v, "/nonexistent/path/to/dmls.hcl"); err == nil {
		t.Error("Load with explicit missing config file should error")
	}
}

func TestBindFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	err := cmd.PersistentFlags().Parse([]string{
		"--data-dir", "/flag/dir",
		"--backend", "redis",
		"--backend-opt", "addr=cache:6379",
		"--backend-opt", "db=3",
		"--log-level", "debug",
		"--log-format", "json",
	})
	if err != nil {
		t.Fatalf("Parse flags: %v", err)
	}

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/flag/dir" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("Storage.Backend = %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Config["addr"] != "cache:6379" || cfg.Storage.Config["db"] != "3" {
		t.Errorf("Storage.Config = %v", cfg.Storage.Config)
	}
	if cfg.Observability.LogLevel != "debug" || cfg.Observability.LogFormat != "json" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func TestBackendOptions(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		config  map[string]string
		want    string
	}{
		{"badger path from data dir", "badger", nil, filepath.Join("/data", "epochs")},
		{"sqlite path from data dir", "sqlite", nil, filepath.Join("/data", "epochs.db")},
		{"explicit path wins", "badger", map[string]string{"path": "/elsewhere"}, "/elsewhere"},
		{"no path for redis", "redis", map[string]string{"addr": "x:1"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{DataDir: "/data", Storage: BackendConfig{Backend: tt.backend, Config: tt.config}}
			got := cfg.BackendOptions()
			if got["path"] != tt.want {
				t.Errorf("path = %q, want %q", got["path"], tt.want)
			}
			for k, v := range tt.config {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}

	cfg := Config{Storage: BackendConfig{Backend: "badger", Config: map[string]string{"a": "b"}}}
	cfg.BackendOptions()["a"] = "changed"
	if cfg.Storage.Config["a"] != "b" {
		t.Error("BackendOptions aliases the configured map")
	}
}
