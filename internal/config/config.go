// Package config loads arc-dmls configuration from flags, environment and
// an optional HCL file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-dmls/pkg/mls"
)

// EnvPrefix is the prefix of environment overrides, e.g. ARC_DMLS_DATA_DIR.
const EnvPrefix = "ARC_DMLS"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Ciphersuite   string              `mapstructure:"ciphersuite"`
	Storage       BackendConfig       `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// DefaultDataDir returns ~/.arc/dmls, or a relative fallback without a home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".arc", "dmls")
	}
	return filepath.Join(home, ".arc", "dmls")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("ciphersuite", mls.DefaultCiphersuite.String())

	v.SetDefault("storage.backend", "badger")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "arc-dmls")
	v.SetDefault("observability.service_version", "dev")
}

// BindFlags registers the global flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.arc/dmls)")
	f.String("backend", "", "epoch storage backend")
	f.StringToString("backend-opt", nil, "backend option key=value (repeatable)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text; default depends on the terminal)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("storage.backend", f.Lookup("backend"))
	_ = v.BindPFlag("storage.config", f.Lookup("backend-opt"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing file is only an error when configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dmls")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc")
		v.AddConfigPath("/etc/arc")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if _, err := mls.ParseCiphersuite(cfg.Ciphersuite); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Suite returns the configured ciphersuite. Load has already validated it.
func (c Config) Suite() mls.Ciphersuite {
	cs, err := mls.ParseCiphersuite(c.Ciphersuite)
	if err != nil {
		return mls.DefaultCiphersuite
	}
	return cs
}

// BackendOptions returns the storage backend's option map. File-backed
// backends get a path under the data directory unless one is configured.
func (c Config) BackendOptions() map[string]string {
	opts := make(map[string]string, len(c.Storage.Config)+1)
	for k, v := range c.Storage.Config {
		opts[k] = v
	}
	if _, ok := opts["path"]; ok {
		return opts
	}
	switch c.Storage.Backend {
	case "badger":
		opts["path"] = filepath.Join(c.DataDir, "epochs")
	case "sqlite":
		opts["path"] = filepath.Join(c.DataDir, "epochs.db")
	}
	return opts
}
