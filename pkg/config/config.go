// Package config loads poolsvcd's static configuration: logging, listen
// addresses, storage paths, and rebuild/metrics knobs.
//
// Grounded on marmos91/dittofs's pkg/config/config.go: viper backs a
// layered precedence (env vars, then config file, then defaults), yaml.v3
// is used to write a config back out, and mapstructure tags drive the
// viper→struct unmarshal. Environment variables carry a POOL_ prefix and
// name the config key (POOL_STORAGE_MD_CAP_MB, POOL_REBUILD_DISABLED, ...);
// there is no fault-injection variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is poolsvcd's static configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	RPC     RPCConfig     `mapstructure:"rpc" yaml:"rpc"`
	Raft    RaftConfig    `mapstructure:"raft" yaml:"raft"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Rebuild RebuildConfig `mapstructure:"rebuild" yaml:"rebuild"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// RPCConfig configures the pkg/rpcsvc listener.
type RPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// RaftConfig configures the per-pool pkg/rdb raft groups.
type RaftConfig struct {
	NodeID string `mapstructure:"node_id" yaml:"node_id"`
	// BindAddr is the local address the pool's raft transport listens on;
	// cmd/poolsvcd passes it to pkg/rdb unchanged.
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`
}

// StorageConfig controls on-disk pool data placement and the metadata
// capacity floor carried over from DAOS's DAOS_MD_CAP.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	MDCapMB int    `mapstructure:"md_cap_mb" yaml:"md_cap_mb"`
}

// RebuildConfig controls the pkg/rebuild bridge. Workers is validated but
// not passed on: pkg/rebuild always runs a fixed pool of four workers.
type RebuildConfig struct {
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`
	Workers  int  `mapstructure:"workers" yaml:"workers"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

const (
	envPrefix             = "POOL"
	minMDCapMB            = 128
	defaultRebuildWorkers = 4
)

// Load reads configuration from the environment, an optional file at
// configPath, and finally defaults, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	} else {
		applyEnvOverrides(v, cfg)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("poolsvcd")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides fills a default config from bare environment variables
// when no config file is present, since viper.Unmarshal only sees keys it
// already knows about from a file or explicit BindEnv calls.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if val := v.GetString("logging.level"); val != "" {
		cfg.Logging.Level = val
	}
	if val := v.GetString("rpc.listen_addr"); val != "" {
		cfg.RPC.ListenAddr = val
	}
	if val := v.GetString("storage.data_dir"); val != "" {
		cfg.Storage.DataDir = val
	}
	if val := v.GetInt("storage.md_cap_mb"); val != 0 {
		cfg.Storage.MDCapMB = val
	}
	if v.IsSet("rebuild.disabled") {
		cfg.Rebuild.Disabled = v.GetBool("rebuild.disabled")
	}
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		RPC:     RPCConfig{ListenAddr: "0.0.0.0:4001"},
		Raft:    RaftConfig{NodeID: "node-1", BindAddr: "0.0.0.0:4010"},
		Storage: StorageConfig{DataDir: "/var/lib/poolsvcd", MDCapMB: minMDCapMB},
		Rebuild: RebuildConfig{Disabled: false, Workers: defaultRebuildWorkers},
		Metrics: MetricsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.MDCapMB < minMDCapMB {
		return fmt.Errorf("storage.md_cap_mb must be at least %d", minMDCapMB)
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if cfg.RPC.ListenAddr == "" {
		return fmt.Errorf("rpc.listen_addr must not be empty")
	}
	if cfg.Rebuild.Workers <= 0 {
		return fmt.Errorf("rebuild.workers must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug,info,warn,error, got %q", cfg.Logging.Level)
	}
	return nil
}

// Save writes cfg to path in YAML.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
