package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadEffective when neither file, env nor flags
// set a value.
const (
	DefaultPort           = 8080
	DefaultOpsPort        = 9090
	DefaultWorkerPoolSize = 16
	DefaultMaxBodySize    = 4 << 20
	DefaultAuthTimeout    = "5s"
	DefaultJournalPath    = "./.journal"
	DefaultSweeperCron    = "* * * * *"
)

// Addr returns host:port for the serving listener.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = DefaultPort
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// OpsAddr returns host:port for the maintenance listener.
func (c *Config) OpsAddr() string {
	addr := c.Ops.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Ops.Port
	if p == 0 {
		p = DefaultOpsPort
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the environment variable `FRONTDOOR_CONFIG` when the flag was
// not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("FRONTDOOR_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// applyDefaults fills zero values with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.WorkerPoolSize == 0 {
		cfg.Server.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = DefaultOpsPort
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "static"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath
	}
	if cfg.Sweeper.Cron == "" {
		cfg.Sweeper.Cron = DefaultSweeperCron
	}
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides and defaults. A missing file is not an error;
// env vars and defaults stand in. It returns the effective config and
// a boolean indicating whether env vars were used.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) && path != "" {
			// distinguish a malformed file from a missing one
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, false, err
			}
		}
		cfg = &Config{}
	}
	envUsed := ApplyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, envUsed, nil
}
