package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ops     OpsConfig     `yaml:"ops"`
	Auth    AuthConfig    `yaml:"auth"`
	Journal JournalConfig `yaml:"journal"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the request-serving listener settings.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	Port           int       `yaml:"port"`
	WorkerPoolSize int       `yaml:"worker_pool_size"`
	MaxBodySize    SizeBytes `yaml:"max_body_size"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OpsConfig holds the maintenance listener settings (health, metrics,
// admin endpoints). It binds separately from the serving listener.
type OpsConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuthConfig selects and tunes the request authorizer.
type AuthConfig struct {
	// Mode is "static" (token table below) or "remote" (HTTP endpoint).
	Mode      string            `yaml:"mode"`
	Endpoint  string            `yaml:"endpoint"`
	Timeout   Duration          `yaml:"timeout"`
	Tokens    map[string]string `yaml:"tokens"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// JournalConfig controls the on-disk request journal.
type JournalConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// SweeperConfig controls the periodic maintenance runner.
type SweeperConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Cron       string   `yaml:"cron"`
	StaleAfter Duration `yaml:"stale_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "4MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
