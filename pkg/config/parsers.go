package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	Ops    string
	Config string
	Set    map[string]bool
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "serving listen address")
	opsPtr := flag.String("ops", ":9090", "maintenance listen address")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, Ops: *opsPtr, Config: *cfgPtr, Set: setFlags}
}

// ApplyFlagOverrides applies explicitly-set flags onto cfg. Flags take
// precedence over both the config file and environment variables.
func ApplyFlagOverrides(cfg *Config, flags Flags) {
	if flags.Set["addr"] {
		applyHostPort(flags.Addr, &cfg.Server.Address, &cfg.Server.Port)
	}
	if flags.Set["ops"] {
		applyHostPort(flags.Ops, &cfg.Ops.Address, &cfg.Ops.Port)
	}
}

// ApplyEnvOverrides applies FRONTDOOR_* environment variables onto cfg
// and reports whether any were present.
func ApplyEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("FRONTDOOR_ADDR"); v != "" {
		envUsed = true
		applyHostPort(v, &cfg.Server.Address, &cfg.Server.Port)
	} else {
		if host := os.Getenv("FRONTDOOR_ADDRESS"); host != "" {
			envUsed = true
			cfg.Server.Address = host
		}
		if port := os.Getenv("FRONTDOOR_PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if v := os.Getenv("FRONTDOOR_OPS_ADDR"); v != "" {
		envUsed = true
		applyHostPort(v, &cfg.Ops.Address, &cfg.Ops.Port)
	}
	if v := os.Getenv("FRONTDOOR_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Server.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("FRONTDOOR_MAX_BODY_SIZE"); v != "" {
		if b, err := humanize.ParseBytes(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Server.MaxBodySize = SizeBytes(b)
		}
	}

	if c := os.Getenv("FRONTDOOR_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("FRONTDOOR_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.KeyFile = k
	}

	if v := os.Getenv("FRONTDOOR_AUTH_MODE"); v != "" {
		envUsed = true
		cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FRONTDOOR_AUTH_ENDPOINT"); v != "" {
		envUsed = true
		cfg.Auth.Endpoint = v
	}
	if v := os.Getenv("FRONTDOOR_AUTH_TOKENS"); v != "" {
		// token=domain pairs, comma separated; bare tokens map to the
		// caller's claimed identity
		envUsed = true
		tokens := map[string]string{}
		for _, pair := range parseList(v) {
			if i := strings.IndexByte(pair, '='); i >= 0 {
				tokens[pair[:i]] = pair[i+1:]
			} else {
				tokens[pair] = ""
			}
		}
		cfg.Auth.Tokens = tokens
	}
	if v := os.Getenv("FRONTDOOR_AUTH_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Auth.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("FRONTDOOR_AUTH_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Auth.RateLimit.Burst = n
		}
	}

	if v := os.Getenv("FRONTDOOR_JOURNAL_PATH"); v != "" {
		envUsed = true
		cfg.Journal.Enabled = true
		cfg.Journal.Path = v
	}

	return envUsed
}

// applyHostPort splits a host:port value into the given fields; a bare
// host is kept as-is.
func applyHostPort(v string, address *string, port *int) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		*address = h
		if pi, err := strconv.Atoi(p); err == nil {
			*port = pi
		}
	} else {
		*address = v
	}
}
