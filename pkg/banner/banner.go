package banner

import (
	"fmt"

	"frontdoor/pkg/config"
)

const banner = `
███████╗██████╗  ██████╗ ███╗   ██╗████████╗██████╗  ██████╗  ██████╗ ██████╗
██╔════╝██╔══██╗██╔═══██╗████╗  ██║╚══██╔══╝██╔══██╗██╔═══██╗██╔═══██╗██╔══██╗
█████╗  ██████╔╝██║   ██║██╔██╗ ██║   ██║   ██║  ██║██║   ██║██║   ██║██████╔╝
██╔══╝  ██╔══██╗██║   ██║██║╚██╗██║   ██║   ██║  ██║██║   ██║██║   ██║██╔══██╗
██║     ██║  ██║╚██████╔╝██║ ╚████║   ██║   ██████╔╝╚██████╔╝╚██████╔╝██║  ██║
╚═╝     ╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝   ╚═╝   ╚═════╝  ╚═════╝  ╚═════╝ ╚═╝  ╚═╝
`

// Print prints the startup banner with the resolved runtime info.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Serving:  %s\n", cfg.Addr())
	fmt.Printf("Ops:      %s\n", cfg.OpsAddr())
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}

	if cfg.Server.TLS.Enabled && cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	switch cfg.Auth.Mode {
	case "remote":
		fmt.Printf("- Authorization: remote (%s)\n", cfg.Auth.Endpoint)
	default:
		fmt.Printf("- Authorization: static (%d tokens)\n", len(cfg.Auth.Tokens))
	}
	if cfg.Auth.RateLimit.RPS > 0 {
		fmt.Printf("- Auth rate limit: %.1f rps, burst %d\n", cfg.Auth.RateLimit.RPS, cfg.Auth.RateLimit.Burst)
	}

	if cfg.Journal.Enabled {
		fmt.Printf("- Journal: %s\n", cfg.Journal.Path)
	} else {
		fmt.Println("- Journal: disabled")
	}
	if cfg.Sweeper.Enabled {
		fmt.Printf("- Sweeper: enabled (cron=%s)\n", cfg.Sweeper.Cron)
	} else {
		fmt.Println("- Sweeper: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
