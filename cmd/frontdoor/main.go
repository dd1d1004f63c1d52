package main

import (
	"context"

	"github.com/joho/godotenv"

	"frontdoor/internal/app"
	"frontdoor/internal/sweeper"
	"frontdoor/pkg/config"
	"frontdoor/pkg/logger"
	"frontdoor/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	flags := config.ParseConfigFlags()

	// config path: flag wins over env
	cfgPath := config.ResolveConfigPath(flags.Config, flags.Set["config"])

	cfg, _, err := config.LoadEffective(cfgPath)
	if err != nil {
		shutdown.Abort("failed to load config", err, "", 0)
	}
	config.ApplyFlagOverrides(cfg, flags)

	logger.InitWithLevel(cfg.Logging.Level)

	a, err := app.New(cfg, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, cfg.Journal.Path, 0)
	}
	if err := a.RegisterDefaultRoutes(); err != nil {
		shutdown.Abort("route registration failed", err, cfg.Journal.Path, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	sweepCancel, err := sweeper.Start(ctx, cfg, a.Server())
	if err != nil {
		shutdown.Abort("sweeper failed to start", err, cfg.Journal.Path, 0)
	}
	defer sweepCancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err, cfg.Journal.Path, 0)
	}
	logger.Info("shutdown_complete")
}
