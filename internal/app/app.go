package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/joho/godotenv"

	"frontdoor/pkg/authz"
	"frontdoor/pkg/banner"
	"frontdoor/pkg/config"
	"frontdoor/pkg/journal"
	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/server"
	"frontdoor/pkg/telemetry"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	srv     *server.Server
	metrics *telemetry.Metrics
	opsSrv  *http.Server
}

// New initializes resources that do not require a running context (the
// journal, metrics, the authorizer and the serving core). It does not
// bind any listener; call Run to start serving and block until shutdown.
func New(cfg *config.Config, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.Journal.Enabled {
		if err := journal.Open(cfg.Journal.Path); err != nil {
			return nil, fmt.Errorf("failed to open journal at %s: %w", cfg.Journal.Path, err)
		}
	}

	auth, err := buildAuthorizer(cfg)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.New()
	srv := server.New(server.Config{
		Host:                 cfg.Server.Address,
		Port:                 cfg.Server.Port,
		WorkerPoolSize:       cfg.Server.WorkerPoolSize,
		UseTLS:               cfg.Server.TLS.Enabled,
		PrivateKeyFile:       cfg.Server.TLS.KeyFile,
		CertificateChainFile: cfg.Server.TLS.CertFile,
		MaxBodyBytes:         cfg.Server.MaxBodySize.Int64(),
		Authorizer:           auth,
		Metrics:              metrics,
		OnFinalized:          journalFinalized,
	})

	return &App{
		cfg:       cfg,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		srv:       srv,
		metrics:   metrics,
	}, nil
}

// Server exposes the serving core so callers can register resource
// handlers before Run.
func (a *App) Server() *server.Server {
	return a.srv
}

// Run initializes the listeners and blocks until ctx is canceled or a
// fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if err := a.srv.Run(); err != nil {
		return fmt.Errorf("serving listener failed to start: %w", err)
	}
	logger.Info("server_started", "addr", a.srv.Addr())

	opsErr := a.startOps()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-opsErr:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if err := a.srv.Stop(); err != nil {
		logger.Error("server_stop_failed", "error", err)
	}
	if a.opsSrv != nil {
		_ = a.opsSrv.Close()
	}
	if err := journal.Close(); err != nil {
		logger.Error("journal_close_failed", "error", err)
	}
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.cfg, verStr)
}

// validateConfig fails fast on configurations the app cannot start with.
func validateConfig(cfg *config.Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls enabled but cert_file or key_file missing")
		}
	}
	switch cfg.Auth.Mode {
	case "static", "":
	case "remote":
		if cfg.Auth.Endpoint == "" {
			return fmt.Errorf("auth mode %q requires an endpoint", cfg.Auth.Mode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
	return nil
}

// buildAuthorizer assembles the configured authorizer chain.
func buildAuthorizer(cfg *config.Config) (authz.Authorizer, error) {
	var auth authz.Authorizer
	switch cfg.Auth.Mode {
	case "remote":
		auth = authz.NewRemote(cfg.Auth.Endpoint, cfg.Auth.Timeout.Duration())
	default:
		auth = authz.NewStatic(cfg.Auth.Tokens)
	}
	if cfg.Auth.RateLimit.RPS > 0 {
		auth = authz.NewRateLimited(auth, cfg.Auth.RateLimit.RPS, cfg.Auth.RateLimit.Burst)
	}
	return auth, nil
}

// journalFinalized records each finalized request in the journal.
func journalFinalized(fr server.FinalizedRequest) {
	journal.Record(journal.Entry{
		RequestID:  fr.RequestID.String(),
		ActivityID: fr.ActivityID.String(),
		Method:     fr.Method,
		Path:       fr.Path,
		Status:     fr.HTTPStatus,
		Code:       fr.Code,
		Identity:   fr.Identity,
		Duration:   fr.Duration,
	})
}

// RegisterDefaultRoutes installs the built-in resource handlers served
// by the standalone daemon.
func (a *App) RegisterDefaultRoutes() error {
	if err := a.srv.RegisterResourceHandler(http.MethodGet, "/v1/ping", func(rc *request.Context) error {
		rc.Response.Headers.Set("Content-Type", "text/plain")
		rc.Response.Body = []byte("pong")
		rc.Finish()
		return nil
	}); err != nil {
		return err
	}
	return a.srv.RegisterResourceHandler(http.MethodPost, "/v1/echo", func(rc *request.Context) error {
		rc.Response.Headers.Set("Content-Type", "application/octet-stream")
		rc.Response.Headers.Set("X-Authorized-Domain", rc.Authorized.Domain)
		rc.Response.Headers.Set("X-Body-Bytes", strconv.Itoa(len(rc.Body)))
		rc.Response.Body = rc.Body
		rc.Finish()
		return nil
	})
}
