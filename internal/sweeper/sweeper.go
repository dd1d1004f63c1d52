package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"frontdoor/pkg/config"
	"frontdoor/pkg/journal"
	"frontdoor/pkg/logger"
	"frontdoor/pkg/server"
)

// Inflight is the view of the serving core the sweeper inspects.
type Inflight interface {
	Inflight() []server.InflightRequest
}

// Start starts the maintenance scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg *config.Config, srv Inflight) (context.CancelFunc, error) {
	sw := cfg.Sweeper

	// if the sweeper is not enabled, return no-op cancel
	if !sw.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	cronExpr := sw.Cron
	if cronExpr == "" {
		cronExpr = config.DefaultSweeperCron
	}
	// validate cron expression using gronx
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", sw.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", sw.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cronExpr, "stale_after", sw.StaleAfter.Duration())
	ctx2, cancel := context.WithCancel(ctx)

	go runScheduler(ctx2, cfg, srv, cronExpr)

	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time. This yields sharper scheduling and
// supports full cron syntax.
func runScheduler(ctx context.Context, cfg *config.Config, srv Inflight, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			// fallback sleep then retry
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			runOnce(cfg, srv)
			// small sleep to avoid a tight loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			runOnce(cfg, srv)
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

// runOnce performs a single maintenance pass: it reports requests that
// have been in flight longer than the stale threshold and prunes
// journal entries past their retention.
func runOnce(cfg *config.Config, srv Inflight) {
	staleAfter := cfg.Sweeper.StaleAfter.Duration()
	if staleAfter > 0 && srv != nil {
		for _, r := range srv.Inflight() {
			if r.Age < staleAfter {
				continue
			}
			logger.Warn("request_stale",
				"request_id", r.ID,
				"method", r.Method,
				"path", r.Path,
				"age", r.Age,
				"pending_legs", r.Pending,
			)
		}
	}

	retention := cfg.Journal.Retention.Duration()
	if retention > 0 && journal.Ready() {
		cutoff := time.Now().Add(-retention)
		if _, err := journal.PruneBefore(cutoff); err != nil {
			logger.Error("journal_prune_failed", "error", err)
		}
	}
}
