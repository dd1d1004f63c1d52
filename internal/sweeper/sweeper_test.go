package sweeper

import (
	"context"
	"testing"
	"time"

	"frontdoor/pkg/config"
	"frontdoor/pkg/journal"
	"frontdoor/pkg/server"
)

type fakeInflight struct {
	reqs []server.InflightRequest
}

func (f *fakeInflight) Inflight() []server.InflightRequest { return f.reqs }

func TestStartDisabled(t *testing.T) {
	cfg := &config.Config{}
	cancel, err := Start(context.Background(), cfg, &fakeInflight{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
}

func TestStartInvalidCron(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sweeper.Enabled = true
	cfg.Sweeper.Cron = "not a cron"
	if _, err := Start(context.Background(), cfg, &fakeInflight{}); err == nil {
		t.Fatalf("expected invalid cron error")
	}
}

func TestRunOncePrunesJournal(t *testing.T) {
	if err := journal.Open(t.TempDir()); err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	journal.Record(journal.Entry{Method: "GET", Path: "/old", FinishedAt: time.Now().Add(-2 * time.Hour)})
	journal.Record(journal.Entry{Method: "GET", Path: "/new", FinishedAt: time.Now()})

	cfg := &config.Config{}
	cfg.Journal.Retention = config.Duration(time.Hour)
	cfg.Sweeper.StaleAfter = config.Duration(time.Minute)

	stale := &fakeInflight{reqs: []server.InflightRequest{{Method: "GET", Path: "/hung", Age: 5 * time.Minute}}}
	runOnce(cfg, stale)

	got, err := journal.ListRecent(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/new" {
		t.Fatalf("expected only the fresh entry, got %+v", got)
	}
}
