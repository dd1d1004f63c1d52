// Package journal persists a record of every finalized request so
// operators can inspect recent traffic after the fact. Records are
// keyed by finalization time and pruned by the maintenance sweeper.
package journal

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"frontdoor/pkg/logger"
)

var db *pebble.DB
var dbPath string

// seq reduces key collisions when multiple requests finalize within the
// same nanosecond.
var seq uint64

const keyPrefix = "req:"

// Entry is one journaled request.
type Entry struct {
	RequestID  string        `json:"request_id"`
	ActivityID string        `json:"activity_id"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Status     int           `json:"status"`
	Code       uint64        `json:"code,omitempty"`
	Identity   string        `json:"identity,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Open opens (or creates) the pebble database at path and keeps a
// package-level handle.
func Open(path string) error {
	var err error
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("journal_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("journal_opened", "path", path)
	return nil
}

// Close closes the journal if open.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("journal_closed")
	return nil
}

// Ready reports whether the journal is open.
func Ready() bool {
	return db != nil
}

func keyFor(at time.Time) []byte {
	n := atomic.AddUint64(&seq, 1)
	return []byte(fmt.Sprintf("%s%020d-%06d", keyPrefix, at.UTC().UnixNano(), n))
}

// Record appends an entry. A closed journal is a silent no-op so the
// server hot path never depends on journal availability.
func Record(e Entry) {
	if db == nil {
		return
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		logger.Error("journal_marshal_failed", "request_id", e.RequestID, "error", err)
		return
	}
	if err := db.Set(keyFor(e.FinishedAt), b, pebble.NoSync); err != nil {
		logger.Error("journal_write_failed", "request_id", e.RequestID, "error", err)
	}
}

// ListRecent returns up to limit entries, newest first.
func ListRecent(limit int) ([]Entry, error) {
	if db == nil {
		return nil, fmt.Errorf("journal not opened; call journal.Open first")
	}
	if limit <= 0 {
		limit = 100
	}
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Entry, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneBefore deletes entries finalized before cutoff and returns the
// number removed.
func PruneBefore(cutoff time.Time) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("journal not opened; call journal.Open first")
	}
	upper := []byte(fmt.Sprintf("%s%020d", keyPrefix, cutoff.UTC().UnixNano()))
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: upper,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := db.DeleteRange([]byte(keyPrefix), upper, pebble.Sync); err != nil {
		return 0, err
	}
	logger.Info("journal_pruned", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}
