package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := NewPool(4, 64)
	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	p.Stop()
	if ran != 50 {
		t.Fatalf("expected 50 executions, got %d", ran)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 8)
	p.Stop()
	if err := p.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSubmitFullQueue(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Stop()

	block := make(chan struct{})
	// occupy the single worker
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	// fill the queue; eventually a submit must be rejected
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := p.Submit(func() {}); errors.Is(err, ErrFull) {
			sawFull = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(block)
	if !sawFull {
		t.Fatalf("expected ErrFull with a saturated queue")
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	p := NewPool(2, 16)
	var ran int64
	for i := 0; i < 10; i++ {
		_ = p.Submit(func() { atomic.AddInt64(&ran, 1) })
	}
	p.Stop()
	if got := atomic.LoadInt64(&ran); got != 10 {
		t.Fatalf("expected all queued work to drain, got %d of 10", got)
	}
}
