// Package executor provides the async scheduling capability the server
// uses to run authorization continuations and handler dispatch off the
// transport goroutines. There is no ordering guarantee between
// independently submitted items.
package executor

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrStopped = errors.New("executor stopped")
	ErrFull    = errors.New("executor queue full")
)

// Executor accepts work items for out-of-line execution.
type Executor interface {
	Submit(work func()) error
}

const defaultQueueCapacity = 4 * 1024
const fallbackWorkers = 2

// Pool is a fixed-size worker pool over a bounded channel.
type Pool struct {
	ch     chan func()
	closed int32

	subWg     sync.WaitGroup
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool starts `workers` goroutines draining a queue of the given
// capacity (<=0 selects defaults).
func NewPool(workers, capacity int) *Pool {
	if workers <= 0 {
		workers = fallbackWorkers
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	p := &Pool{ch: make(chan func(), capacity)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for work := range p.ch {
				work()
			}
		}()
	}
	return p
}

// Submit enqueues work without blocking. It fails with ErrStopped after
// Stop and ErrFull when the queue is at capacity.
func (p *Pool) Submit(work func()) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrStopped
	}
	// the submit group keeps Stop from closing the channel mid-send
	p.subWg.Add(1)
	defer p.subWg.Done()
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrStopped
	}
	select {
	case p.ch <- work:
		return nil
	default:
		return ErrFull
	}
}

// Stop closes the queue and waits for in-flight work to drain. Submits
// racing with Stop may still land in the channel before it is closed;
// those items are executed.
func (p *Pool) Stop() {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.closed, 1)
		p.subWg.Wait()
		close(p.ch)
	})
	p.wg.Wait()
}
