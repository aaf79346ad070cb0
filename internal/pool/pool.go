// Package pool provides the bounded worker pool that carries synchronous
// shared-store calls. The HTTP serving goroutines must stay responsive;
// every store-heavy query acquires a pool slot first, so a slow store can
// exhaust the pool but never the listener.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// Pool is a bounded, elastic executor. Depth defaults to 10x the CPU count.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	wg   sync.WaitGroup
}

// New creates a pool with the given depth; size <= 0 selects the default.
func New(size int) *Pool {
	if size <= 0 {
		size = domain.WorkerPoolPerCPU * runtime.NumCPU()
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Run executes fn under a pool slot, blocking the caller until fn returns.
// Slot acquisition honors ctx: a cancelled request stops waiting and
// surfaces the cancellation instead of queueing forever.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	p.wg.Add(1)
	defer func() {
		p.sem.Release(1)
		p.wg.Done()
	}()

	return fn(ctx)
}

// Go executes fn on a pool slot without waiting for the result. Used by
// fire-and-forget paths (metrics dispatch): if the pool is saturated the
// work is dropped rather than queued, keeping the caller's latency bounded.
// Returns false when the task was dropped.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return true
}

// Size returns the pool depth.
func (p *Pool) Size() int {
	return int(p.size)
}

// Drain blocks until all in-flight tasks finish or ctx expires.
// Called during graceful shutdown.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}
