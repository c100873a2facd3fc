package engine

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"golang.org/x/sync/semaphore"
)

// WorkerPool is a fixed-capacity pool of goroutines that either accepts a
// closure immediately or reports that it is full, never blocking the
// scheduler-loop goroutine that calls TryRun. Grounded on
// common/scheduling/scheduler/base_scheduler.go's use of
// golang.org/x/sync/semaphore for worker-capacity gating
// (workerDoneSemaphore), generalized from "N workers, one shot" to "N
// concurrent slots, reused".
type WorkerPool struct {
	log logger.Logger
	sem *semaphore.Weighted
}

// NewWorkerPool creates a WorkerPool with capacity concurrent slots.
func NewWorkerPool(capacity int) *WorkerPool {
	p := &WorkerPool{sem: semaphore.NewWeighted(int64(capacity))}
	config.InitLogger(&p.log, p)
	return p
}

// TryRun attempts to acquire a slot and run fn in a new goroutine. It returns
// ErrPoolFull immediately, without running fn, if every slot is occupied.
func (p *WorkerPool) TryRun(fn func()) error {
	if !p.sem.TryAcquire(1) {
		return ErrPoolFull
	}

	go func() {
		defer p.sem.Release(1)
		fn()
	}()

	return nil
}

// Drain blocks until every outstanding slot has been released, used by
// Engine.Stop to wait for in-flight operations before returning.
func (p *WorkerPool) Drain(ctx context.Context, capacity int) error {
	if err := p.sem.Acquire(ctx, int64(capacity)); err != nil {
		return err
	}
	p.sem.Release(int64(capacity))
	return nil
}
