// Package workerpool bounds how many jobs run at once.
//
// Submit never rejects a job while the pool is open: when every slot is busy
// the job waits in FIFO order for a free one.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of concurrent jobs when none is configured
const DefaultSize = 5

var ErrPoolClosed = errors.New("worker pool is closed")

// Job is a unit of work. The context is cancelled when the pool closes.
type Job func(ctx context.Context)

type Pool struct {
	logger *zap.Logger
	sem    *semaphore.Weighted
	size   int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workerpool"),
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues the job. It returns without waiting for a free slot.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Debug("Dropped queued job on shutdown", zap.Error(err))
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Job panicked", zap.Any("panic", r))
			}
		}()
		job(p.ctx)
	}()
	return nil
}

// Size returns the number of concurrent slots
func (p *Pool) Size() int {
	return p.size
}

// Close stops accepting jobs, abandons the ones still queued and waits for
// running jobs to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Wait blocks until every submitted job has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}
