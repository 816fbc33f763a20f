package gallery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

// Job identifies a file whose renditions should be prepared.
type Job struct {
	FileID int64
	Path   string
}

// WarmFunc does the work for one job.
type WarmFunc func(ctx context.Context, job Job) error

// Processor runs WarmFunc on a bounded pool of workers. Jobs that do not
// fit in the queue are dropped; renditions are still derived on demand.
type Processor struct {
	warm    WarmFunc
	queue   chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int

	mu      sync.RWMutex
	stopped bool
}

// NewProcessor creates a processor with the given worker count and queue
// capacity.
func NewProcessor(warm WarmFunc, workers, queueSize int) *Processor {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Processor{
		warm:    warm,
		queue:   make(chan Job, queueSize),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("thumbnail prewarm started", zap.Int("workers", p.workers))
}

// Stop cancels in-flight work and waits for the workers to exit. Queued
// jobs are discarded.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Info("thumbnail prewarm stopped")
}

// Enqueue schedules job and reports whether it was accepted.
func (p *Processor) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- job:
		return true
	default:
		metrics.RecordPrewarmDropped()
		logging.Warn("thumbnail prewarm queue full, dropping",
			logging.FileID(job.FileID), zap.String("path", job.Path))
		return false
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.warm(ctx, job); err != nil {
				logging.Debug("thumbnail prewarm failed",
					logging.FileID(job.FileID), zap.String("path", job.Path), zap.Error(err))
			}
		}
	}
}
