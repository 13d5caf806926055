package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hookrelay/hookrelay/internal/queue"
)

// Pool manages a fixed number of worker goroutines that process claimed
// queue messages. The bounded jobs channel is the global concurrency cap:
// the dispatcher blocks on Submit when all workers are busy.
type Pool struct {
	numWorkers int
	jobs       chan queue.Claim
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan queue.Claim, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a claim to the worker pool, blocking when the pool is busy.
// It reports false when ctx is cancelled before a worker takes the job; the
// claim then stays in-flight for the visibility reaper.
func (p *Pool) Submit(ctx context.Context, c queue.Claim) bool {
	select {
	case p.jobs <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the jobs channel and waits for all workers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for c := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.deliverer.Process(ctx, c); err != nil {
			// The claim stays in-flight; the visibility reaper will
			// redeliver it.
			p.logger.Error("processing delivery",
				"worker", id,
				"endpoint_id", c.Msg.EndpointID,
				"delivery_id", c.Msg.DeliveryID,
				"error", err,
			)
		}
	}
}
