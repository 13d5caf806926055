package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookrelay/hookrelay/internal/queue"
)

// ClaimSource is the receive side of the delivery queue.
type ClaimSource interface {
	Receive(ctx context.Context, batch int) ([]queue.Claim, error)
}

// Dispatcher continuously polls the delivery queue and feeds claims to
// the worker pool. Submit blocks when workers are saturated, so polling
// never outruns draining.
type Dispatcher struct {
	source       ClaimSource
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	done         chan struct{}
}

func NewDispatcher(source ClaimSource, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:       source,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		done:         make(chan struct{}),
	}
}

// Done is closed once the polling loop has exited. Callers wait on it
// before stopping the pool so no Submit can race the jobs channel close.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	claims, err := d.source.Receive(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("polling delivery queue", "error", err)
		return
	}
	for _, c := range claims {
		if !d.pool.Submit(ctx, c) {
			return
		}
	}
}
