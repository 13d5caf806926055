package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/hookrelay/hookrelay/internal/queue"
)

// floodSource always has claims ready, so the dispatcher is guaranteed to
// be mid-Submit when the context is cancelled.
type floodSource struct {
	n atomic.Int64
}

func (s *floodSource) Receive(_ context.Context, batch int) ([]queue.Claim, error) {
	claims := make([]queue.Claim, 0, batch)
	for i := 0; i < batch; i++ {
		id := s.n.Add(1)
		claims = append(claims, queue.Claim{
			Receipt: fmt.Sprintf("r%d", id),
			Msg: domain.QueueMessage{
				EndpointID: "ep1",
				DeliveryID: fmt.Sprintf("1700000000000-%d", id),
				RawBody:    `{"a":1}`,
			},
		})
	}
	return claims, nil
}

func TestDispatcher_StopsCleanlyUnderLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := setupDeliverer(t, srv.URL, 0)
	pool := NewPool(1, f.d, f.d.logger)
	d := NewDispatcher(&floodSource{}, pool, f.d.logger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	go d.Start(ctx)

	// Let the dispatcher saturate the pool, then shut down.
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}

	// With the dispatcher drained, closing the jobs channel is safe.
	pool.Stop()
}

func TestPoolSubmit_AbortsOnCancel(t *testing.T) {
	f := setupDeliverer(t, "http://127.0.0.1:0", 0)
	pool := NewPool(1, f.d, f.d.logger)
	ctx, cancel := context.WithCancel(context.Background())

	// No workers running: fill the buffered jobs channel.
	for i := 0; i < cap(pool.jobs); i++ {
		if !pool.Submit(ctx, queue.Claim{Receipt: fmt.Sprintf("r%d", i)}) {
			t.Fatalf("submit %d should succeed while the channel has room", i)
		}
	}

	cancel()
	if pool.Submit(ctx, queue.Claim{Receipt: "blocked"}) {
		t.Error("submit must abort once the context is cancelled")
	}
}
