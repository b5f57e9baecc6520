package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resume-agent/runtime/internal/scheduler"
)

func TestScheduler_DispatchesInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	handler := func(_ context.Context, item scheduler.Item) {
		mu.Lock()
		seen = append(seen, item.RunID)
		mu.Unlock()
	}

	s := scheduler.New(handler, nil, 0)
	ctx := context.Background()
	s.Start(ctx)

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		s.Enqueue(scheduler.Item{TenantID: "tenant-a", SessionID: "sess-1", RunID: id})
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"run-1", "run-2", "run-3"}, seen)
}

func TestScheduler_StopDrainsQueueBeforeReturning(t *testing.T) {
	var processed int
	handler := func(_ context.Context, item scheduler.Item) {
		time.Sleep(5 * time.Millisecond)
		processed++
	}

	s := scheduler.New(handler, nil, 0)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		s.Enqueue(scheduler.Item{SessionID: "sess-1", RunID: "run"})
	}
	s.Stop()

	require.Equal(t, 10, processed, "Stop must block until every enqueued item ahead of the sentinel is handled")
}

func TestScheduler_QueueDepthReflectsBufferedItems(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(_ context.Context, item scheduler.Item) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	}

	s := scheduler.New(handler, nil, 4)
	s.Start(context.Background())

	s.Enqueue(scheduler.Item{SessionID: "sess-1", RunID: "run-1"})
	<-started // first item is now being handled, blocked on `block`

	s.Enqueue(scheduler.Item{SessionID: "sess-1", RunID: "run-2"})
	s.Enqueue(scheduler.Item{SessionID: "sess-1", RunID: "run-3"})

	require.Eventually(t, func() bool {
		return s.QueueDepth() == 2
	}, time.Second, time.Millisecond, "two items should remain buffered behind the blocked worker")

	close(block)
	s.Stop()
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := scheduler.New(func(context.Context, scheduler.Item) {}, nil, 0)
	s.Start(context.Background())

	s.Stop()
	require.NotPanics(t, func() { s.Stop() }, "a second Stop call must not push a duplicate sentinel or panic")
}
