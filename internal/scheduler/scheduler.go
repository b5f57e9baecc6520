// Package scheduler is the Run Scheduler (component D): a process-wide FIFO
// queue of (session_id, run_id) pairs drained by a single worker goroutine,
// so that runs start in creation order and at most one run executes per
// session at a time. Concurrency across sessions is serialized by the
// worker itself, not by the queue.
package scheduler

import (
	"context"
	"sync"

	"github.com/resume-agent/runtime/internal/telemetry"
)

// Item is one unit of scheduled work.
type Item struct {
	TenantID  string
	SessionID string
	RunID     string
}

// isSentinel reports whether item is the (nil, nil)-equivalent shutdown
// marker described in spec.md §4.D.
func (i Item) isSentinel() bool { return i.SessionID == "" && i.RunID == "" }

// Handler executes one scheduled run to completion (or to a waiting/
// interrupted checkpoint); it is supplied by the caller that wires the
// scheduler to the Executor Contract (component E).
type Handler func(ctx context.Context, item Item)

// Scheduler owns the FIFO queue and the single worker goroutine that
// drains it.
type Scheduler struct {
	queue   chan Item
	handler Handler
	log     telemetry.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Scheduler with the given queue capacity (spec.md allows
// an unbounded queue; a large buffered channel approximates that without
// risking an unbounded goroutine backlog).
func New(handler Handler, log telemetry.Logger, capacity int) *Scheduler {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Scheduler{
		queue:   make(chan Item, capacity),
		handler: handler,
		log:     log,
	}
}

// Start launches the worker goroutine. Call Stop to drain and join it.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Enqueue appends item to the tail of the queue. It is safe to call from
// any number of HTTP handler goroutines concurrently.
func (s *Scheduler) Enqueue(item Item) {
	s.queue <- item
}

// Stop pushes the shutdown sentinel and blocks until the worker has
// drained every item ahead of it and exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.queue <- Item{}
	})
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case item := <-s.queue:
			if item.isSentinel() {
				return
			}
			s.log.Debug(ctx, "scheduler: dispatching run", "session_id", item.SessionID, "run_id", item.RunID)
			s.handler(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// QueueDepth reports the number of items currently buffered, used by the
// Cleanup Worker's metrics surface (component I).
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}
