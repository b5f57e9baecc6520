// Package approvalcoord is the Approval Coordinator (component F): it
// allocates approvals for a batch of proposed tool calls, mediates the
// human decision via HTTP, and wakes the worker through a per-run latch —
// the only non-durable piece of run state, per spec.md §4.F and §5.
package approvalcoord

import (
	"context"
	"sync"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/store"
	"github.com/resume-agent/runtime/internal/stream"
)

// Latch is a one-shot, level-triggered, non-persistent wake signal. It has
// a single consumer (the worker goroutine driving the run); writers
// (approval/interrupt handlers) may signal it any number of times without
// blocking.
type Latch struct {
	ch chan struct{}
}

// NewLatch returns a latch in the cleared state.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

// Signal raises the latch. It never blocks: a latch already raised stays
// raised.
func (l *Latch) Signal() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Clear lowers the latch without waiting, so a subsequent Wait blocks
// until the next Signal. The worker calls this immediately before it
// checks state and waits, per spec.md §5's "cleared by the worker before
// waiting" contract.
func (l *Latch) Clear() {
	select {
	case <-l.ch:
	default:
	}
}

// Wait blocks until the latch is raised or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator owns one Latch per active run and the store operations that
// drive approval state.
type Coordinator struct {
	store    store.Store
	notifier *stream.Notifier

	mu      sync.Mutex
	latches map[string]*Latch
}

// New constructs a Coordinator over st. notifier may be nil, in which case
// journal appends made through the coordinator do not wake stream
// subscribers (tests that don't exercise streaming).
func New(st store.Store, notifier *stream.Notifier) *Coordinator {
	return &Coordinator{store: st, notifier: notifier, latches: make(map[string]*Latch)}
}

// appendEvent persists an event and wakes any stream subscriber blocked on
// this run, mirroring the executor package's helper of the same name so
// approval-related events fan out to SSE subscribers just like run events.
func (c *Coordinator) appendEvent(ctx context.Context, sessionID, runID string, typ runlog.Type, payload any) (runlog.Event, error) {
	ev, err := c.store.AppendEvent(ctx, sessionID, runID, typ, payload)
	if err != nil {
		return runlog.Event{}, err
	}
	if c.notifier != nil {
		c.notifier.Notify(runID)
	}
	return ev, nil
}

// LatchFor returns the run's latch, creating it if this is the first time
// the run is seen. The worker calls this once per run before starting
// execution.
func (c *Coordinator) LatchFor(runID string) *Latch {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.latches[runID]
	if !ok {
		l = NewLatch()
		c.latches[runID] = l
	}
	return l
}

// Forget drops a run's latch once the run has reached a terminal state;
// called by the worker after dispatch returns.
func (c *Coordinator) Forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latches, runID)
}

// ProposeApprovals implements the executor→coordinator half of spec.md
// §4.F step 1: it allocates one Approval per call, appends a
// tool_call_proposed event per call, transitions the run to
// waiting_approval, and clears the run's latch so the worker can wait on
// it fresh.
func (c *Coordinator) ProposeApprovals(ctx context.Context, sessionID, runID string, calls []store.ProposedCall) ([]approval.Approval, error) {
	approvals, err := c.store.CreateApprovals(ctx, sessionID, runID, calls)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		if _, err := c.appendEvent(ctx, sessionID, runID, runlog.TypeToolCallProposed, map[string]any{
			"approval_id": a.ApprovalID,
			"tool_name":   a.ToolName,
			"args":        a.Args,
		}); err != nil {
			return nil, err
		}
	}
	c.LatchFor(runID).Clear()
	return approvals, nil
}

// Decide implements the HTTP approve/reject half of spec.md §4.F step 2:
// it validates and mutates through the store, appends the corresponding
// journal event, and — only once no sibling approval in the batch remains
// pending — signals the run's latch so the worker wakes.
func (c *Coordinator) Decide(ctx context.Context, tenantID, sessionID, approvalID string, decision approval.Status, applyToFuture bool) (approval.Approval, run.Run, error) {
	if decision != approval.StatusApproved && decision != approval.StatusRejected {
		return approval.Approval{}, run.Run{}, apierror.New(apierror.CodeBadRequest, "decision must be approved or rejected")
	}

	a, r, err := c.store.DecideApproval(ctx, tenantID, sessionID, approvalID, decision, applyToFuture)
	if err != nil {
		return approval.Approval{}, run.Run{}, err
	}

	evType := runlog.TypeToolCallApproved
	if decision == approval.StatusRejected {
		evType = runlog.TypeToolCallRejected
	}
	if _, err := c.appendEvent(ctx, sessionID, r.RunID, evType, map[string]any{
		"approval_id": a.ApprovalID,
		"tool_name":   a.ToolName,
	}); err != nil {
		return approval.Approval{}, run.Run{}, err
	}

	if r.PendingApprovalID == "" {
		c.LatchFor(r.RunID).Signal()
	}

	return a, r, nil
}

// Interrupt implements the external POST interrupt endpoint: it is
// idempotent on terminal runs, otherwise it flips interrupt_requested,
// moves an active run to interrupting, and signals the latch so a worker
// blocked in AwaitDecision wakes and observes the flag. The worker itself
// performs the interrupting→interrupted transition at its next
// cooperative checkpoint (spec.md §4.D).
func (c *Coordinator) Interrupt(ctx context.Context, tenantID, sessionID, runID string) (run.Run, error) {
	r, err := c.store.GetRun(ctx, tenantID, sessionID, runID)
	if err != nil {
		return run.Run{}, err
	}
	if r.Status.IsTerminal() {
		return r, nil
	}
	updated, err := c.store.UpdateRun(ctx, runID, func(r *run.Run) error {
		r.InterruptRequested = true
		if r.Status != run.StatusInterrupting {
			r.Status = run.StatusInterrupting
		}
		return nil
	})
	if err != nil {
		return run.Run{}, err
	}
	c.LatchFor(runID).Signal()
	return updated, nil
}

// AwaitDecision blocks the worker until the run's latch is signaled by
// either an approval decision or an interrupt request, then returns the
// run's fresh state so the caller can branch on InterruptRequested versus
// resolved approvals.
func (c *Coordinator) AwaitDecision(ctx context.Context, tenantID, sessionID, runID string) (run.Run, error) {
	latch := c.LatchFor(runID)
	if err := latch.Wait(ctx); err != nil {
		return run.Run{}, err
	}
	return c.store.GetRun(ctx, tenantID, sessionID, runID)
}
