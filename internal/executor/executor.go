// Package executor is the Executor Contract (component E): the narrow
// boundary between the Run Scheduler and the pluggable agent
// implementation, shared by the deterministic stub (used for contract
// tests) and the real LLM-backed executor.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/approvalcoord"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
	"github.com/resume-agent/runtime/internal/stream"
	"github.com/resume-agent/runtime/internal/workspace"
)

// Executor drives one run to a terminal state (or to interrupted),
// emitting journal events and mediating approvals through deps along the
// way. Implementations must poll interrupt state at every externally
// observable step, per spec.md §4.E's cooperative-cancellation contract;
// the scheduler never forcibly aborts an Executor.
type Executor interface {
	Execute(ctx context.Context, deps Deps, sess session.Session, r run.Run) Outcome
}

// Run drives impl to completion and guarantees a terminal transition even
// when Execute returns an error (or panics) without itself having already
// finalized the run — mirroring the original Python implementation's
// single try/except wrapping the entire run body
// (original_source/apps/api/resume_agent_api/store.py), per spec.md's
// "Executor exceptions never crash the worker ... the run transitions to
// failed" invariant. Callers (the scheduler) must dispatch through Run
// rather than calling Execute directly.
func Run(ctx context.Context, impl Executor, deps Deps, sess session.Session, r run.Run) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = Outcome{Err: fmt.Errorf("executor: panic: %v", p)}
		}
		if outcome.Err == nil {
			return
		}
		current, err := deps.Store.GetRun(ctx, sess.TenantID, sess.SessionID, r.RunID)
		if err != nil || current.Status.IsTerminal() {
			// Store unreachable (nothing more we can do), or the executor
			// already finalized the run before surfacing the error.
			return
		}
		_, _ = finalizeRun(ctx, deps, sess, current, run.StatusFailed, &run.Error{
			Code:    "INTERNAL_ERROR",
			Message: outcome.Err.Error(),
		})
	}()
	return impl.Execute(ctx, deps, sess, r)
}

// Deps bundles everything an Executor needs to act on a run: storage,
// the approval coordinator (for its latch and approval allocation), and
// the file providers.
type Deps struct {
	Store     store.Store
	Approvals *approvalcoord.Coordinator
	Workspace workspace.WorkspaceProvider
	Artifacts workspace.ArtifactStorageProvider
	Notifier  *stream.Notifier

	// CostPerMillionTokens prices the stub's usage-finalization fallback
	// (spec.md §4.E); the real executor may overwrite with provider-
	// reported cost if available.
	CostPerMillionTokens float64
}

// Outcome is what an Executor reports back to the worker once it returns;
// the worker does not interpret it beyond logging, since every store
// mutation (including the terminal transition) happens inside Execute.
type Outcome struct {
	Err error
}

// targetPathPattern extracts a file path token from a free-text message,
// per spec.md §4.E / §9's stub heuristics; this is a testable contract
// fixed by the original Python implementation's regex.
var targetPathPattern = regexp.MustCompile(`[\w./-]+\.[a-zA-Z0-9]{1,8}`)

// writeIntentPattern matches message text implying an intent to mutate a
// workspace file.
var writeIntentPattern = regexp.MustCompile(`(?i)write|update|modify|edit|create|copy`)

func extractTargetPath(message string) string {
	if m := targetPathPattern.FindString(message); m != "" {
		return m
	}
	return "resume.md"
}

// finalizeUsage computes the stub's approximate token/cost accounting,
// per spec.md §4.E: tokens = (len(message) + Σ len(event.type)+len(str(payload))) / 4,
// minimum 1; cost = tokens / 1e6 * costPerMillionTokens.
func finalizeUsage(message string, events []runlog.Event, costPerMillionTokens float64) (int64, float64) {
	total := len(message)
	for _, ev := range events {
		total += len(string(ev.Type)) + len(string(ev.Payload))
	}
	tokens := int64(total / 4)
	if tokens < 1 {
		tokens = 1
	}
	cost := float64(tokens) / 1e6 * costPerMillionTokens
	return tokens, cost
}

// finalizeRun persists the run's terminal transition: usage (if not
// already finalized), ended_at, status, and error, then appends the
// matching terminal event. It is shared by both executors so the
// invariant "ended_at set, approvals auto-rejected, active_run_id
// cleared" lives in exactly one place (store.UpdateRun already clears
// active_run_id on any terminal status, per internal/store/memory).
func finalizeRun(ctx context.Context, deps Deps, sess session.Session, r run.Run, status run.Status, runErr *run.Error) (run.Run, error) {
	events, err := allEvents(ctx, deps, r.RunID)
	if err != nil {
		return run.Run{}, err
	}

	// Auto-reject any pending approvals still outstanding for this run,
	// while it is still in waiting_approval: a terminal transition
	// always resolves the approval batch, and DecideApproval requires
	// that precondition to hold.
	pending, err := deps.Store.ListPendingApprovals(ctx, sess.TenantID, sess.SessionID)
	if err != nil {
		return run.Run{}, err
	}
	for _, a := range pending {
		if a.RunID == r.RunID {
			if _, _, err := deps.Store.DecideApproval(ctx, sess.TenantID, sess.SessionID, a.ApprovalID, approval.StatusRejected, false); err != nil {
				return run.Run{}, err
			}
		}
	}

	updated, err := deps.Store.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = status
		rr.Error = runErr
		rr.PendingApprovalID = ""
		if !rr.UsageFinalized {
			tokens, cost := finalizeUsage(rr.Message, events, deps.CostPerMillionTokens)
			rr.UsageTokens = tokens
			rr.EstimatedCostUSD = cost
			rr.UsageFinalized = true
		}
		if rr.StartedAt == nil {
			t := rr.CreatedAt
			rr.StartedAt = &t
		}
		if rr.EndedAt == nil {
			t := time.Now().UTC()
			rr.EndedAt = &t
		}
		return nil
	})
	if err != nil {
		return run.Run{}, err
	}

	var evType runlog.Type
	switch status {
	case run.StatusCompleted:
		evType = runlog.TypeRunCompleted
	case run.StatusFailed:
		evType = runlog.TypeRunFailed
	case run.StatusInterrupted:
		evType = runlog.TypeRunInterrupted
	default:
		return updated, fmt.Errorf("executor: %q is not a terminal status", status)
	}

	payload := map[string]any{"status": string(status)}
	if runErr != nil {
		payload["code"] = runErr.Code
		payload["message"] = runErr.Message
	}
	if _, err := appendEvent(ctx, deps, sess.SessionID, r.RunID, evType, payload); err != nil {
		return run.Run{}, err
	}

	deps.Approvals.Forget(r.RunID)
	if deps.Notifier != nil {
		deps.Notifier.Forget(r.RunID)
	}
	return updated, nil
}

// appendEvent persists an event and wakes any stream subscriber blocked on
// this run, per spec.md §4.C step 4.
func appendEvent(ctx context.Context, deps Deps, sessionID, runID string, typ runlog.Type, payload any) (runlog.Event, error) {
	ev, err := deps.Store.AppendEvent(ctx, sessionID, runID, typ, payload)
	if err != nil {
		return runlog.Event{}, err
	}
	if deps.Notifier != nil {
		deps.Notifier.Notify(runID)
	}
	return ev, nil
}

func allEvents(ctx context.Context, deps Deps, runID string) ([]runlog.Event, error) {
	page, err := deps.Store.ListEvents(ctx, runID, "", 0)
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}
