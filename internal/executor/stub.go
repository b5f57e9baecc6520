package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
)

// sleepSlice bounds every cooperative sleep step so a caller can observe
// interrupt_requested within the 50ms ceiling mandated by spec.md §5.
const sleepSlice = 50 * time.Millisecond

// Stub is the deterministic executor used for contract tests: its
// behavior is entirely keyed off the message text, per spec.md §4.E and
// the stub heuristics called out in §9.
type Stub struct{}

// Execute implements Executor.
func (Stub) Execute(ctx context.Context, deps Deps, sess session.Session, r run.Run) Outcome {
	tenantID, sessionID, runID := sess.TenantID, sess.SessionID, r.RunID

	// An interrupt may have arrived while the run was still queued.
	if current, err := deps.Store.GetRun(ctx, tenantID, sessionID, runID); err != nil {
		return Outcome{Err: err}
	} else if current.InterruptRequested {
		if _, err := finalizeRun(ctx, deps, sess, current, run.StatusInterrupted, nil); err != nil {
			return Outcome{Err: err}
		}
		return Outcome{}
	}

	if _, err := deps.Store.UpdateRun(ctx, runID, func(rr *run.Run) error {
		rr.Status = run.StatusRunning
		if rr.StartedAt == nil {
			t := time.Now().UTC()
			rr.StartedAt = &t
		}
		return nil
	}); err != nil {
		return Outcome{Err: err}
	}
	if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeRunStarted, nil); err != nil {
		return Outcome{Err: err}
	}

	message := r.Message
	lower := strings.ToLower(message)

	if strings.Contains(lower, "long") {
		if interrupted, err := cooperativeSleep(ctx, deps, tenantID, sessionID, runID, time.Second); err != nil {
			return Outcome{Err: err}
		} else if interrupted {
			if _, err := finalizeRun(ctx, deps, sess, r, run.StatusInterrupted, nil); err != nil {
				return Outcome{Err: err}
			}
			return Outcome{}
		}
	}

	if strings.Contains(lower, "gap") || strings.Contains(lower, "analy") {
		if _, err := deps.Store.AdvanceWorkflow(ctx, tenantID, sessionID, session.WorkflowGapAnalyzed); err != nil {
			return Outcome{Err: err}
		}
	}

	if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeAssistantDelta, map[string]any{"text": "Looked at your resume."}); err != nil {
		return Outcome{Err: err}
	}

	if writeIntentPattern.MatchString(message) {
		target := extractTargetPath(message)
		current, err := deps.Store.GetRun(ctx, tenantID, sessionID, runID)
		if err != nil {
			return Outcome{Err: err}
		}
		approved, rejected, err := proposeAndAwait(ctx, deps, sess, current, store.ProposedCall{
			ToolName: "file_write",
			Args:     map[string]any{"path": target},
		})
		if err != nil {
			return Outcome{Err: err}
		}
		if rejected {
			if _, err := finalizeRun(ctx, deps, sess, r, run.StatusCompleted, nil); err != nil {
				return Outcome{Err: err}
			}
			return Outcome{}
		}
		if !approved {
			// Interrupted while waiting for approval.
			if _, err := finalizeRun(ctx, deps, sess, r, run.StatusInterrupted, nil); err != nil {
				return Outcome{Err: err}
			}
			return Outcome{}
		}

		if err := appendAnnotation(ctx, deps, sessionID, target); err != nil {
			apiErr, _ := err.(*apierror.Error)
			msg := err.Error()
			if apiErr != nil {
				msg = apiErr.Message
			}
			if _, ferr := finalizeRun(ctx, deps, sess, r, run.StatusFailed, &run.Error{Code: string(apierror.CodeInternal), Message: msg}); ferr != nil {
				return Outcome{Err: ferr}
			}
			return Outcome{}
		}
		if _, err := deps.Store.AdvanceWorkflow(ctx, tenantID, sessionID, session.WorkflowRewriteApplied); err != nil {
			return Outcome{Err: err}
		}
		if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeToolResult, map[string]any{"path": target, "tool_name": "file_write"}); err != nil {
			return Outcome{Err: err}
		}
	}

	if _, err := finalizeRun(ctx, deps, sess, r, run.StatusCompleted, nil); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}

// cooperativeSleep sleeps for d in bounded slices, returning interrupted=true
// the moment the run's interrupt_requested flag is observed set.
func cooperativeSleep(ctx context.Context, deps Deps, tenantID, sessionID, runID string, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		r, err := deps.Store.GetRun(ctx, tenantID, sessionID, runID)
		if err != nil {
			return false, err
		}
		if r.InterruptRequested {
			return true, nil
		}
		remaining := time.Until(deadline)
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(slice):
		}
	}
	return false, nil
}

// proposeAndAwait submits a single tool call for approval (or skips
// straight to approved if the session has auto_approve set), then blocks
// the worker on the approval coordinator's latch until it is resolved or
// the run is interrupted. Returns (approved, rejected).
func proposeAndAwait(ctx context.Context, deps Deps, sess session.Session, r run.Run, call store.ProposedCall) (approved, rejected bool, err error) {
	if sess.Settings.AutoApprove {
		if _, err := appendEvent(ctx, deps, sess.SessionID, r.RunID, runlog.TypeToolCallApproved, map[string]any{
			"tool_name": call.ToolName,
			"args":      call.Args,
			"reason":    "auto_approve",
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	approvals, err := deps.Approvals.ProposeApprovals(ctx, sess.SessionID, r.RunID, []store.ProposedCall{call})
	if err != nil {
		return false, false, err
	}
	if len(approvals) == 0 {
		return false, false, fmt.Errorf("executor: no approval allocated for proposed call")
	}

	updated, err := deps.Approvals.AwaitDecision(ctx, sess.TenantID, sess.SessionID, r.RunID)
	if err != nil {
		return false, false, err
	}
	if updated.InterruptRequested {
		return false, false, nil
	}

	final, err := deps.Store.GetApproval(ctx, sess.TenantID, sess.SessionID, approvals[0].ApprovalID)
	if err != nil {
		return false, false, err
	}
	switch final.Status {
	case approval.StatusApproved:
		if _, err := deps.Store.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
			if rr.Status == run.StatusWaitingApproval && rr.PendingApprovalID == "" {
				rr.Status = run.StatusRunning
			}
			return nil
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	case approval.StatusRejected:
		return false, true, nil
	default:
		return false, false, nil
	}
}

// appendAnnotation is the stub's write side-effect: it appends an
// annotated bullet to target via the workspace provider, creating the
// file if it does not yet exist.
func appendAnnotation(ctx context.Context, deps Deps, sessionID, target string) error {
	var existing []byte
	if content, err := deps.Workspace.ReadFile(ctx, sessionID, target); err == nil {
		existing = content.Data
	} else if apierror.Status(err) != http.StatusNotFound {
		return err
	}
	annotated := append(existing, []byte(fmt.Sprintf("\n- [agent] reviewed and annotated at %s\n", time.Now().UTC().Format(time.RFC3339)))...)
	_, err := deps.Workspace.WriteFile(ctx, sessionID, target, annotated)
	return err
}
