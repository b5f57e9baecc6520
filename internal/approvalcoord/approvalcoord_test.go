package approvalcoord_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/approvalcoord"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/store"
	memorystore "github.com/resume-agent/runtime/internal/store/memory"
)

func newRunningSession(t *testing.T, st store.Store) (sessionID, runID string) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, reused, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "please edit resume.md", "", 0)
	require.NoError(t, err)
	require.False(t, reused)
	_, err = st.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusRunning
		return nil
	})
	require.NoError(t, err)
	return sess.SessionID, r.RunID
}

func TestCoordinator_ProposeApprovalsMovesRunToWaitingApproval(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	c := approvalcoord.New(st, nil)

	sessionID, runID := newRunningSession(t, st)

	approvals, err := c.ProposeApprovals(ctx, sessionID, runID, []store.ProposedCall{
		{ToolName: "file_write", Args: map[string]any{"path": "resume.md"}},
	})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, approval.StatusPending, approvals[0].Status)

	r, err := st.GetRun(ctx, "tenant-a", sessionID, runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusWaitingApproval, r.Status)
	require.Equal(t, approvals[0].ApprovalID, r.PendingApprovalID)
}

func TestCoordinator_DecideSignalsLatchOnlyAfterLastSibling(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	c := approvalcoord.New(st, nil)

	sessionID, runID := newRunningSession(t, st)

	approvals, err := c.ProposeApprovals(ctx, sessionID, runID, []store.ProposedCall{
		{ToolName: "file_write", Args: map[string]any{"path": "a.md"}},
		{ToolName: "file_write", Args: map[string]any{"path": "b.md"}},
	})
	require.NoError(t, err)
	require.Len(t, approvals, 2)

	waitErrc := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err := c.AwaitDecision(waitCtx, "tenant-a", sessionID, runID)
		waitErrc <- err
	}()

	_, _, err = c.Decide(ctx, "tenant-a", sessionID, approvals[0].ApprovalID, approval.StatusApproved, false)
	require.NoError(t, err)

	select {
	case err := <-waitErrc:
		t.Fatalf("latch must not signal while a sibling approval is still pending, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, r, err := c.Decide(ctx, "tenant-a", sessionID, approvals[1].ApprovalID, approval.StatusRejected, false)
	require.NoError(t, err)
	require.Empty(t, r.PendingApprovalID, "clearing the last pending sibling should clear pending_approval_id")

	require.NoError(t, <-waitErrc, "latch should signal once the batch is fully decided")
}

func TestCoordinator_DecideRejectsUnknownDecision(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	c := approvalcoord.New(st, nil)

	sessionID, runID := newRunningSession(t, st)
	approvals, err := c.ProposeApprovals(ctx, sessionID, runID, []store.ProposedCall{
		{ToolName: "file_write", Args: map[string]any{"path": "a.md"}},
	})
	require.NoError(t, err)

	_, _, err = c.Decide(ctx, "tenant-a", sessionID, approvals[0].ApprovalID, approval.StatusPending, false)
	require.Error(t, err)
}

func TestCoordinator_InterruptIsIdempotentOnTerminalRun(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	c := approvalcoord.New(st, nil)

	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	got, err := c.Interrupt(ctx, "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status, "interrupting a terminal run must be a no-op")
	require.False(t, got.InterruptRequested)
}

func TestCoordinator_InterruptSignalsLatchOnActiveRun(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	c := approvalcoord.New(st, nil)

	sessionID, runID := newRunningSession(t, st)

	waitErrc := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err := c.AwaitDecision(waitCtx, "tenant-a", sessionID, runID)
		waitErrc <- err
	}()

	r, err := c.Interrupt(ctx, "tenant-a", sessionID, runID)
	require.NoError(t, err)
	require.True(t, r.InterruptRequested)
	require.Equal(t, run.StatusInterrupting, r.Status)

	require.NoError(t, <-waitErrc)
}

func TestCoordinator_ForgetDropsLatch(t *testing.T) {
	c := approvalcoord.New(memorystore.New(), nil)

	l1 := c.LatchFor("run-1")
	c.Forget("run-1")
	l2 := c.LatchFor("run-1")

	require.NotSame(t, l1, l2, "Forget should drop the latch so a later LatchFor allocates a fresh one")
}
