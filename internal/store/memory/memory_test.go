package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/store"
	memorystore "github.com/resume-agent/runtime/internal/store/memory"
)

func TestStore_GetSessionHidesCrossTenantExistence(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()

	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	_, err = st.GetSession(ctx, "tenant-b", sess.SessionID)
	require.Error(t, err)
	require.Equal(t, apierror.CodeSessionNotFound, err.(*apierror.Error).Code)
}

func TestStore_CreateRunRejectsSecondActiveRun(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	_, reused, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "first", "", 0)
	require.NoError(t, err)
	require.False(t, reused)

	_, _, err = st.CreateRun(ctx, "tenant-a", sess.SessionID, "second", "", 0)
	require.Error(t, err)
	require.Equal(t, apierror.CodeActiveRunExists, err.(*apierror.Error).Code)
}

func TestStore_CreateRunAllowsNewRunOnceActiveRunIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	r1, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "first", "", 0)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r1.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	r2, reused, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "second", "", 0)
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, r1.RunID, r2.RunID)
}

func TestStore_CreateRunIdempotencyReplaysSameMessage(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	r1, reused1, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hello", "key-1", 0)
	require.NoError(t, err)
	require.False(t, reused1)

	r2, reused2, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hello", "key-1", 0)
	require.NoError(t, err)
	require.True(t, reused2)
	require.Equal(t, r1.RunID, r2.RunID)
}

func TestStore_CreateRunIdempotencyConflictsOnDifferentMessage(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	_, _, err = st.CreateRun(ctx, "tenant-a", sess.SessionID, "hello", "key-1", 0)
	require.NoError(t, err)

	_, _, err = st.CreateRun(ctx, "tenant-a", sess.SessionID, "goodbye", "key-1", 0)
	require.Error(t, err)
	require.Equal(t, apierror.CodeIdempotencyConflict, err.(*apierror.Error).Code)
}

func TestStore_CreateRunEnforcesQuota(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	r1, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "first", "", 1)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r1.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	_, _, err = st.CreateRun(ctx, "tenant-a", sess.SessionID, "second", "", 1)
	require.Error(t, err)
	require.Equal(t, apierror.CodeSessionRunQuotaExceeded, err.(*apierror.Error).Code)
}

func TestStore_UpdateRunClearsActiveRunIDOnTerminalTransition(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	mid, err := st.GetSession(ctx, "tenant-a", sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, r.RunID, mid.ActiveRunID)

	_, err = st.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusFailed
		return nil
	})
	require.NoError(t, err)

	after, err := st.GetSession(ctx, "tenant-a", sess.SessionID)
	require.NoError(t, err)
	require.Empty(t, after.ActiveRunID, "invariant 2: active_run_id must clear on a terminal transition")
}

func TestStore_DecideApprovalRequiresWaitingApprovalRun(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	approvals, err := st.CreateApprovals(ctx, sess.SessionID, r.RunID, []store.ProposedCall{{ToolName: "file_write"}})
	require.NoError(t, err)

	// Force the run back out of waiting_approval without resolving the
	// approval, to exercise the precondition check.
	_, err = st.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusRunning
		return nil
	})
	require.NoError(t, err)

	_, _, err = st.DecideApproval(ctx, "tenant-a", sess.SessionID, approvals[0].ApprovalID, approval.StatusApproved, false)
	require.Error(t, err)
	require.Equal(t, apierror.CodeInvalidState, err.(*apierror.Error).Code)
}

func TestStore_DecideApprovalRejectsAlreadyDecided(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)
	approvals, err := st.CreateApprovals(ctx, sess.SessionID, r.RunID, []store.ProposedCall{{ToolName: "file_write"}})
	require.NoError(t, err)

	_, _, err = st.DecideApproval(ctx, "tenant-a", sess.SessionID, approvals[0].ApprovalID, approval.StatusApproved, false)
	require.NoError(t, err)

	_, _, err = st.DecideApproval(ctx, "tenant-a", sess.SessionID, approvals[0].ApprovalID, approval.StatusApproved, false)
	require.Error(t, err)
	require.Equal(t, apierror.CodeApprovalAlreadyProcessed, err.(*apierror.Error).Code)
}

func TestStore_DecideApprovalClearsPendingApprovalIDOnlyAfterLastSibling(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	approvals, err := st.CreateApprovals(ctx, sess.SessionID, r.RunID, []store.ProposedCall{
		{ToolName: "file_write", Args: map[string]any{"path": "a.md"}},
		{ToolName: "file_write", Args: map[string]any{"path": "b.md"}},
	})
	require.NoError(t, err)
	head, err := st.GetRun(ctx, "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, approvals[0].ApprovalID, head.PendingApprovalID)

	_, mid, err := st.DecideApproval(ctx, "tenant-a", sess.SessionID, approvals[0].ApprovalID, approval.StatusApproved, false)
	require.NoError(t, err)
	require.NotEmpty(t, mid.PendingApprovalID, "a sibling is still pending")

	_, final, err := st.DecideApproval(ctx, "tenant-a", sess.SessionID, approvals[1].ApprovalID, approval.StatusRejected, false)
	require.NoError(t, err)
	require.Empty(t, final.PendingApprovalID)
}

func TestStore_AppendEventAssignsGapFreeIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	ev1, err := st.AppendEvent(ctx, sess.SessionID, r.RunID, runlog.TypeRunStarted, nil)
	require.NoError(t, err)
	ev2, err := st.AppendEvent(ctx, sess.SessionID, r.RunID, runlog.TypeRunCompleted, map[string]string{"status": "completed"})
	require.NoError(t, err)

	require.Equal(t, int64(1), ev1.Seq)
	require.Equal(t, int64(2), ev2.Seq)

	page, err := st.ListEvents(ctx, r.RunID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Empty(t, page.NextCursor)
}

func TestStore_ListEventsPaginatesByCursor(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.AppendEvent(ctx, sess.SessionID, r.RunID, runlog.TypeAssistantDelta, nil)
		require.NoError(t, err)
	}

	first, err := st.ListEvents(ctx, r.RunID, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := st.ListEvents(ctx, r.RunID, first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	require.Empty(t, second.NextCursor)
}

func TestStore_RecoverCrashedInterruptsActiveRunsAndRejectsApprovals(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusWaitingApproval
		return nil
	})
	require.NoError(t, err)
	_, err = st.CreateApprovals(ctx, sess.SessionID, r.RunID, []store.ProposedCall{{ToolName: "file_write"}})
	require.NoError(t, err)

	report, err := st.RecoverCrashed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RunsInterrupted)
	require.Equal(t, 1, report.SessionsDeactivated)
	require.Equal(t, 1, report.ApprovalsRejected)

	final, err := st.GetRun(ctx, "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusInterrupted, final.Status)
	require.NotNil(t, final.EndedAt)

	after, err := st.GetSession(ctx, "tenant-a", sess.SessionID)
	require.NoError(t, err)
	require.Empty(t, after.ActiveRunID)
	require.Zero(t, after.PendingApprovalCount)
}

func TestStore_RecoverCrashedIsANoOpWithoutActiveRuns(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	_, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	report, err := st.RecoverCrashed(ctx)
	require.NoError(t, err)
	require.Zero(t, report.RunsInterrupted)
	require.Zero(t, report.ApprovalsRejected)
	require.Zero(t, report.SessionsDeactivated)
}

func TestStore_IdleSessionsOlderThanExcludesSessionsWithActiveRuns(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	_, _, err = st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)

	idle, err := st.IdleSessionsOlderThan(ctx, 0)
	require.NoError(t, err)
	for _, s := range idle {
		require.NotEqual(t, sess.SessionID, s.SessionID, "a session with an active run must never be reported idle")
	}
}

func TestStore_DeleteSessionCascadeRemovesRunsAndEvents(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)
	r, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "hi", "", 0)
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, sess.SessionID, r.RunID, runlog.TypeRunStarted, nil)
	require.NoError(t, err)

	require.NoError(t, st.DeleteSessionCascade(ctx, "tenant-a", sess.SessionID))

	_, err = st.GetSession(ctx, "tenant-a", sess.SessionID)
	require.Error(t, err)

	_, err = st.GetRun(ctx, "tenant-a", sess.SessionID, r.RunID)
	require.Error(t, err)
}

func TestStore_UsageForSessionAggregatesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", false)
	require.NoError(t, err)

	r1, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "first", "", 0)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r1.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusCompleted
		rr.UsageTokens = 100
		rr.EstimatedCostUSD = 0.01
		return nil
	})
	require.NoError(t, err)

	r2, _, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, "second", "", 0)
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, r2.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusFailed
		rr.UsageTokens = 40
		rr.EstimatedCostUSD = 0.004
		return nil
	})
	require.NoError(t, err)

	usage, err := st.UsageForSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, usage.RunCount)
	require.Equal(t, 1, usage.CompletedRunCount)
	require.Equal(t, int64(140), usage.TotalTokens)
	require.InDelta(t, 0.014, usage.TotalEstimatedCost, 1e-9)
}
