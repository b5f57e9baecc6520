package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/approvalcoord"
	"github.com/resume-agent/runtime/internal/executor"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
	memorystore "github.com/resume-agent/runtime/internal/store/memory"
	"github.com/resume-agent/runtime/internal/workspace/localfs"
)

func newDeps(t *testing.T) (executor.Deps, store.Store) {
	t.Helper()
	st := memorystore.New()
	ws, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	return executor.Deps{
		Store:                st,
		Approvals:            approvalcoord.New(st, nil),
		Workspace:            ws,
		CostPerMillionTokens: 3,
	}, st
}

func newQueuedRun(t *testing.T, st store.Store, message string, autoApprove bool) (session.Session, run.Run) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "tenant-a", "ws", autoApprove)
	require.NoError(t, err)
	r, reused, err := st.CreateRun(ctx, "tenant-a", sess.SessionID, message, "", 0)
	require.NoError(t, err)
	require.False(t, reused)
	sess, err = st.GetSession(ctx, "tenant-a", sess.SessionID)
	require.NoError(t, err)
	return sess, r
}

func TestStub_PlainMessageCompletesRun(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "just say hello", false)

	outcome := executor.Stub{}.Execute(context.Background(), deps, sess, r)
	require.NoError(t, outcome.Err)

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, final.Status)
	require.NotNil(t, final.EndedAt)
	require.True(t, final.UsageFinalized)
	require.Greater(t, final.UsageTokens, int64(0))
}

func TestStub_WriteIntentWithAutoApproveAppliesAnnotation(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "please write resume.md", true)

	outcome := executor.Stub{}.Execute(context.Background(), deps, sess, r)
	require.NoError(t, outcome.Err)

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, final.Status)

	content, err := deps.Workspace.ReadFile(context.Background(), sess.SessionID, "resume.md")
	require.NoError(t, err)
	require.Contains(t, string(content.Data), "reviewed and annotated")

	updatedSess, err := st.GetSession(context.Background(), "tenant-a", sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.WorkflowRewriteApplied, updatedSess.WorkflowState)
}

func TestStub_WriteIntentWithoutAutoApproveWaitsThenApplies(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "please update resume.md", false)

	doneC := make(chan executor.Outcome, 1)
	go func() {
		doneC <- executor.Stub{}.Execute(context.Background(), deps, sess, r)
	}()

	var approvalID string
	require.Eventually(t, func() bool {
		pending, err := st.ListPendingApprovals(context.Background(), "tenant-a", sess.SessionID)
		if err != nil || len(pending) == 0 {
			return false
		}
		approvalID = pending[0].ApprovalID
		return true
	}, time.Second, time.Millisecond, "stub should propose an approval before blocking")

	_, _, err := deps.Approvals.Decide(context.Background(), "tenant-a", sess.SessionID, approvalID, approval.StatusApproved, false)
	require.NoError(t, err)

	select {
	case outcome := <-doneC:
		require.NoError(t, outcome.Err)
	case <-time.After(time.Second):
		t.Fatal("stub did not resume after approval was decided")
	}

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, final.Status)
}

func TestStub_RejectedApprovalCompletesWithoutAnnotation(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "please edit resume.md", false)

	doneC := make(chan executor.Outcome, 1)
	go func() {
		doneC <- executor.Stub{}.Execute(context.Background(), deps, sess, r)
	}()

	var approvalID string
	require.Eventually(t, func() bool {
		pending, err := st.ListPendingApprovals(context.Background(), "tenant-a", sess.SessionID)
		if err != nil || len(pending) == 0 {
			return false
		}
		approvalID = pending[0].ApprovalID
		return true
	}, time.Second, time.Millisecond)

	_, _, err := deps.Approvals.Decide(context.Background(), "tenant-a", sess.SessionID, approvalID, approval.StatusRejected, false)
	require.NoError(t, err)

	select {
	case outcome := <-doneC:
		require.NoError(t, outcome.Err)
	case <-time.After(time.Second):
		t.Fatal("stub did not resume after rejection")
	}

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, final.Status)

	_, err = deps.Workspace.ReadFile(context.Background(), sess.SessionID, "resume.md")
	require.Error(t, err, "a rejected write must never be applied")
}

func TestRun_FinalizesAsFailedOnUnhandledExecutorError(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "just say hello", false)

	failing := failingExecutor{err: context.DeadlineExceeded}
	outcome := executor.Run(context.Background(), failing, deps, sess, r)
	require.Error(t, outcome.Err)

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	require.NotNil(t, final.EndedAt)

	updatedSess, err := st.GetSession(context.Background(), "tenant-a", sess.SessionID)
	require.NoError(t, err)
	require.Empty(t, updatedSess.ActiveRunID, "a terminal transition must clear active_run_id")
}

func TestRun_RecoversFromPanicAndFinalizesAsFailed(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "just say hello", false)

	outcome := executor.Run(context.Background(), panickingExecutor{}, deps, sess, r)
	require.Error(t, outcome.Err)

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, final.Status)
}

func TestRun_DoesNotReFinalizeAnAlreadyTerminalRun(t *testing.T) {
	deps, st := newDeps(t)
	sess, r := newQueuedRun(t, st, "just say hello", false)

	alreadyFinalized, err := st.UpdateRun(context.Background(), r.RunID, func(rr *run.Run) error {
		rr.Status = run.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	failing := failingExecutor{err: context.DeadlineExceeded}
	outcome := executor.Run(context.Background(), failing, deps, sess, alreadyFinalized)
	require.Error(t, outcome.Err)

	final, err := st.GetRun(context.Background(), "tenant-a", sess.SessionID, r.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, final.Status, "Run must not overwrite a status an executor already finalized")
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(context.Context, executor.Deps, session.Session, run.Run) executor.Outcome {
	return executor.Outcome{Err: f.err}
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, executor.Deps, session.Session, run.Run) executor.Outcome {
	panic("boom")
}
