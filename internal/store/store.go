// Package store declares the Durable Store contract (component A): the
// single source of truth for sessions, runs, approvals, the event journal,
// and idempotency keys. Implementations must survive process restarts;
// internal/store/memory is a non-durable fake used for tests, and
// internal/store/mongo is the production backend.
//
// Every operation that spans more than one entity (creating a run while
// checking a session's active_run_id, deciding an approval while
// decrementing a session's pending count, ...) is atomic from the caller's
// perspective: either the whole composite mutation is visible or none of it
// is. Cross-tenant reads return the same not-found apierror as a missing
// entity (e.g. apierror.CodeSessionNotFound) rather than leaking existence.
package store

import (
	"context"
	"time"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
)

// ProposedCall is one tool call an executor has proposed, pending human
// approval.
type ProposedCall struct {
	ToolName string
	Args     map[string]any
}

// RunMetrics aggregates run counters for the metrics/alerts surface
// (component I).
type RunMetrics struct {
	Total              int
	Active             int
	Completed          int
	Failed             int
	Interrupted         int
	ErrorRate          float64
	AvgLatencyMS       float64
	P95LatencyMS       float64
	TotalUsageTokens   int64
	TotalEstimatedCost float64
}

// RecoveryReport summarizes the one-time startup normalization pass
// (component H).
type RecoveryReport struct {
	RunsInterrupted     int
	ApprovalsRejected   int
	SessionsDeactivated int
}

// CleanupReport summarizes one cleanup cycle (component I).
type CleanupReport struct {
	RemovedSessions       int
	RemovedWorkspaceFiles int
	RemovedArtifactFiles  int
}

// SessionUsage answers GET /sessions/{sid}/usage, per spec.md §6.
type SessionUsage struct {
	RunCount           int
	CompletedRunCount  int
	TotalTokens        int64
	TotalEstimatedCost float64
}

// Store is the full Durable Store contract, component A of spec.md §4.A.
type Store interface {
	// Session operations.
	CreateSession(ctx context.Context, tenantID, workspaceName string, autoApprove bool) (session.Session, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (session.Session, error)
	SetAutoApprove(ctx context.Context, tenantID, sessionID string, enabled bool) (session.Session, error)
	SetResumePath(ctx context.Context, tenantID, sessionID, path string) (session.Session, error)
	SetJD(ctx context.Context, tenantID, sessionID, text, url string) (session.Session, error)
	SetLatestExportPath(ctx context.Context, tenantID, sessionID, path string) (session.Session, error)
	AdvanceWorkflow(ctx context.Context, tenantID, sessionID string, to session.WorkflowState) (session.Session, error)
	DeleteSessionCascade(ctx context.Context, tenantID, sessionID string) error
	IdleSessionsOlderThan(ctx context.Context, age time.Duration) ([]session.Session, error)

	// Idempotency, scoped to a session.
	LookupIdempotency(ctx context.Context, sessionID, key string) (session.IdempotencyEntry, bool, error)

	// Run operations. CreateRun enforces ACTIVE_RUN_EXISTS, quota, and
	// idempotency under a single lock covering the session row (spec.md
	// §4.D step 1-4).
	CreateRun(ctx context.Context, tenantID, sessionID, message, idempotencyKey string, maxRunsPerSession int) (r run.Run, reused bool, err error)
	GetRun(ctx context.Context, tenantID, sessionID, runID string) (run.Run, error)
	// UpdateRun applies mutate to the run under the store lock and persists
	// the result; mutate returning an error aborts the mutation.
	UpdateRun(ctx context.Context, runID string, mutate func(*run.Run) error) (run.Run, error)
	CountRunsForSession(ctx context.Context, sessionID string) (int, error)
	ActiveRuns(ctx context.Context) ([]run.Run, error)
	UsageForSession(ctx context.Context, sessionID string) (SessionUsage, error)

	// Approval operations.
	CreateApprovals(ctx context.Context, sessionID, runID string, calls []ProposedCall) ([]approval.Approval, error)
	GetApproval(ctx context.Context, tenantID, sessionID, approvalID string) (approval.Approval, error)
	// DecideApproval validates run/approval state per spec.md §4.F step 2,
	// mutates both atomically, and returns the updated approval and run.
	DecideApproval(ctx context.Context, tenantID, sessionID, approvalID string, decision approval.Status, applyToFuture bool) (approval.Approval, run.Run, error)
	ListPendingApprovals(ctx context.Context, tenantID, sessionID string) ([]approval.Approval, error)

	// Event journal.
	AppendEvent(ctx context.Context, sessionID, runID string, typ runlog.Type, payload any) (runlog.Event, error)
	ListEvents(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error)

	// Recovery, metrics, and cleanup.
	RecoverCrashed(ctx context.Context) (RecoveryReport, error)
	Metrics(ctx context.Context) (RunMetrics, error)
	DeleteSessionAndData(ctx context.Context, sessionID string) error

	// Ping reports whether the backing store is reachable, surfaced at
	// GET /healthz.
	Ping(ctx context.Context) error
}
