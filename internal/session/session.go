// Package session defines the Session entity: a tenant-scoped workspace
// container that owns runs and approvals by id, and tracks the coarse,
// monotonically-advancing workflow state of the resume-editing conversation.
package session

import "time"

// WorkflowState is the coarse lifecycle of a session, distinct from any
// single run's state. It only ever advances forward in WorkflowOrder, except
// that Cancelled may be reached from any state.
type WorkflowState string

// Ordered workflow states, per spec.md §3. A session's state never regresses
// except to Cancelled.
const (
	WorkflowDraft          WorkflowState = "draft"
	WorkflowResumeUploaded WorkflowState = "resume_uploaded"
	WorkflowJDProvided     WorkflowState = "jd_provided"
	WorkflowGapAnalyzed    WorkflowState = "gap_analyzed"
	WorkflowRewriteApplied WorkflowState = "rewrite_applied"
	WorkflowExported       WorkflowState = "exported"
	WorkflowCancelled      WorkflowState = "cancelled"
)

// WorkflowOrder is the monotonic ordering of the non-terminal workflow
// states; Cancelled is reachable from any of them and is excluded from the
// ordering itself.
var WorkflowOrder = []WorkflowState{
	WorkflowDraft,
	WorkflowResumeUploaded,
	WorkflowJDProvided,
	WorkflowGapAnalyzed,
	WorkflowRewriteApplied,
	WorkflowExported,
}

func rank(s WorkflowState) int {
	for i, w := range WorkflowOrder {
		if w == s {
			return i
		}
	}
	return -1
}

// Advance returns the later of current and candidate in WorkflowOrder.
// Cancelled is absorbing: advancing a cancelled session leaves it cancelled,
// and advancing any session to Cancelled always takes effect.
func Advance(current, candidate WorkflowState) WorkflowState {
	if current == WorkflowCancelled {
		return WorkflowCancelled
	}
	if candidate == WorkflowCancelled {
		return WorkflowCancelled
	}
	if rank(candidate) > rank(current) {
		return candidate
	}
	return current
}

// Settings holds per-session executor behavior toggles.
type Settings struct {
	AutoApprove bool `json:"auto_approve"`
}

// IdempotencyEntry is the value side of the session-scoped idempotency
// table keyed by (session_id, key): the fingerprint of the message that
// produced run_id, so a retried POST with the same key and message can be
// recognized as a replay rather than a conflict.
type IdempotencyEntry struct {
	MessageFingerprint string
	RunID              string
}

// Session is the tenant-scoped container for runs, approvals, and workspace
// state, per spec.md §3.
type Session struct {
	SessionID     string
	TenantID      string
	WorkspaceName string
	CreatedAt     time.Time

	WorkflowState WorkflowState
	Settings      Settings

	ActiveRunID          string // empty when idle
	PendingApprovalCount int
	ResumePath           string
	JDText               string
	JDURL                string
	LatestExportPath     string

	IdempotencyKeys map[string]IdempotencyEntry

	// Conversation is an opaque, executor-owned blob (e.g. serialized
	// message history) the core never interprets.
	Conversation []byte
}

// Clone returns a deep copy so callers cannot mutate store-internal state
// through a returned Session.
func (s Session) Clone() Session {
	c := s
	if s.IdempotencyKeys != nil {
		c.IdempotencyKeys = make(map[string]IdempotencyEntry, len(s.IdempotencyKeys))
		for k, v := range s.IdempotencyKeys {
			c.IdempotencyKeys[k] = v
		}
	}
	if s.Conversation != nil {
		c.Conversation = append([]byte(nil), s.Conversation...)
	}
	return c
}

// IsActive reports whether the session currently has a run in a non-terminal
// state, per invariant 2 of spec.md §8.
func (s Session) IsActive() bool { return s.ActiveRunID != "" }
