// Package memory is an in-process, non-durable implementation of
// store.Store. It is the primary target for the runtime's contract tests
// (spec.md §8) and doubles as the default backend when no MongoDB URI is
// configured; it does not survive process restarts, so internal/store/mongo
// is the production-grade implementation, following the teacher's
// "in-memory + real backend behind one interface" convention
// (runtime/agent/run/inmem alongside features/run/mongo).
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/ids"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
)

// Store is an in-memory implementation of store.Store. All composite
// mutations are serialized through a single mutex, mirroring the "store
// lock" described in spec.md §5; this is a direct, simpler analogue of the
// teacher's per-map sync.RWMutex idiom in runtime/agent/run/inmem.
type Store struct {
	mu sync.Mutex

	sessions  map[string]*session.Session
	runs      map[string]*run.Run
	approvals map[string]*approval.Approval
	events    map[string][]runlog.Event // keyed by run ID, seq-ordered
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*session.Session),
		runs:      make(map[string]*run.Run),
		approvals: make(map[string]*approval.Approval),
		events:    make(map[string][]runlog.Event),
	}
}

// Ping always succeeds: there is no network backend to probe.
func (s *Store) Ping(context.Context) error { return nil }

// CreateSession creates a new session owned by tenantID.
func (s *Store) CreateSession(_ context.Context, tenantID, workspaceName string, autoApprove bool) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session.Session{
		SessionID:       ids.NewSessionID(),
		TenantID:        tenantID,
		WorkspaceName:   workspaceName,
		CreatedAt:       time.Now().UTC(),
		WorkflowState:   session.WorkflowDraft,
		Settings:        session.Settings{AutoApprove: autoApprove},
		IdempotencyKeys: make(map[string]session.IdempotencyEntry),
	}
	s.sessions[sess.SessionID] = sess
	return sess.Clone(), nil
}

func (s *Store) lookupSessionLocked(tenantID, sessionID string) (*session.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	return sess, nil
}

// GetSession returns the session, hiding existence across tenants.
func (s *Store) GetSession(_ context.Context, tenantID, sessionID string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	return sess.Clone(), nil
}

// SetAutoApprove flips the session's auto-approve setting.
func (s *Store) SetAutoApprove(_ context.Context, tenantID, sessionID string, enabled bool) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	sess.Settings.AutoApprove = enabled
	return sess.Clone(), nil
}

// SetResumePath records the uploaded resume path and advances the workflow
// to at least ResumeUploaded.
func (s *Store) SetResumePath(_ context.Context, tenantID, sessionID, path string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	sess.ResumePath = path
	sess.WorkflowState = session.Advance(sess.WorkflowState, session.WorkflowResumeUploaded)
	return sess.Clone(), nil
}

// SetJD records the job description text/url and advances the workflow to
// at least JDProvided. The caller is responsible for enforcing that a
// resume was uploaded first (INVALID_STATE), since that check is a
// transport-facing precondition rather than a storage invariant.
func (s *Store) SetJD(_ context.Context, tenantID, sessionID, text, url string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	sess.JDText = text
	sess.JDURL = url
	sess.WorkflowState = session.Advance(sess.WorkflowState, session.WorkflowJDProvided)
	return sess.Clone(), nil
}

// SetLatestExportPath records the most recent export location and advances
// the workflow to at least Exported.
func (s *Store) SetLatestExportPath(_ context.Context, tenantID, sessionID, path string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	sess.LatestExportPath = path
	sess.WorkflowState = session.Advance(sess.WorkflowState, session.WorkflowExported)
	return sess.Clone(), nil
}

// AdvanceWorkflow moves the session's workflow state forward (or to
// Cancelled), never backward.
func (s *Store) AdvanceWorkflow(_ context.Context, tenantID, sessionID string, to session.WorkflowState) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	sess.WorkflowState = session.Advance(sess.WorkflowState, to)
	return sess.Clone(), nil
}

// LookupIdempotency returns the stored entry for (sessionID, key), if any.
// It does not tenant-check because callers always reach it after a
// successful GetSession/CreateRun lookup already scoped to the tenant.
func (s *Store) LookupIdempotency(_ context.Context, sessionID, key string) (session.IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.IdempotencyEntry{}, false, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	entry, ok := sess.IdempotencyKeys[key]
	return entry, ok, nil
}

func fingerprint(message string) string {
	// A content fingerprint is only used to detect idempotency-key reuse
	// with a different message body; it need not be cryptographic.
	return fmt.Sprintf("%d:%x", len(message), message)
}

// CreateRun implements the Run Scheduler's accept-new-run sequence, spec.md
// §4.D steps 1-4, entirely under the store lock so the
// check-then-allocate is serializable.
func (s *Store) CreateRun(_ context.Context, tenantID, sessionID, message, idempotencyKey string, maxRunsPerSession int) (run.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return run.Run{}, false, err
	}

	if idempotencyKey != "" {
		fp := fingerprint(message)
		if entry, ok := sess.IdempotencyKeys[idempotencyKey]; ok {
			if entry.MessageFingerprint != fp {
				return run.Run{}, false, apierror.New(apierror.CodeIdempotencyConflict, "idempotency key reused with a different message")
			}
			existing, ok := s.runs[entry.RunID]
			if !ok {
				return run.Run{}, false, apierror.New(apierror.CodeInternal, "idempotency entry points at a missing run")
			}
			return existing.Clone(), true, nil
		}
	}

	if sess.ActiveRunID != "" {
		if active, ok := s.runs[sess.ActiveRunID]; ok && active.Status.IsActive() {
			return run.Run{}, false, apierror.New(apierror.CodeActiveRunExists, "session already has an active run")
		}
	}

	if maxRunsPerSession > 0 {
		count := 0
		for _, r := range s.runs {
			if r.SessionID == sessionID {
				count++
			}
		}
		if count >= maxRunsPerSession {
			return run.Run{}, false, apierror.New(apierror.CodeSessionRunQuotaExceeded, "session run quota exceeded")
		}
	}

	r := &run.Run{
		RunID:     ids.NewRunID(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		Message:   message,
		Status:    run.StatusQueued,
	}
	s.runs[r.RunID] = r
	sess.ActiveRunID = r.RunID

	if idempotencyKey != "" {
		if sess.IdempotencyKeys == nil {
			sess.IdempotencyKeys = make(map[string]session.IdempotencyEntry)
		}
		sess.IdempotencyKeys[idempotencyKey] = session.IdempotencyEntry{
			MessageFingerprint: fingerprint(message),
			RunID:              r.RunID,
		}
	}

	return r.Clone(), false, nil
}

// GetRun returns a run, hiding cross-tenant/cross-session existence.
func (s *Store) GetRun(_ context.Context, tenantID, sessionID, runID string) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return run.Run{}, err
	}
	r, ok := s.runs[runID]
	if !ok || r.SessionID != sess.SessionID {
		return run.Run{}, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	return r.Clone(), nil
}

// UpdateRun applies mutate under the store lock, clears the owning
// session's active_run_id when the run lands in a terminal state, and
// persists the result.
func (s *Store) UpdateRun(_ context.Context, runID string, mutate func(*run.Run) error) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return run.Run{}, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	if err := mutate(r); err != nil {
		return run.Run{}, err
	}
	if r.Status.IsTerminal() {
		if sess, ok := s.sessions[r.SessionID]; ok && sess.ActiveRunID == r.RunID {
			sess.ActiveRunID = ""
		}
	}
	return r.Clone(), nil
}

// CountRunsForSession returns the number of runs ever created for sessionID.
func (s *Store) CountRunsForSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// UsageForSession aggregates token/cost usage across every run ever
// created for sessionID, for GET /sessions/{sid}/usage.
func (s *Store) UsageForSession(_ context.Context, sessionID string) (store.SessionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u store.SessionUsage
	for _, r := range s.runs {
		if r.SessionID != sessionID {
			continue
		}
		u.RunCount++
		if r.Status == run.StatusCompleted {
			u.CompletedRunCount++
		}
		u.TotalTokens += r.UsageTokens
		u.TotalEstimatedCost += r.EstimatedCostUSD
	}
	return u, nil
}

// ActiveRuns returns every run currently in a non-terminal status, the
// working set for the Recovery Normalizer (component H).
func (s *Store) ActiveRuns(_ context.Context) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Status.IsActive() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// CreateApprovals allocates one Approval per proposed call, designates the
// first as the batch head (run.PendingApprovalID), and bumps the session's
// pending count by len(calls), per the batching resolution recorded in
// SPEC_FULL.md / DESIGN.md for the "real-executor approval batching" open
// question.
func (s *Store) CreateApprovals(_ context.Context, sessionID, runID string, calls []store.ProposedCall) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}

	now := time.Now().UTC()
	out := make([]approval.Approval, 0, len(calls))
	for i, call := range calls {
		a := &approval.Approval{
			ApprovalID: ids.NewApprovalID(),
			SessionID:  sessionID,
			RunID:      runID,
			ToolName:   call.ToolName,
			Args:       call.Args,
			Status:     approval.StatusPending,
			CreatedAt:  now,
		}
		s.approvals[a.ApprovalID] = a
		out = append(out, a.Clone())
		if i == 0 {
			r.PendingApprovalID = a.ApprovalID
		}
		sess.PendingApprovalCount++
	}
	r.Status = run.StatusWaitingApproval
	return out, nil
}

// GetApproval returns an approval, hiding cross-tenant/cross-session
// existence.
func (s *Store) GetApproval(_ context.Context, tenantID, sessionID, approvalID string) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return approval.Approval{}, err
	}
	a, ok := s.approvals[approvalID]
	if !ok || a.SessionID != sess.SessionID {
		return approval.Approval{}, apierror.New(apierror.CodeApprovalNotFound, "approval not found")
	}
	return a.Clone(), nil
}

// DecideApproval validates and applies an approve/reject decision per
// spec.md §4.F step 2: the run must be waiting_approval and hold this
// approval as one of its pending siblings; the approval itself must still
// be pending. The run's pending_approval_id only clears, and the wait latch
// is only released by the caller, once no sibling approval remains pending
// (the batch-head semantics from DESIGN.md).
func (s *Store) DecideApproval(_ context.Context, tenantID, sessionID, approvalID string, decision approval.Status, applyToFuture bool) (approval.Approval, run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return approval.Approval{}, run.Run{}, err
	}
	a, ok := s.approvals[approvalID]
	if !ok || a.SessionID != sess.SessionID {
		return approval.Approval{}, run.Run{}, apierror.New(apierror.CodeApprovalNotFound, "approval not found")
	}
	r, ok := s.runs[a.RunID]
	if !ok {
		return approval.Approval{}, run.Run{}, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	if r.Status != run.StatusWaitingApproval {
		return approval.Approval{}, run.Run{}, apierror.New(apierror.CodeInvalidState, "run is not waiting for approval")
	}
	if a.Status != approval.StatusPending {
		return approval.Approval{}, run.Run{}, apierror.New(apierror.CodeApprovalAlreadyProcessed, "approval already processed")
	}

	now := time.Now().UTC()
	a.Status = decision
	a.DecidedAt = &now
	sess.PendingApprovalCount--
	if sess.PendingApprovalCount < 0 {
		sess.PendingApprovalCount = 0
	}

	if decision == approval.StatusApproved && applyToFuture {
		sess.Settings.AutoApprove = true
	}

	if !s.hasPendingSiblingLocked(r.RunID) {
		r.PendingApprovalID = ""
	}

	return a.Clone(), r.Clone(), nil
}

func (s *Store) hasPendingSiblingLocked(runID string) bool {
	for _, a := range s.approvals {
		if a.RunID == runID && a.Status == approval.StatusPending {
			return true
		}
	}
	return false
}

// ListPendingApprovals lists a session's pending approvals ordered by
// creation time, per spec.md §6.
func (s *Store) ListPendingApprovals(_ context.Context, tenantID, sessionID string) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	var out []approval.Approval
	for _, a := range s.approvals {
		if a.SessionID == sess.SessionID && a.Status == approval.StatusPending {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendEvent increments the run's event_seq under the store lock, persists
// the event, and returns it. Callers are responsible for signalling any
// stream subscribers after this returns (component G).
func (s *Store) AppendEvent(_ context.Context, sessionID, runID string, typ runlog.Type, payload any) (runlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return runlog.Event{}, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	r.EventSeq++
	ev := runlog.Event{
		EventID:   ids.Event(runID, r.EventSeq),
		Seq:       r.EventSeq,
		SessionID: sessionID,
		RunID:     runID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   runlog.MarshalPayload(payload),
	}
	s.events[runID] = append(s.events[runID], ev)
	return ev, nil
}

// ListEvents returns the events after the one whose EventID equals cursor
// (empty, or an ID not in the journal, starts from the beginning), up to
// limit entries (limit <= 0 returns all of them). NextCursor is the EventID
// of the page's last event when more events remain.
func (s *Store) ListEvents(_ context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[runID]
	start := 0
	if cursor != "" {
		for i, e := range all {
			if e.EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := append([]runlog.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = page[len(page)-1].EventID
	}
	return runlog.Page{Events: page, NextCursor: next}, nil
}

// RecoverCrashed implements the Recovery Normalizer (component H) in full:
// every active-at-crash run is forcibly interrupted, its pending approvals
// rejected, and its session's active_run_id cleared, all performed here
// under the single store lock so it behaves as one transaction.
func (s *Store) RecoverCrashed(_ context.Context) (store.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report store.RecoveryReport
	now := time.Now().UTC()

	for _, r := range s.runs {
		if !r.Status.IsActive() {
			continue
		}

		hasInterrupted := false
		for _, ev := range s.events[r.RunID] {
			if ev.Type == runlog.TypeRunInterrupted {
				hasInterrupted = true
				break
			}
		}
		if !hasInterrupted {
			r.EventSeq++
			s.events[r.RunID] = append(s.events[r.RunID], runlog.Event{
				EventID:   ids.Event(r.RunID, r.EventSeq),
				Seq:       r.EventSeq,
				SessionID: r.SessionID,
				RunID:     r.RunID,
				Type:      runlog.TypeRunInterrupted,
				Timestamp: now,
				Payload:   runlog.MarshalPayload(map[string]string{"status": "interrupted", "reason": "process_restarted"}),
			})
		}

		r.Status = run.StatusInterrupted
		r.InterruptRequested = true
		if r.EndedAt == nil {
			r.EndedAt = &now
		}
		if r.StartedAt == nil {
			t := r.CreatedAt
			r.StartedAt = &t
		}
		r.PendingApprovalID = ""
		report.RunsInterrupted++

		if sess, ok := s.sessions[r.SessionID]; ok && sess.ActiveRunID == r.RunID {
			sess.ActiveRunID = ""
			report.SessionsDeactivated++
		}
	}

	for _, a := range s.approvals {
		if a.Status != approval.StatusPending {
			continue
		}
		r, ok := s.runs[a.RunID]
		if !ok || !wasJustRecovered(r) {
			continue
		}
		a.Status = approval.StatusRejected
		t := now
		a.DecidedAt = &t
		report.ApprovalsRejected++
	}

	for _, sess := range s.sessions {
		count := 0
		for _, a := range s.approvals {
			if a.SessionID == sess.SessionID && a.Status == approval.StatusPending {
				count++
			}
		}
		sess.PendingApprovalCount = count
	}

	return report, nil
}

func wasJustRecovered(r *run.Run) bool {
	return r.Status == run.StatusInterrupted
}

// Metrics computes the runtime metrics surface (component I).
func (s *Store) Metrics(_ context.Context) (store.RunMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m store.RunMetrics
	var latencies []float64
	var completed, failed, interrupted int

	for _, r := range s.runs {
		m.Total++
		switch {
		case r.Status.IsActive():
			m.Active++
		case r.Status == run.StatusCompleted:
			completed++
		case r.Status == run.StatusFailed:
			failed++
		case r.Status == run.StatusInterrupted:
			interrupted++
		}
		m.TotalUsageTokens += r.UsageTokens
		m.TotalEstimatedCost += r.EstimatedCostUSD
		if r.StartedAt != nil && r.EndedAt != nil {
			latencies = append(latencies, r.EndedAt.Sub(*r.StartedAt).Seconds()*1000)
		}
	}
	m.Completed = completed
	m.Failed = failed
	m.Interrupted = interrupted

	denom := completed + failed + interrupted
	if denom > 0 {
		m.ErrorRate = float64(failed) / float64(denom)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		sum := 0.0
		for _, l := range latencies {
			sum += l
		}
		m.AvgLatencyMS = sum / float64(len(latencies))
		idx := int(math.Ceil(0.95*float64(len(latencies)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		m.P95LatencyMS = latencies[idx]
	}
	return m, nil
}

// IdleSessionsOlderThan returns sessions with no active run created before
// now-age, the working set for the Cleanup Worker (component I).
func (s *Store) IdleSessionsOlderThan(_ context.Context, age time.Duration) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.ActiveRunID == "" && sess.CreatedAt.Before(cutoff) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// DeleteSessionCascade removes a session and every run/approval/event it
// owns.
func (s *Store) DeleteSessionCascade(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupSessionLocked(tenantID, sessionID)
	if err != nil {
		return err
	}
	s.deleteSessionDataLocked(sess.SessionID)
	return nil
}

// DeleteSessionAndData removes a session's data without a tenant check; it
// is only called by the Cleanup Worker, which already scoped its session
// list via IdleSessionsOlderThan.
func (s *Store) DeleteSessionAndData(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSessionDataLocked(sessionID)
	return nil
}

func (s *Store) deleteSessionDataLocked(sessionID string) {
	for runID, r := range s.runs {
		if r.SessionID == sessionID {
			delete(s.runs, runID)
			delete(s.events, runID)
		}
	}
	for aid, a := range s.approvals {
		if a.SessionID == sessionID {
			delete(s.approvals, aid)
		}
	}
	delete(s.sessions, sessionID)
}
