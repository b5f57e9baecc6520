package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/ids"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
)

const (
	defaultSessionsCollection  = "sessions"
	defaultRunsCollection      = "runs"
	defaultApprovalsCollection = "approvals"
	defaultEventsCollection    = "events"
	defaultOpTimeout           = 10 * time.Second
)

// Store is the MongoDB-backed implementation of store.Store. It mirrors the
// entity layout of internal/store/memory one collection per map, but
// composite mutations that span collections run inside a transaction on the
// client's session rather than behind a single in-process mutex.
type Store struct {
	client     *mongodriver.Client
	sessions   *mongodriver.Collection
	runs       *mongodriver.Collection
	approvals  *mongodriver.Collection
	events     *mongodriver.Collection
	timeout    time.Duration
}

// Options configures the Mongo-backed store.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	SessionsCollection  string
	RunsCollection      string
	ApprovalsCollection string
	EventsCollection    string
	Timeout             time.Duration
}

// New connects the store to its collections and ensures the indexes the
// query patterns above depend on exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	db := opts.Client.Database(opts.Database)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	st := &Store{
		client:    opts.Client,
		sessions:  db.Collection(name(opts.SessionsCollection, defaultSessionsCollection)),
		runs:      db.Collection(name(opts.RunsCollection, defaultRunsCollection)),
		approvals: db.Collection(name(opts.ApprovalsCollection, defaultApprovalsCollection)),
		events:    db.Collection(name(opts.EventsCollection, defaultEventsCollection)),
		timeout:   timeout,
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := st.ensureIndexes(ictx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.approvals.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "approval_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.approvals.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return err
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// withTransaction runs fn inside a session-scoped multi-document
// transaction, the Mongo analogue of internal/store/memory's single
// process-wide mutex: every read and write fn performs must go through the
// ctx it is given so they join the same session.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var result any
	err := s.client.UseSession(ctx, func(sctx context.Context) error {
		sess := mongodriver.SessionFromContext(sctx)
		r, err := sess.WithTransaction(sctx, fn)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Store) findSession(ctx context.Context, tenantID, sessionID string) (sessionDoc, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID, "tenant_id": tenantID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return sessionDoc{}, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return sessionDoc{}, err
	}
	return doc, nil
}

// CreateSession implements store.Store.
func (s *Store) CreateSession(ctx context.Context, tenantID, workspaceName string, autoApprove bool) (session.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sess := session.Session{
		SessionID:       ids.NewSessionID(),
		TenantID:        tenantID,
		WorkspaceName:   workspaceName,
		CreatedAt:       time.Now().UTC(),
		WorkflowState:   session.WorkflowDraft,
		Settings:        session.Settings{AutoApprove: autoApprove},
		IdempotencyKeys: make(map[string]session.IdempotencyEntry),
	}
	if _, err := s.sessions.InsertOne(ctx, fromSession(sess)); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// GetSession implements store.Store.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (session.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := s.findSession(ctx, tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (s *Store) updateSessionField(ctx context.Context, tenantID, sessionID string, set bson.M) (session.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.findSession(ctx, tenantID, sessionID); err != nil {
		return session.Session{}, err
	}
	var doc sessionDoc
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"session_id": sessionID, "tenant_id": tenantID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// SetAutoApprove implements store.Store.
func (s *Store) SetAutoApprove(ctx context.Context, tenantID, sessionID string, enabled bool) (session.Session, error) {
	return s.updateSessionField(ctx, tenantID, sessionID, bson.M{"auto_approve": enabled})
}

// SetResumePath implements store.Store.
func (s *Store) SetResumePath(ctx context.Context, tenantID, sessionID, path string) (session.Session, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	next := session.Advance(sess.WorkflowState, session.WorkflowResumeUploaded)
	return s.updateSessionField(ctx, tenantID, sessionID, bson.M{"resume_path": path, "workflow_state": next})
}

// SetJD implements store.Store.
func (s *Store) SetJD(ctx context.Context, tenantID, sessionID, text, url string) (session.Session, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	next := session.Advance(sess.WorkflowState, session.WorkflowJDProvided)
	return s.updateSessionField(ctx, tenantID, sessionID, bson.M{"jd_text": text, "jd_url": url, "workflow_state": next})
}

// SetLatestExportPath implements store.Store.
func (s *Store) SetLatestExportPath(ctx context.Context, tenantID, sessionID, path string) (session.Session, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	next := session.Advance(sess.WorkflowState, session.WorkflowExported)
	return s.updateSessionField(ctx, tenantID, sessionID, bson.M{"latest_export_path": path, "workflow_state": next})
}

// AdvanceWorkflow implements store.Store.
func (s *Store) AdvanceWorkflow(ctx context.Context, tenantID, sessionID string, to session.WorkflowState) (session.Session, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	next := session.Advance(sess.WorkflowState, to)
	return s.updateSessionField(ctx, tenantID, sessionID, bson.M{"workflow_state": next})
}

// DeleteSessionCascade implements store.Store.
func (s *Store) DeleteSessionCascade(ctx context.Context, tenantID, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.findSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	_, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		return nil, s.deleteSessionData(tctx, sessionID)
	})
	return err
}

// DeleteSessionAndData implements store.Store.
func (s *Store) DeleteSessionAndData(ctx context.Context, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		return nil, s.deleteSessionData(tctx, sessionID)
	})
	return err
}

func (s *Store) deleteSessionData(ctx context.Context, sessionID string) error {
	cur, err := s.runs.Find(ctx, bson.M{"session_id": sessionID}, options.Find().SetProjection(bson.M{"run_id": 1}))
	if err != nil {
		return err
	}
	var runIDs []string
	for cur.Next(ctx) {
		var d struct {
			RunID string `bson:"run_id"`
		}
		if err := cur.Decode(&d); err != nil {
			_ = cur.Close(ctx)
			return err
		}
		runIDs = append(runIDs, d.RunID)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	_ = cur.Close(ctx)

	if len(runIDs) > 0 {
		if _, err := s.events.DeleteMany(ctx, bson.M{"run_id": bson.M{"$in": runIDs}}); err != nil {
			return err
		}
	}
	if _, err := s.runs.DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return err
	}
	if _, err := s.approvals.DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return err
	}
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID}); err != nil {
		return err
	}
	return nil
}

// IdleSessionsOlderThan implements store.Store.
func (s *Store) IdleSessionsOlderThan(ctx context.Context, age time.Duration) ([]session.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-age)
	cur, err := s.sessions.Find(ctx, bson.M{"active_run_id": "", "created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []session.Session
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	return out, cur.Err()
}

// LookupIdempotency implements store.Store.
func (s *Store) LookupIdempotency(ctx context.Context, sessionID, key string) (session.IdempotencyEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return session.IdempotencyEntry{}, false, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return session.IdempotencyEntry{}, false, err
	}
	entry, ok := doc.toSession().IdempotencyKeys[key]
	return entry, ok, nil
}

func fingerprint(message string) string {
	return fmt.Sprintf("%d:%x", len(message), message)
}

// CreateRun implements store.Store: the accept-new-run sequence of spec.md
// §4.D steps 1-4, performed inside a transaction so the
// check-idempotency/check-active/check-quota/allocate sequence is
// serializable against concurrent creates for the same session.
func (s *Store) CreateRun(ctx context.Context, tenantID, sessionID, message, idempotencyKey string, maxRunsPerSession int) (run.Run, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		sess, err := s.findSession(tctx, tenantID, sessionID)
		if err != nil {
			return nil, err
		}

		if idempotencyKey != "" {
			fp := fingerprint(message)
			for _, e := range sess.IdempotencyKeys {
				if e.Key != idempotencyKey {
					continue
				}
				if e.MessageFingerprint != fp {
					return nil, apierror.New(apierror.CodeIdempotencyConflict, "idempotency key reused with a different message")
				}
				var existing runDoc
				if err := s.runs.FindOne(tctx, bson.M{"run_id": e.RunID}).Decode(&existing); err != nil {
					if errors.Is(err, mongodriver.ErrNoDocuments) {
						return nil, apierror.New(apierror.CodeInternal, "idempotency entry points at a missing run")
					}
					return nil, err
				}
				return reusedRun{run: existing.toRun(), reused: true}, nil
			}
		}

		if sess.ActiveRunID != "" {
			var active runDoc
			err := s.runs.FindOne(tctx, bson.M{"run_id": sess.ActiveRunID}).Decode(&active)
			if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, err
			}
			if err == nil && active.toRun().Status.IsActive() {
				return nil, apierror.New(apierror.CodeActiveRunExists, "session already has an active run")
			}
		}

		if maxRunsPerSession > 0 {
			count, err := s.runs.CountDocuments(tctx, bson.M{"session_id": sessionID})
			if err != nil {
				return nil, err
			}
			if int(count) >= maxRunsPerSession {
				return nil, apierror.New(apierror.CodeSessionRunQuotaExceeded, "session run quota exceeded")
			}
		}

		r := run.Run{
			RunID:     ids.NewRunID(),
			SessionID: sessionID,
			CreatedAt: time.Now().UTC(),
			Message:   message,
			Status:    run.StatusQueued,
		}
		if _, err := s.runs.InsertOne(tctx, fromRun(r)); err != nil {
			return nil, err
		}

		update := bson.M{"active_run_id": r.RunID}
		if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, bson.M{"$set": update}); err != nil {
			return nil, err
		}
		if idempotencyKey != "" {
			entry := idempotencyEntryDoc{Key: idempotencyKey, MessageFingerprint: fingerprint(message), RunID: r.RunID}
			if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, bson.M{"$push": bson.M{"idempotency_keys": entry}}); err != nil {
				return nil, err
			}
		}
		return reusedRun{run: r}, nil
	})
	if err != nil {
		return run.Run{}, false, err
	}
	rr := result.(reusedRun)
	return rr.run, rr.reused, nil
}

type reusedRun struct {
	run    run.Run
	reused bool
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, tenantID, sessionID, runID string) (run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.findSession(ctx, tenantID, sessionID); err != nil {
		return run.Run{}, err
	}
	var doc runDoc
	err := s.runs.FindOne(ctx, bson.M{"run_id": runID, "session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return run.Run{}, apierror.New(apierror.CodeRunNotFound, "run not found")
	}
	if err != nil {
		return run.Run{}, err
	}
	return doc.toRun(), nil
}

// UpdateRun implements store.Store: it fetches the run, applies mutate in
// Go (the same pure function the memory store runs under its mutex),
// persists every field, and — if the mutation lands the run in a terminal
// state — clears the owning session's active_run_id in the same
// transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, mutate func(*run.Run) error) (run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		var doc runDoc
		if err := s.runs.FindOne(tctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, apierror.New(apierror.CodeRunNotFound, "run not found")
			}
			return nil, err
		}
		r := doc.toRun()
		if err := mutate(&r); err != nil {
			return nil, err
		}
		if _, err := s.runs.ReplaceOne(tctx, bson.M{"run_id": runID}, fromRun(r)); err != nil {
			return nil, err
		}
		if r.Status.IsTerminal() {
			if _, err := s.sessions.UpdateOne(tctx,
				bson.M{"session_id": r.SessionID, "active_run_id": r.RunID},
				bson.M{"$set": bson.M{"active_run_id": ""}},
			); err != nil {
				return nil, err
			}
		}
		return r, nil
	})
	if err != nil {
		return run.Run{}, err
	}
	return result.(run.Run), nil
}

// CountRunsForSession implements store.Store.
func (s *Store) CountRunsForSession(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.runs.CountDocuments(ctx, bson.M{"session_id": sessionID})
	return int(n), err
}

// UsageForSession implements store.Store.
func (s *Store) UsageForSession(ctx context.Context, sessionID string) (store.SessionUsage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return store.SessionUsage{}, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var u store.SessionUsage
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return store.SessionUsage{}, err
		}
		u.RunCount++
		if doc.Status == run.StatusCompleted {
			u.CompletedRunCount++
		}
		u.TotalTokens += doc.UsageTokens
		u.TotalEstimatedCost += doc.EstimatedCostUSD
	}
	if err := cur.Err(); err != nil {
		return store.SessionUsage{}, err
	}
	return u, nil
}

// ActiveRuns implements store.Store.
func (s *Store) ActiveRuns(ctx context.Context) ([]run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	statuses := make([]run.Status, 0, len(run.ActiveStatuses))
	for st := range run.ActiveStatuses {
		statuses = append(statuses, st)
	}
	cur, err := s.runs.Find(ctx, bson.M{"status": bson.M{"$in": statuses}}, options.Find().SetSort(bson.D{{Key: "run_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []run.Run
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRun())
	}
	return out, cur.Err()
}

// CreateApprovals implements store.Store.
func (s *Store) CreateApprovals(ctx context.Context, sessionID, runID string, calls []store.ProposedCall) ([]approval.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		var runCount int64
		if n, err := s.runs.CountDocuments(tctx, bson.M{"run_id": runID}); err != nil {
			return nil, err
		} else {
			runCount = n
		}
		if runCount == 0 {
			return nil, apierror.New(apierror.CodeRunNotFound, "run not found")
		}
		if n, err := s.sessions.CountDocuments(tctx, bson.M{"session_id": sessionID}); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, apierror.New(apierror.CodeSessionNotFound, "session not found")
		}

		now := time.Now().UTC()
		out := make([]approval.Approval, 0, len(calls))
		docs := make([]any, 0, len(calls))
		for _, call := range calls {
			a := approval.Approval{
				ApprovalID: ids.NewApprovalID(),
				SessionID:  sessionID,
				RunID:      runID,
				ToolName:   call.ToolName,
				Args:       call.Args,
				Status:     approval.StatusPending,
				CreatedAt:  now,
			}
			out = append(out, a)
			docs = append(docs, fromApproval(a))
		}
		if _, err := s.approvals.InsertMany(tctx, docs); err != nil {
			return nil, err
		}
		if _, err := s.runs.UpdateOne(tctx, bson.M{"run_id": runID}, bson.M{"$set": bson.M{
			"pending_approval_id": out[0].ApprovalID,
			"status":              run.StatusWaitingApproval,
		}}); err != nil {
			return nil, err
		}
		if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, bson.M{"$inc": bson.M{"pending_approval_count": len(calls)}}); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]approval.Approval), nil
}

// GetApproval implements store.Store.
func (s *Store) GetApproval(ctx context.Context, tenantID, sessionID, approvalID string) (approval.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.findSession(ctx, tenantID, sessionID); err != nil {
		return approval.Approval{}, err
	}
	var doc approvalDoc
	err := s.approvals.FindOne(ctx, bson.M{"approval_id": approvalID, "session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return approval.Approval{}, apierror.New(apierror.CodeApprovalNotFound, "approval not found")
	}
	if err != nil {
		return approval.Approval{}, err
	}
	return doc.toApproval(), nil
}

// DecideApproval implements store.Store.
func (s *Store) DecideApproval(ctx context.Context, tenantID, sessionID, approvalID string, decision approval.Status, applyToFuture bool) (approval.Approval, run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		if _, err := s.findSession(tctx, tenantID, sessionID); err != nil {
			return nil, err
		}
		var aDoc approvalDoc
		if err := s.approvals.FindOne(tctx, bson.M{"approval_id": approvalID, "session_id": sessionID}).Decode(&aDoc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, apierror.New(apierror.CodeApprovalNotFound, "approval not found")
			}
			return nil, err
		}
		var rDoc runDoc
		if err := s.runs.FindOne(tctx, bson.M{"run_id": aDoc.RunID}).Decode(&rDoc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, apierror.New(apierror.CodeRunNotFound, "run not found")
			}
			return nil, err
		}
		if rDoc.Status != run.StatusWaitingApproval {
			return nil, apierror.New(apierror.CodeInvalidState, "run is not waiting for approval")
		}
		if aDoc.Status != approval.StatusPending {
			return nil, apierror.New(apierror.CodeApprovalAlreadyProcessed, "approval already processed")
		}

		now := time.Now().UTC()
		if _, err := s.approvals.UpdateOne(tctx, bson.M{"approval_id": approvalID}, bson.M{"$set": bson.M{
			"status":     decision,
			"decided_at": now,
		}}); err != nil {
			return nil, err
		}
		aDoc.Status = decision
		aDoc.DecidedAt = &now

		sessionSet := bson.M{}
		if decision == approval.StatusApproved && applyToFuture {
			sessionSet["auto_approve"] = true
		}
		if len(sessionSet) > 0 {
			if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID}, bson.M{"$set": sessionSet}); err != nil {
				return nil, err
			}
		}
		if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessionID, "pending_approval_count": bson.M{"$gt": 0}},
			bson.M{"$inc": bson.M{"pending_approval_count": -1}}); err != nil {
			return nil, err
		}

		remaining, err := s.approvals.CountDocuments(tctx, bson.M{"run_id": rDoc.RunID, "status": approval.StatusPending})
		if err != nil {
			return nil, err
		}
		if remaining == 0 {
			if _, err := s.runs.UpdateOne(tctx, bson.M{"run_id": rDoc.RunID}, bson.M{"$set": bson.M{"pending_approval_id": ""}}); err != nil {
				return nil, err
			}
			rDoc.PendingApprovalID = ""
		}

		return decideResult{approval: aDoc.toApproval(), run: rDoc.toRun()}, nil
	})
	if err != nil {
		return approval.Approval{}, run.Run{}, err
	}
	dr := result.(decideResult)
	return dr.approval, dr.run, nil
}

type decideResult struct {
	approval approval.Approval
	run      run.Run
}

// ListPendingApprovals implements store.Store.
func (s *Store) ListPendingApprovals(ctx context.Context, tenantID, sessionID string) ([]approval.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.findSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	cur, err := s.approvals.Find(ctx, bson.M{"session_id": sessionID, "status": approval.StatusPending},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []approval.Approval
	for cur.Next(ctx) {
		var doc approvalDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toApproval())
	}
	return out, cur.Err()
}

// AppendEvent implements store.Store: it atomically increments the run's
// event_seq and inserts the journal entry under that sequence number, so
// concurrent appends for the same run never collide on seq.
func (s *Store) AppendEvent(ctx context.Context, sessionID, runID string, typ runlog.Type, payload any) (runlog.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		var doc runDoc
		err := s.runs.FindOneAndUpdate(tctx,
			bson.M{"run_id": runID},
			bson.M{"$inc": bson.M{"event_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, apierror.New(apierror.CodeRunNotFound, "run not found")
		}
		if err != nil {
			return nil, err
		}
		ev := runlog.Event{
			EventID:   ids.Event(runID, doc.EventSeq),
			Seq:       doc.EventSeq,
			SessionID: sessionID,
			RunID:     runID,
			Type:      typ,
			Timestamp: time.Now().UTC(),
			Payload:   runlog.MarshalPayload(payload),
		}
		if _, err := s.events.InsertOne(tctx, fromEvent(ev)); err != nil {
			return nil, err
		}
		return ev, nil
	})
	if err != nil {
		return runlog.Event{}, err
	}
	return result.(runlog.Event), nil
}

func cursorSeq(cursor string) int64 {
	idx := strings.LastIndex(cursor, "_")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(cursor[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ListEvents implements store.Store. The cursor is the last seen event ID;
// since event IDs embed a monotonic sequence number, paging is a simple
// seq > cursorSeq range query, no separate offset bookkeeping required.
func (s *Store) ListEvents(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		filter["seq"] = bson.M{"$gt": cursorSeq(cursor)}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit) + 1)
	}
	cur, err := s.events.Find(ctx, filter, findOpts)
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var all []runlog.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		all = append(all, doc.toEvent())
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}
	if limit <= 0 || len(all) <= limit {
		return runlog.Page{Events: all}, nil
	}
	page := all[:limit]
	return runlog.Page{Events: page, NextCursor: page[len(page)-1].EventID}, nil
}

// RecoverCrashed implements store.Store's component H: every run still in
// an active status when the process starts is assumed to have been
// abandoned mid-execution by a crashed worker, so it is force-interrupted,
// its pending approvals rejected, and its session released — all inside one
// transaction so a second server racing the same startup sees a consistent
// view.
func (s *Store) RecoverCrashed(ctx context.Context) (store.RecoveryReport, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.withTransaction(ctx, func(tctx context.Context) (any, error) {
		var report store.RecoveryReport
		statuses := make([]run.Status, 0, len(run.ActiveStatuses))
		for st := range run.ActiveStatuses {
			statuses = append(statuses, st)
		}
		cur, err := s.runs.Find(tctx, bson.M{"status": bson.M{"$in": statuses}})
		if err != nil {
			return nil, err
		}
		var active []runDoc
		for cur.Next(tctx) {
			var doc runDoc
			if err := cur.Decode(&doc); err != nil {
				_ = cur.Close(tctx)
				return nil, err
			}
			active = append(active, doc)
		}
		if err := cur.Err(); err != nil {
			return nil, err
		}
		_ = cur.Close(tctx)

		now := time.Now().UTC()
		recoveredRunIDs := make([]string, 0, len(active))
		for _, doc := range active {
			already, err := s.events.CountDocuments(tctx, bson.M{"run_id": doc.RunID, "type": runlog.TypeRunInterrupted})
			if err != nil {
				return nil, err
			}
			if already == 0 {
				seq := doc.EventSeq + 1
				ev := runlog.Event{
					EventID:   ids.Event(doc.RunID, seq),
					Seq:       seq,
					SessionID: doc.SessionID,
					RunID:     doc.RunID,
					Type:      runlog.TypeRunInterrupted,
					Timestamp: now,
					Payload:   runlog.MarshalPayload(map[string]string{"status": "interrupted", "reason": "process_restarted"}),
				}
				if _, err := s.events.InsertOne(tctx, fromEvent(ev)); err != nil {
					return nil, err
				}
				doc.EventSeq = seq
			}

			startedAt := doc.StartedAt
			if startedAt == nil {
				startedAt = &doc.CreatedAt
			}
			endedAt := doc.EndedAt
			if endedAt == nil {
				endedAt = &now
			}
			if _, err := s.runs.UpdateOne(tctx, bson.M{"run_id": doc.RunID}, bson.M{"$set": bson.M{
				"status":              run.StatusInterrupted,
				"interrupt_requested": true,
				"started_at":          startedAt,
				"ended_at":            endedAt,
				"pending_approval_id": "",
				"event_seq":           doc.EventSeq,
			}}); err != nil {
				return nil, err
			}
			report.RunsInterrupted++
			recoveredRunIDs = append(recoveredRunIDs, doc.RunID)

			res, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": doc.SessionID, "active_run_id": doc.RunID},
				bson.M{"$set": bson.M{"active_run_id": ""}})
			if err != nil {
				return nil, err
			}
			if res.ModifiedCount > 0 {
				report.SessionsDeactivated++
			}
		}

		if len(recoveredRunIDs) > 0 {
			res, err := s.approvals.UpdateMany(tctx,
				bson.M{"run_id": bson.M{"$in": recoveredRunIDs}, "status": approval.StatusPending},
				bson.M{"$set": bson.M{"status": approval.StatusRejected, "decided_at": now}},
			)
			if err != nil {
				return nil, err
			}
			report.ApprovalsRejected = int(res.ModifiedCount)
		}

		affectedSessions := map[string]bool{}
		for _, doc := range active {
			affectedSessions[doc.SessionID] = true
		}
		for sessID := range affectedSessions {
			count, err := s.approvals.CountDocuments(tctx, bson.M{"session_id": sessID, "status": approval.StatusPending})
			if err != nil {
				return nil, err
			}
			if _, err := s.sessions.UpdateOne(tctx, bson.M{"session_id": sessID}, bson.M{"$set": bson.M{"pending_approval_count": count}}); err != nil {
				return nil, err
			}
		}

		return report, nil
	})
	if err != nil {
		return store.RecoveryReport{}, err
	}
	return result.(store.RecoveryReport), nil
}

// Metrics implements store.Store. It scans every run document; this is
// acceptable for the metrics/alerts surface (component I), which is polled
// on a coarse interval rather than per-request.
func (s *Store) Metrics(ctx context.Context) (store.RunMetrics, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, bson.M{})
	if err != nil {
		return store.RunMetrics{}, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var m store.RunMetrics
	var latencies []float64
	var completed, failed, interrupted int
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return store.RunMetrics{}, err
		}
		r := doc.toRun()
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
	if err := cur.Err(); err != nil {
		return store.RunMetrics{}, err
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
