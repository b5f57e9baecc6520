package mongo

import (
	"time"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
)

type idempotencyEntryDoc struct {
	Key                string `bson:"key"`
	MessageFingerprint string `bson:"message_fingerprint"`
	RunID              string `bson:"run_id"`
}

type sessionDoc struct {
	SessionID            string                 `bson:"session_id"`
	TenantID             string                 `bson:"tenant_id"`
	WorkspaceName        string                 `bson:"workspace_name"`
	CreatedAt            time.Time              `bson:"created_at"`
	WorkflowState        session.WorkflowState  `bson:"workflow_state"`
	AutoApprove          bool                   `bson:"auto_approve"`
	ActiveRunID          string                 `bson:"active_run_id"`
	PendingApprovalCount int                    `bson:"pending_approval_count"`
	ResumePath           string                 `bson:"resume_path"`
	JDText               string                 `bson:"jd_text"`
	JDURL                string                 `bson:"jd_url"`
	LatestExportPath     string                 `bson:"latest_export_path"`
	IdempotencyKeys      []idempotencyEntryDoc  `bson:"idempotency_keys,omitempty"`
	Conversation         []byte                 `bson:"conversation,omitempty"`
}

func (d sessionDoc) toSession() session.Session {
	s := session.Session{
		SessionID:            d.SessionID,
		TenantID:             d.TenantID,
		WorkspaceName:        d.WorkspaceName,
		CreatedAt:            d.CreatedAt,
		WorkflowState:        d.WorkflowState,
		Settings:             session.Settings{AutoApprove: d.AutoApprove},
		ActiveRunID:          d.ActiveRunID,
		PendingApprovalCount: d.PendingApprovalCount,
		ResumePath:           d.ResumePath,
		JDText:               d.JDText,
		JDURL:                d.JDURL,
		LatestExportPath:     d.LatestExportPath,
		IdempotencyKeys:      make(map[string]session.IdempotencyEntry, len(d.IdempotencyKeys)),
		Conversation:         d.Conversation,
	}
	for _, e := range d.IdempotencyKeys {
		s.IdempotencyKeys[e.Key] = session.IdempotencyEntry{MessageFingerprint: e.MessageFingerprint, RunID: e.RunID}
	}
	return s
}

func fromSession(s session.Session) sessionDoc {
	d := sessionDoc{
		SessionID:            s.SessionID,
		TenantID:             s.TenantID,
		WorkspaceName:        s.WorkspaceName,
		CreatedAt:            s.CreatedAt,
		WorkflowState:        s.WorkflowState,
		AutoApprove:          s.Settings.AutoApprove,
		ActiveRunID:          s.ActiveRunID,
		PendingApprovalCount: s.PendingApprovalCount,
		ResumePath:           s.ResumePath,
		JDText:               s.JDText,
		JDURL:                s.JDURL,
		LatestExportPath:     s.LatestExportPath,
		Conversation:         s.Conversation,
	}
	for k, v := range s.IdempotencyKeys {
		d.IdempotencyKeys = append(d.IdempotencyKeys, idempotencyEntryDoc{Key: k, MessageFingerprint: v.MessageFingerprint, RunID: v.RunID})
	}
	return d
}

type runErrorDoc struct {
	Code    string `bson:"code"`
	Message string `bson:"message"`
}

type runDoc struct {
	RunID              string       `bson:"run_id"`
	SessionID          string       `bson:"session_id"`
	CreatedAt          time.Time    `bson:"created_at"`
	Message            string       `bson:"message"`
	Status             run.Status   `bson:"status"`
	StartedAt          *time.Time   `bson:"started_at,omitempty"`
	EndedAt            *time.Time   `bson:"ended_at,omitempty"`
	InterruptRequested bool         `bson:"interrupt_requested"`
	UsageFinalized     bool         `bson:"usage_finalized"`
	PendingApprovalID  string       `bson:"pending_approval_id,omitempty"`
	UsageTokens        int64        `bson:"usage_tokens"`
	EstimatedCostUSD   float64      `bson:"estimated_cost_usd"`
	Error              *runErrorDoc `bson:"error,omitempty"`
	EventSeq           int64        `bson:"event_seq"`
}

func (d runDoc) toRun() run.Run {
	r := run.Run{
		RunID:              d.RunID,
		SessionID:          d.SessionID,
		CreatedAt:          d.CreatedAt,
		Message:            d.Message,
		Status:             d.Status,
		StartedAt:          d.StartedAt,
		EndedAt:            d.EndedAt,
		InterruptRequested: d.InterruptRequested,
		UsageFinalized:     d.UsageFinalized,
		PendingApprovalID:  d.PendingApprovalID,
		UsageTokens:        d.UsageTokens,
		EstimatedCostUSD:   d.EstimatedCostUSD,
		EventSeq:           d.EventSeq,
	}
	if d.Error != nil {
		r.Error = &run.Error{Code: d.Error.Code, Message: d.Error.Message}
	}
	return r
}

func fromRun(r run.Run) runDoc {
	d := runDoc{
		RunID:              r.RunID,
		SessionID:          r.SessionID,
		CreatedAt:          r.CreatedAt,
		Message:            r.Message,
		Status:             r.Status,
		StartedAt:          r.StartedAt,
		EndedAt:            r.EndedAt,
		InterruptRequested: r.InterruptRequested,
		UsageFinalized:     r.UsageFinalized,
		PendingApprovalID:  r.PendingApprovalID,
		UsageTokens:        r.UsageTokens,
		EstimatedCostUSD:   r.EstimatedCostUSD,
		EventSeq:           r.EventSeq,
	}
	if r.Error != nil {
		d.Error = &runErrorDoc{Code: r.Error.Code, Message: r.Error.Message}
	}
	return d
}

type approvalDoc struct {
	ApprovalID string         `bson:"approval_id"`
	SessionID  string         `bson:"session_id"`
	RunID      string         `bson:"run_id"`
	ToolName   string         `bson:"tool_name"`
	Args       map[string]any `bson:"args,omitempty"`
	Status     approval.Status `bson:"status"`
	CreatedAt  time.Time      `bson:"created_at"`
	DecidedAt  *time.Time     `bson:"decided_at,omitempty"`
}

func (d approvalDoc) toApproval() approval.Approval {
	return approval.Approval{
		ApprovalID: d.ApprovalID,
		SessionID:  d.SessionID,
		RunID:      d.RunID,
		ToolName:   d.ToolName,
		Args:       d.Args,
		Status:     d.Status,
		CreatedAt:  d.CreatedAt,
		DecidedAt:  d.DecidedAt,
	}
}

func fromApproval(a approval.Approval) approvalDoc {
	return approvalDoc{
		ApprovalID: a.ApprovalID,
		SessionID:  a.SessionID,
		RunID:      a.RunID,
		ToolName:   a.ToolName,
		Args:       a.Args,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
		DecidedAt:  a.DecidedAt,
	}
}

type eventDoc struct {
	EventID   string    `bson:"event_id"`
	Seq       int64     `bson:"seq"`
	SessionID string    `bson:"session_id"`
	RunID     string    `bson:"run_id"`
	Type      runlog.Type `bson:"type"`
	Timestamp time.Time `bson:"ts"`
	Payload   []byte    `bson:"payload,omitempty"`
}

func (d eventDoc) toEvent() runlog.Event {
	return runlog.Event{
		EventID:   d.EventID,
		Seq:       d.Seq,
		SessionID: d.SessionID,
		RunID:     d.RunID,
		Type:      d.Type,
		Timestamp: d.Timestamp,
		Payload:   d.Payload,
	}
}

func fromEvent(e runlog.Event) eventDoc {
	return eventDoc{
		EventID:   e.EventID,
		Seq:       e.Seq,
		SessionID: e.SessionID,
		RunID:     e.RunID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}
