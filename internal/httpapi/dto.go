package httpapi

import (
	"time"

	"github.com/resume-agent/runtime/internal/approval"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/workspace"
)

// sessionDTO is the wire shape of a session record, per spec.md §6.
type sessionDTO struct {
	SessionID            string                `json:"session_id"`
	TenantID              string                `json:"tenant_id"`
	WorkspaceName         string                `json:"workspace_name"`
	CreatedAt             time.Time             `json:"created_at"`
	WorkflowState         session.WorkflowState `json:"workflow_state"`
	AutoApprove           bool                  `json:"auto_approve"`
	ActiveRunID           string                `json:"active_run_id,omitempty"`
	PendingApprovalCount  int                   `json:"pending_approval_count"`
	ResumePath            string                `json:"resume_path,omitempty"`
	JDText                string                `json:"jd_text,omitempty"`
	JDURL                 string                `json:"jd_url,omitempty"`
	LatestExportPath      string                `json:"latest_export_path,omitempty"`
}

func toSessionDTO(s session.Session) sessionDTO {
	return sessionDTO{
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
	}
}

// runDTO is the wire shape of a run record, per spec.md §6. Events are
// omitted, per the table's "events omitted ... at impl discretion" note;
// clients fetch the journal via the stream endpoint instead.
type runDTO struct {
	RunID              string     `json:"run_id"`
	SessionID          string     `json:"session_id"`
	CreatedAt          time.Time  `json:"created_at"`
	Message            string     `json:"message"`
	Status             run.Status `json:"status"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	InterruptRequested bool       `json:"interrupt_requested"`
	PendingApprovalID  string     `json:"pending_approval_id,omitempty"`
	UsageTokens        int64      `json:"usage_tokens"`
	EstimatedCostUSD   float64    `json:"estimated_cost_usd"`
	Error              *run.Error `json:"error,omitempty"`
	Reused             bool       `json:"reused,omitempty"`
}

func toRunDTO(r run.Run, reused bool) runDTO {
	return runDTO{
		RunID:              r.RunID,
		SessionID:          r.SessionID,
		CreatedAt:          r.CreatedAt,
		Message:            r.Message,
		Status:             r.Status,
		StartedAt:          r.StartedAt,
		EndedAt:            r.EndedAt,
		InterruptRequested: r.InterruptRequested,
		PendingApprovalID:  r.PendingApprovalID,
		UsageTokens:        r.UsageTokens,
		EstimatedCostUSD:   r.EstimatedCostUSD,
		Error:              r.Error,
		Reused:             reused,
	}
}

// approvalDTO is the wire shape of an approval record, per spec.md §6.
type approvalDTO struct {
	ApprovalID string            `json:"approval_id"`
	SessionID  string            `json:"session_id"`
	RunID      string            `json:"run_id"`
	ToolName   string            `json:"tool_name"`
	Args       map[string]any    `json:"args,omitempty"`
	Status     approval.Status   `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	DecidedAt  *time.Time        `json:"decided_at,omitempty"`
}

func toApprovalDTO(a approval.Approval) approvalDTO {
	return approvalDTO{
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

// fileDTO is the wire shape of a file listing entry, per spec.md §6's
// "merged workspace + artifact listing".
type fileDTO struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

func toFileDTO(f workspace.FileMeta) fileDTO {
	return fileDTO{Path: f.Path, SizeBytes: f.SizeBytes, ModTime: f.ModTime}
}

func toFileDTOs(files []workspace.FileMeta) []fileDTO {
	out := make([]fileDTO, len(files))
	for i, f := range files {
		out[i] = toFileDTO(f)
	}
	return out
}
