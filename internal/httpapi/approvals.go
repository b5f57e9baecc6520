package httpapi

import (
	"io"
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/approval"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.Store.ListPendingApprovals(r.Context(), tenantID(r), pathVar(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]approvalDTO, len(approvals))
	for i, a := range approvals {
		out[i] = toApprovalDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

type decideApprovalRequest struct {
	ApplyToFuture bool `json:"apply_to_future"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.StatusApproved)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.StatusRejected)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision approval.Status) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "read request body", err))
		return
	}
	if err := s.schemas.validateBody("decide_approval", body); err != nil {
		writeError(w, err)
		return
	}
	var req decideApprovalRequest
	if len(body) > 0 {
		if err := decodeJSONBytes(body, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	a, _, err := s.Approvals.Decide(r.Context(), tenantID(r), pathVar(r, "sid"), pathVar(r, "aid"), decision, req.ApplyToFuture)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(a))
}
