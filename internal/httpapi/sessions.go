package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"time"

	"github.com/resume-agent/runtime/internal/apierror"
)

type createSessionRequest struct {
	WorkspaceName string `json:"workspace_name"`
	AutoApprove   bool   `json:"auto_approve"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "read request body", err))
		return
	}
	if err := s.schemas.validateBody("create_session", body); err != nil {
		writeError(w, err)
		return
	}

	var req createSessionRequest
	if len(body) > 0 {
		if err := decodeJSONBytes(body, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.WorkspaceName == "" {
		req.WorkspaceName = "default"
	}

	sess, err := s.Store.CreateSession(r.Context(), tenantID(r), req.WorkspaceName, req.AutoApprove)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Workspace != nil {
		if err := s.Workspace.CreateWorkspace(r.Context(), sess.SessionID, req.WorkspaceName); err != nil {
			writeError(w, apierror.Wrap(apierror.CodeInternal, "create workspace", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.GetSession(r.Context(), tenantID(r), pathVar(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

type autoApproveRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetAutoApprove(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "read request body", err))
		return
	}
	if err := s.schemas.validateBody("auto_approve", body); err != nil {
		writeError(w, err)
		return
	}
	var req autoApproveRequest
	if err := decodeJSONBytes(body, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Store.SetAutoApprove(r.Context(), tenantID(r), pathVar(r, "sid"), req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": sess.Settings.AutoApprove})
}

// handleUploadResume implements POST /sessions/{sid}/resume, per spec.md
// §6: multipart upload, size/MIME validation, workflow advance.
func (s *Server) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	tid := tenantID(r)

	if _, err := s.Store.GetSession(r.Context(), tid, sid); err != nil {
		writeError(w, err)
		return
	}

	maxBytes := s.Config.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, apierror.Wrap(apierror.CodeUploadTooLarge, "upload exceeds the configured size limit", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "missing multipart field \"file\"", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeInternal, "read uploaded file", err))
		return
	}
	if int64(len(data)) > maxBytes {
		writeError(w, apierror.Newf(apierror.CodeUploadTooLarge, "upload exceeds %d byte limit", maxBytes))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if len(s.Config.AllowedUploadMIMETypes) > 0 && !slices.Contains(s.Config.AllowedUploadMIMETypes, contentType) {
		writeError(w, apierror.Newf(apierror.CodeUnsupportedFileType, "content type %q is not allowed", contentType))
		return
	}

	filename := header.Filename
	if filename == "" {
		filename = "resume.md"
	}
	if s.Workspace == nil {
		writeError(w, apierror.New(apierror.CodeServerMisconfigured, "no workspace provider configured"))
		return
	}
	meta, err := s.Workspace.SaveUploadedFile(r.Context(), sid, filename, data)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.Store.SetResumePath(r.Context(), tid, sid, meta.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(updated))
}

type setJDRequest struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

func (s *Server) handleSetJD(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	tid := tenantID(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "read request body", err))
		return
	}
	if err := s.schemas.validateBody("set_jd", body); err != nil {
		writeError(w, err)
		return
	}
	var req setJDRequest
	if len(body) > 0 {
		if err := decodeJSONBytes(body, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	sess, err := s.Store.GetSession(r.Context(), tid, sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ResumePath == "" {
		writeError(w, apierror.New(apierror.CodeInvalidState, "a resume must be uploaded before providing a job description"))
		return
	}

	updated, err := s.Store.SetJD(r.Context(), tid, sid, req.Text, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(updated))
}

// handleExport implements POST /sessions/{sid}/export, grounded on
// original_source's export_session/_build_export_content: it takes the
// session's resume file (or, absent that, the first listed file),
// prefixes it with a fixed export header, and writes the result under
// exports/<stem>-export-<timestamp>.md via the artifact provider if one
// is configured, else the workspace provider.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	tid := tenantID(r)

	sess, err := s.Store.GetSession(r.Context(), tid, sid)
	if err != nil {
		writeError(w, err)
		return
	}

	sourcePath := sess.ResumePath
	if sourcePath == "" {
		files, err := s.listMergedFiles(r.Context(), sid)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(files) == 0 {
			writeError(w, apierror.New(apierror.CodeInvalidState, "no files available to export"))
			return
		}
		sourcePath = files[0].Path
	}

	content, err := s.readMergedFile(r.Context(), sid, sourcePath)
	if err != nil {
		writeError(w, err)
		return
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	stem := path.Base(sourcePath)
	if ext := path.Ext(stem); ext != "" {
		stem = stem[:len(stem)-len(ext)]
	}
	exportName := fmt.Sprintf("exports/%s-export-%s.md", stem, timestamp)
	exportContent := buildExportContent(content)

	var meta struct {
		Path string
	}
	if s.Artifacts != nil {
		m, err := s.Artifacts.WriteFile(r.Context(), sid, exportName, exportContent)
		if err != nil {
			writeError(w, err)
			return
		}
		meta.Path = m.Path
	} else if s.Workspace != nil {
		m, err := s.Workspace.WriteFile(r.Context(), sid, exportName, exportContent)
		if err != nil {
			writeError(w, err)
			return
		}
		meta.Path = m.Path
	} else {
		writeError(w, apierror.New(apierror.CodeServerMisconfigured, "no workspace or artifact provider configured"))
		return
	}

	updated, err := s.Store.SetLatestExportPath(r.Context(), tid, sid, meta.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(updated))
}

func buildExportContent(source []byte) []byte {
	const header = "# Exported Resume\n\nGenerated by the resume agent runtime.\n\n---\n\n"
	return append([]byte(header), source...)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	if _, err := s.Store.GetSession(r.Context(), tenantID(r), sid); err != nil {
		writeError(w, err)
		return
	}
	usage, err := s.Store.UsageForSession(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_count":             usage.RunCount,
		"completed_run_count":   usage.CompletedRunCount,
		"total_tokens":          usage.TotalTokens,
		"total_estimated_cost_usd": usage.TotalEstimatedCost,
	})
}
