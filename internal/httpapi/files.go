package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/workspace"
)

// listMergedFiles implements the merge rule of spec.md §4.B: artifact
// entries win on path collision with workspace entries.
func (s *Server) listMergedFiles(ctx context.Context, sessionID string) ([]workspace.FileMeta, error) {
	var workspaceFiles, artifactFiles []workspace.FileMeta
	if s.Workspace != nil {
		files, err := s.Workspace.ListFiles(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		workspaceFiles = files
	}
	if s.Artifacts != nil {
		files, err := s.Artifacts.ListFiles(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		artifactFiles = files
	}
	return workspace.MergeFileListings(workspaceFiles, artifactFiles), nil
}

// readMergedFile reads relPath from the workspace provider, falling back
// transparently to the artifact provider if the workspace read fails; only
// if both fail is FILE_NOT_FOUND surfaced, per spec.md §7.
func (s *Server) readMergedFile(ctx context.Context, sessionID, relPath string) ([]byte, error) {
	var firstErr error
	if s.Workspace != nil {
		content, err := s.Workspace.ReadFile(ctx, sessionID, relPath)
		if err == nil {
			return content.Data, nil
		}
		firstErr = err
	}
	if s.Artifacts != nil {
		content, err := s.Artifacts.ReadFile(ctx, sessionID, relPath)
		if err == nil {
			return content.Data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = apierror.New(apierror.CodeFileNotFound, "no file provider configured")
	}
	var apiErr *apierror.Error
	if errors.As(firstErr, &apiErr) {
		return nil, apierror.New(apierror.CodeFileNotFound, "file not found: "+relPath)
	}
	return nil, firstErr
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	if _, err := s.Store.GetSession(r.Context(), tenantID(r), sid); err != nil {
		writeError(w, err)
		return
	}
	files, err := s.listMergedFiles(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileDTOs(files))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	relPath := pathVar(r, "path")
	if _, err := s.Store.GetSession(r.Context(), tenantID(r), sid); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.readMergedFile(r.Context(), sid, relPath)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
