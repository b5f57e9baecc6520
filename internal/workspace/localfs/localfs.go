// Package localfs is a plain os-backed WorkspaceProvider: each session gets
// its own subdirectory under a configured root. It is the default provider
// when no object storage is configured.
package localfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/workspace"
)

// Provider implements workspace.WorkspaceProvider over the local
// filesystem.
type Provider struct {
	root string
}

// New returns a Provider rooted at root, creating it if necessary.
func New(root string) (*Provider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Provider{root: root}, nil
}

func (p *Provider) sessionDir(sessionID string) string {
	return filepath.Join(p.root, sessionID)
}

// resolve joins relPath onto the session directory, rejecting any path
// that would escape it.
func (p *Provider) resolve(sessionID, relPath string) (string, error) {
	clean := filepath.Clean("/" + relPath)[1:]
	if clean == "" || clean == "." {
		return "", apierror.New(apierror.CodeBadRequest, "empty file path")
	}
	return filepath.Join(p.sessionDir(sessionID), clean), nil
}

// CreateWorkspace creates the session's directory.
func (p *Provider) CreateWorkspace(_ context.Context, sessionID, _ string) error {
	return os.MkdirAll(p.sessionDir(sessionID), 0o755)
}

// SaveUploadedFile writes data under the session directory and returns its
// metadata.
func (p *Provider) SaveUploadedFile(ctx context.Context, sessionID, filename string, data []byte) (workspace.FileMeta, error) {
	return p.WriteFile(ctx, sessionID, filename, data)
}

// ListFiles walks the session directory and returns every regular file's
// metadata, relative to the session root.
func (p *Provider) ListFiles(_ context.Context, sessionID string) ([]workspace.FileMeta, error) {
	root := p.sessionDir(sessionID)
	var out []workspace.FileMeta
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, workspace.FileMeta{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

// ReadFile reads a file's content and metadata.
func (p *Provider) ReadFile(_ context.Context, sessionID, relPath string) (workspace.Content, error) {
	full, err := p.resolve(sessionID, relPath)
	if err != nil {
		return workspace.Content{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return workspace.Content{}, apierror.New(apierror.CodeFileNotFound, "file not found")
		}
		return workspace.Content{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return workspace.Content{}, err
	}
	return workspace.Content{
		Meta: workspace.FileMeta{Path: relPath, SizeBytes: info.Size(), ModTime: info.ModTime().UTC()},
		Data: data,
	}, nil
}

// WriteFile writes data to relPath under the session directory, creating
// parent directories as needed.
func (p *Provider) WriteFile(_ context.Context, sessionID, relPath string, data []byte) (workspace.FileMeta, error) {
	full, err := p.resolve(sessionID, relPath)
	if err != nil {
		return workspace.FileMeta{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return workspace.FileMeta{}, err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return workspace.FileMeta{}, err
	}
	return workspace.FileMeta{Path: relPath, SizeBytes: int64(len(data)), ModTime: time.Now().UTC()}, nil
}

// DeleteWorkspace removes the session's directory and returns the number
// of files it contained.
func (p *Provider) DeleteWorkspace(ctx context.Context, sessionID string) (int, error) {
	files, err := p.ListFiles(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(p.sessionDir(sessionID)); err != nil {
		return 0, err
	}
	return len(files), nil
}
