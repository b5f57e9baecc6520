// Package s3artifact is an ArtifactStorageProvider backed by an
// S3-compatible object store via minio-go. It is the optional second
// namespace of spec.md §4.B, overlaid onto a WorkspaceProvider's listing.
package s3artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/workspace"
)

// objectClient is the narrow slice of *minio.Client the provider needs,
// kept as an interface so unit tests can substitute a fake rather than
// standing up a real object store.
type objectClient interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Provider implements workspace.ArtifactStorageProvider.
type Provider struct {
	client objectClient
	bucket string
}

// New wraps an existing *minio.Client. Callers are responsible for having
// created bucket already (or for BucketExists/MakeBucket succeeding before
// first use).
func New(client *minio.Client, bucket string) *Provider {
	return &Provider{client: client, bucket: bucket}
}

func (p *Provider) key(sessionID, relPath string) string {
	return fmt.Sprintf("artifacts/%s/%s", sessionID, relPath)
}

func (p *Provider) prefix(sessionID string) string {
	return fmt.Sprintf("artifacts/%s/", sessionID)
}

// CreateWorkspace is a no-op: object storage has no directories to create.
func (p *Provider) CreateWorkspace(context.Context, string, string) error { return nil }

// SaveUploadedFile uploads data under the session's artifact prefix.
func (p *Provider) SaveUploadedFile(ctx context.Context, sessionID, filename string, data []byte) (workspace.FileMeta, error) {
	return p.WriteFile(ctx, sessionID, filename, data)
}

// ListFiles lists every object under the session's artifact prefix.
func (p *Provider) ListFiles(ctx context.Context, sessionID string) ([]workspace.FileMeta, error) {
	var out []workspace.FileMeta
	prefix := p.prefix(sessionID)
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, workspace.FileMeta{
			Path:      obj.Key[len(prefix):],
			SizeBytes: obj.Size,
			ModTime:   obj.LastModified.UTC(),
		})
	}
	return out, nil
}

// ReadFile fetches one object's content.
func (p *Provider) ReadFile(ctx context.Context, sessionID, relPath string) (workspace.Content, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.key(sessionID, relPath), minio.GetObjectOptions{})
	if err != nil {
		return workspace.Content{}, mapNotFound(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return workspace.Content{}, mapNotFound(err)
	}
	info, err := obj.Stat()
	if err != nil {
		return workspace.Content{}, mapNotFound(err)
	}
	return workspace.Content{
		Meta: workspace.FileMeta{Path: relPath, SizeBytes: info.Size, ModTime: info.LastModified.UTC()},
		Data: data,
	}, nil
}

// WriteFile uploads data to the session's artifact namespace.
func (p *Provider) WriteFile(ctx context.Context, sessionID, relPath string, data []byte) (workspace.FileMeta, error) {
	_, err := p.client.PutObject(ctx, p.bucket, p.key(sessionID, relPath), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return workspace.FileMeta{}, err
	}
	return workspace.FileMeta{Path: relPath, SizeBytes: int64(len(data)), ModTime: time.Now().UTC()}, nil
}

// DeleteWorkspace removes every object under the session's artifact
// prefix and returns how many were removed.
func (p *Provider) DeleteWorkspace(ctx context.Context, sessionID string) (int, error) {
	files, err := p.ListFiles(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := p.client.RemoveObject(ctx, p.bucket, p.key(sessionID, f.Path), minio.RemoveObjectOptions{}); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// CleanupExpired removes every artifact object older than ttl, across all
// sessions, per spec.md §4.I.
func (p *Provider) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: "artifacts/", Recursive: true}) {
		if obj.Err != nil {
			return removed, obj.Err
		}
		if obj.LastModified.UTC().After(cutoff) {
			continue
		}
		if err := p.client.RemoveObject(ctx, p.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func mapNotFound(err error) error {
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
		return apierror.New(apierror.CodeFileNotFound, "file not found")
	}
	return err
}
