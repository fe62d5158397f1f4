package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
)

type localStore struct {
	rootDir string
}

// NewLocalStore serves attachments from the local filesystem. Attachment ids
// are paths, relative ones resolved against rootDir. Uploads land under
// rootDir/<bucket>/<key>.
func NewLocalStore(rootDir string) AttachmentStore {
	return &localStore{rootDir: rootDir}
}

func (s *localStore) resolve(id string) string {
	if filepath.IsAbs(id) {
		return id
	}
	return filepath.Join(s.rootDir, id)
}

func (s *localStore) Download(ctx context.Context, attachment submission.Attachment) ([]byte, error) {
	if attachment.IsZero() {
		return nil, pkgerrors.ErrAttachmentMissing
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.resolve(attachment.ID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrAttachmentNotFound, attachment.ID)
	}
	return content, err
}

func (s *localStore) Upload(ctx context.Context, req UploadRequest, content []byte) (submission.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return submission.Attachment{}, err
	}

	path := filepath.Join(s.rootDir, req.Bucket, req.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return submission.Attachment{}, fmt.Errorf("%w: %w", pkgerrors.ErrFailedToStoreOutput, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return submission.Attachment{}, fmt.Errorf("%w: %w", pkgerrors.ErrFailedToStoreOutput, err)
	}

	return submission.Attachment{
		ID:          req.Key,
		Bucket:      req.Bucket,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}, nil
}
