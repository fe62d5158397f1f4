package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
)

const noSuchKeyCode = "NoSuchKey"

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	DefaultBucket string
}

type minioStore struct {
	core          *minio.Core
	defaultBucket string
	logger        *zap.SugaredLogger
}

// NewMinioStore returns a store backed by an S3 compatible MinIO deployment.
func NewMinioStore(cfg MinioConfig) (AttachmentStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials are required")
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}

	return &minioStore{
		core:          core,
		defaultBucket: cfg.DefaultBucket,
		logger:        logger.NewNamedLogger("minioStore"),
	}, nil
}

func (s *minioStore) Download(ctx context.Context, attachment submission.Attachment) ([]byte, error) {
	if attachment.IsZero() {
		return nil, pkgerrors.ErrAttachmentMissing
	}
	bucket := bucketOf(attachment.Bucket, s.defaultBucket)

	obj, _, _, err := s.core.GetObject(ctx, bucket, attachment.ID, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == noSuchKeyCode {
			return nil, fmt.Errorf("%w: %s/%s", pkgerrors.ErrAttachmentNotFound, bucket, attachment.ID)
		}
		return nil, fmt.Errorf("minio get object failed: %w", err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("minio read object failed: %w", err)
	}
	s.logger.Debugf("Downloaded %s/%s (%d bytes)", bucket, attachment.ID, len(content))
	return content, nil
}

func (s *minioStore) Upload(ctx context.Context, req UploadRequest, content []byte) (submission.Attachment, error) {
	if req.Key == "" {
		return submission.Attachment{}, fmt.Errorf("object key is required")
	}
	bucket := bucketOf(req.Bucket, s.defaultBucket)

	opts := minio.PutObjectOptions{ContentType: req.ContentType}
	_, err := s.core.PutObject(ctx, bucket, req.Key, bytes.NewReader(content), int64(len(content)), "", "", opts)
	if err != nil {
		return submission.Attachment{}, fmt.Errorf("%w: %w", pkgerrors.ErrFailedToStoreOutput, err)
	}

	return submission.Attachment{
		ID:          req.Key,
		Bucket:      bucket,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}, nil
}
