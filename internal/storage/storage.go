package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
)

// UploadRequest describes a blob to be stored.
type UploadRequest struct {
	Bucket      string
	Key         string
	Filename    string
	ContentType string
}

// AttachmentStore fetches and publishes attachment blobs.
type AttachmentStore interface {
	Download(ctx context.Context, attachment submission.Attachment) ([]byte, error)
	Upload(ctx context.Context, req UploadRequest, content []byte) (submission.Attachment, error)
}

type fileService struct {
	fileStorageURL string
	defaultBucket  string
	client         *http.Client
	logger         *zap.SugaredLogger
}

// NewFileService returns a store backed by the HTTP file-storage service.
func NewFileService(fileStorageURL, defaultBucket string) AttachmentStore {
	return &fileService{
		fileStorageURL: fileStorageURL,
		defaultBucket:  defaultBucket,
		client:         &http.Client{},
		logger:         logger.NewNamedLogger("fileService"),
	}
}

func bucketOf(bucket, fallback string) string {
	if bucket != "" {
		return bucket
	}
	return fallback
}

func (fs *fileService) Download(ctx context.Context, attachment submission.Attachment) ([]byte, error) {
	if attachment.IsZero() {
		return nil, pkgerrors.ErrAttachmentMissing
	}
	bucket := bucketOf(attachment.Bucket, fs.defaultBucket)
	fs.logger.Infof("Downloading attachment %s from bucket %s", attachment.ID, bucket)

	// {baseUrl}/buckets/:bucketName/:objectKey?metadataOnly=false
	requestURL := fmt.Sprintf("%s/buckets/%s/%s?metadataOnly=false",
		fs.fileStorageURL, url.PathEscape(bucket), attachment.ID)

	ctx, cancel := context.WithTimeout(ctx, constants.DownloadTimeoutSecs*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := fs.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", pkgerrors.ErrAttachmentNotFound, bucket, attachment.ID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fs.logger.Errorf("Failed to download attachment %s. %s", attachment.ID, resp.Status)
		return nil, fmt.Errorf("download %s: %s: %s", attachment.ID, resp.Status, bytes.TrimSpace(body))
	}

	return io.ReadAll(resp.Body)
}

func (fs *fileService) Upload(ctx context.Context, req UploadRequest, content []byte) (submission.Attachment, error) {
	bucket := bucketOf(req.Bucket, fs.defaultBucket)

	body, contentType, err := prepareMultipartBody(req, content)
	if err != nil {
		return submission.Attachment{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, constants.UploadTimeoutSecs*time.Second)
	defer cancel()

	requestURL := fmt.Sprintf("%s/buckets/%s", fs.fileStorageURL, url.PathEscape(bucket))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return submission.Attachment{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := fs.client.Do(httpReq)
	if err != nil {
		return submission.Attachment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fs.logger.Errorf("Failed to upload %s: %s", req.Key, bytes.TrimSpace(msg))
		return submission.Attachment{}, fmt.Errorf("%w: %s", pkgerrors.ErrFailedToStoreOutput, resp.Status)
	}

	fs.logger.Infof("Uploaded %s to bucket %s", req.Key, bucket)
	return submission.Attachment{
		ID:          req.Key,
		Bucket:      bucket,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}, nil
}

func prepareMultipartBody(req UploadRequest, content []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("objectKey", req.Key); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("contentType", req.ContentType); err != nil {
		return nil, "", err
	}

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}
