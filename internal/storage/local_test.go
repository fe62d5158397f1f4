package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forseti-judge/worker/internal/storage"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/tests"
)

func TestLocalStore_Download(t *testing.T) {
	root := t.TempDir()
	abs := tests.WriteFile(t, t.TempDir(), "main.py", "print(1)")
	tests.WriteFile(t, root, "problems/1.csv", "1,1\n")

	store := storage.NewLocalStore(root)

	content, err := store.Download(context.Background(), submission.Attachment{ID: abs})
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(content))

	content, err = store.Download(context.Background(), submission.Attachment{ID: "problems/1.csv"})
	require.NoError(t, err)
	assert.Equal(t, "1,1\n", string(content))

	_, err = store.Download(context.Background(), submission.Attachment{ID: "missing"})
	assert.ErrorIs(t, err, pkgerrors.ErrAttachmentNotFound)

	_, err = store.Download(context.Background(), submission.Attachment{})
	assert.ErrorIs(t, err, pkgerrors.ErrAttachmentMissing)
}

func TestLocalStore_Upload(t *testing.T) {
	root := t.TempDir()
	store := storage.NewLocalStore(root)

	attachment, err := store.Upload(context.Background(), storage.UploadRequest{
		Bucket:   "executions",
		Key:      "executions/e1/output.csv",
		Filename: "output.csv",
	}, []byte("5\n30"))
	require.NoError(t, err)
	assert.Equal(t, "executions/e1/output.csv", attachment.ID)

	written, err := os.ReadFile(filepath.Join(root, "executions", "executions/e1/output.csv"))
	require.NoError(t, err)
	assert.Equal(t, "5\n30", string(written))
}
