package packager

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/storage"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/utils"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// StagedCode is the submitted code materialized on local disk.
type StagedCode struct {
	DirPath  string
	FilePath string
}

type Packager interface {
	// StageCode downloads the code into a fresh directory scoped to the submission.
	// The caller owns the directory and removes it when done.
	StageCode(ctx context.Context, sub submission.Submission, fileName string) (*StagedCode, error)
	// LoadTestCases returns the ordered test cases of the problem.
	LoadTestCases(ctx context.Context, problem submission.Problem) ([]submission.TestCase, error)
}

type packager struct {
	logger     *zap.SugaredLogger
	codeStore  storage.AttachmentStore
	testStore  storage.AttachmentStore
	tmpDirPath string
}

func NewPackager(codeStore, testStore storage.AttachmentStore, tmpDirPath string) Packager {
	if tmpDirPath == "" {
		tmpDirPath = constants.TmpDirPath
	}
	return &packager{
		logger:     logger.NewNamedLogger("packager"),
		codeStore:  codeStore,
		testStore:  testStore,
		tmpDirPath: tmpDirPath,
	}
}

func (p *packager) StageCode(ctx context.Context, sub submission.Submission, fileName string) (*StagedCode, error) {
	if err := utils.ValidateFilename(fileName); err != nil {
		return nil, err
	}

	content, err := p.codeStore.Download(ctx, sub.Code)
	if err != nil {
		return nil, fmt.Errorf("download code of submission %d: %w", sub.ID, err)
	}

	if err := os.MkdirAll(p.tmpDirPath, 0o755); err != nil {
		return nil, err
	}
	dirPath, err := os.MkdirTemp(p.tmpDirPath, fmt.Sprintf(constants.StagingDirPattern, sub.ID))
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	filePath := filepath.Join(dirPath, fileName)
	if err := writeDurably(filePath, content); err != nil {
		_ = utils.RemoveIO(dirPath, true, true)
		return nil, fmt.Errorf("stage code of submission %d: %w", sub.ID, err)
	}

	p.logger.Infof("Staged code of submission %d at %s", sub.ID, filePath)
	return &StagedCode{DirPath: dirPath, FilePath: filePath}, nil
}

// writeDurably writes and fsyncs the file so it is on disk before a sandbox reads it.
func writeDurably(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *packager) LoadTestCases(ctx context.Context, problem submission.Problem) ([]submission.TestCase, error) {
	content, err := p.testStore.Download(ctx, problem.TestCases)
	if err != nil {
		return nil, fmt.Errorf("download test cases of problem %d: %w", problem.ID, err)
	}

	if isZstd(problem.TestCases, content) {
		content, err = decompressZstd(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedTestCases, err)
		}
	}

	testCases, err := ParseTestCases(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	p.logger.Infof("Loaded %d test cases of problem %d", len(testCases), problem.ID)
	return testCases, nil
}

// ParseTestCases reads CSV rows of input and expected output.
// Quoted fields may contain commas and newlines. Columns past the second are ignored.
func ParseTestCases(r io.Reader) ([]submission.TestCase, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	testCases := []submission.TestCase{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedTestCases, err)
		}
		if len(record) < constants.TestCaseColumns {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d has %d column(s)", pkgerrors.ErrMalformedTestCases, line, len(record))
		}
		testCases = append(testCases, submission.TestCase{
			Input:          record[0],
			ExpectedOutput: record[1],
		})
	}
	return testCases, nil
}

func isZstd(attachment submission.Attachment, content []byte) bool {
	if attachment.ContentType == constants.ZstdContentType {
		return true
	}
	if strings.HasSuffix(attachment.Filename, constants.ZstdExtension) {
		return true
	}
	return bytes.HasPrefix(content, zstdMagic)
}

func decompressZstd(content []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(content, nil)
}
