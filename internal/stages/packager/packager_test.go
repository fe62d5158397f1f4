package packager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	gomock "go.uber.org/mock/gomock"

	"github.com/forseti-judge/worker/internal/stages/packager"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/tests/mocks"
)

func TestStageCode_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	codeStore := mocks.NewMockAttachmentStore(ctrl)
	sub := submission.Submission{ID: 12, Code: submission.Attachment{ID: "code/12", Bucket: "submissions"}}
	codeStore.EXPECT().Download(gomock.Any(), sub.Code).Return([]byte("print(input())"), nil)

	p := packager.NewPackager(codeStore, mocks.NewMockAttachmentStore(ctrl), t.TempDir())

	staged, err := p.StageCode(context.Background(), sub, "main.py")
	if err != nil {
		t.Fatalf("StageCode failed: %v", err)
	}
	defer os.RemoveAll(staged.DirPath)

	if filepath.Base(staged.FilePath) != "main.py" {
		t.Fatalf("expected staged file main.py, got %s", staged.FilePath)
	}
	if !strings.Contains(filepath.Base(staged.DirPath), "forseti-submission-12-") {
		t.Fatalf("staging directory should be scoped to the submission, got %s", staged.DirPath)
	}
	content, err := os.ReadFile(staged.FilePath)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(content) != "print(input())" {
		t.Fatalf("unexpected staged content %q", content)
	}
}

func TestStageCode_DistinctDirectoriesPerCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	codeStore := mocks.NewMockAttachmentStore(ctrl)
	codeStore.EXPECT().Download(gomock.Any(), gomock.Any()).Return([]byte("x"), nil).Times(2)

	p := packager.NewPackager(codeStore, nil, t.TempDir())
	sub := submission.Submission{ID: 5}

	first, err := p.StageCode(context.Background(), sub, "main.cpp")
	if err != nil {
		t.Fatalf("StageCode failed: %v", err)
	}
	second, err := p.StageCode(context.Background(), sub, "main.cpp")
	if err != nil {
		t.Fatalf("StageCode failed: %v", err)
	}
	if first.DirPath == second.DirPath {
		t.Fatalf("expected distinct staging directories, both were %s", first.DirPath)
	}
}

func TestStageCode_InvalidFileName(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p := packager.NewPackager(mocks.NewMockAttachmentStore(ctrl), nil, t.TempDir())
	if _, err := p.StageCode(context.Background(), submission.Submission{ID: 1}, "../evil.py"); err == nil {
		t.Fatalf("expected error for path traversal file name")
	}
}

func TestStageCode_DownloadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	codeStore := mocks.NewMockAttachmentStore(ctrl)
	codeStore.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, pkgerrors.ErrAttachmentNotFound)

	tmp := t.TempDir()
	p := packager.NewPackager(codeStore, nil, tmp)
	_, err := p.StageCode(context.Background(), submission.Submission{ID: 1}, "main.py")
	if !errors.Is(err, pkgerrors.ErrAttachmentNotFound) {
		t.Fatalf("expected ErrAttachmentNotFound, got %v", err)
	}

	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("no staging directory should be left behind, found %d entries", len(entries))
	}
}

func TestLoadTestCases_PlainCSV(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	testStore := mocks.NewMockAttachmentStore(ctrl)
	problem := submission.Problem{ID: 3, TestCases: submission.Attachment{ID: "p3/tests.csv", Filename: "tests.csv"}}
	testStore.EXPECT().Download(gomock.Any(), problem.TestCases).Return([]byte("2 3,5\n10 20,30\n"), nil)

	p := packager.NewPackager(nil, testStore, t.TempDir())
	testCases, err := p.LoadTestCases(context.Background(), problem)
	if err != nil {
		t.Fatalf("LoadTestCases failed: %v", err)
	}

	expected := []submission.TestCase{
		{Input: "2 3", ExpectedOutput: "5"},
		{Input: "10 20", ExpectedOutput: "30"},
	}
	if len(testCases) != len(expected) {
		t.Fatalf("expected %d test cases, got %d", len(expected), len(testCases))
	}
	for i := range expected {
		if testCases[i] != expected[i] {
			t.Fatalf("test case %d: expected %+v, got %+v", i, expected[i], testCases[i])
		}
	}
}

func TestLoadTestCases_ZstdCompressed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	compressed := encoder.EncodeAll([]byte("1,1\n2,4\n3,9\n"), nil)
	encoder.Close()

	testStore := mocks.NewMockAttachmentStore(ctrl)
	problem := submission.Problem{ID: 4, TestCases: submission.Attachment{ID: "p4", Filename: "tests.csv.zst"}}
	testStore.EXPECT().Download(gomock.Any(), problem.TestCases).Return(compressed, nil)

	p := packager.NewPackager(nil, testStore, t.TempDir())
	testCases, err := p.LoadTestCases(context.Background(), problem)
	if err != nil {
		t.Fatalf("LoadTestCases failed: %v", err)
	}
	if len(testCases) != 3 || testCases[2].ExpectedOutput != "9" {
		t.Fatalf("unexpected test cases %+v", testCases)
	}
}

func TestLoadTestCases_CorruptZstd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	testStore := mocks.NewMockAttachmentStore(ctrl)
	problem := submission.Problem{TestCases: submission.Attachment{ID: "p", ContentType: "application/zstd"}}
	testStore.EXPECT().Download(gomock.Any(), gomock.Any()).Return([]byte("not zstd"), nil)

	p := packager.NewPackager(nil, testStore, t.TempDir())
	_, err := p.LoadTestCases(context.Background(), problem)
	if !errors.Is(err, pkgerrors.ErrMalformedTestCases) {
		t.Fatalf("expected ErrMalformedTestCases, got %v", err)
	}
}

func TestParseTestCases_QuotedFields(t *testing.T) {
	testCases, err := packager.ParseTestCases(strings.NewReader("\"1,2\",\"a\nb\"\n"))
	if err != nil {
		t.Fatalf("ParseTestCases failed: %v", err)
	}
	if len(testCases) != 1 {
		t.Fatalf("expected one test case, got %d", len(testCases))
	}
	if testCases[0].Input != "1,2" || testCases[0].ExpectedOutput != "a\nb" {
		t.Fatalf("unexpected test case %+v", testCases[0])
	}
}

func TestParseTestCases_ExtraColumnsIgnored(t *testing.T) {
	testCases, err := packager.ParseTestCases(strings.NewReader("1 2,3,note\n4 5,9\n"))
	if err != nil {
		t.Fatalf("ParseTestCases failed: %v", err)
	}
	if len(testCases) != 2 {
		t.Fatalf("expected two test cases, got %d", len(testCases))
	}
	if testCases[0].Input != "1 2" || testCases[0].ExpectedOutput != "3" {
		t.Fatalf("unexpected test case %+v", testCases[0])
	}
	if testCases[1].Input != "4 5" || testCases[1].ExpectedOutput != "9" {
		t.Fatalf("unexpected test case %+v", testCases[1])
	}
}

func TestParseTestCases_SingleColumn(t *testing.T) {
	_, err := packager.ParseTestCases(strings.NewReader("1 2,3\nlonely\n"))
	if !errors.Is(err, pkgerrors.ErrMalformedTestCases) {
		t.Fatalf("expected ErrMalformedTestCases, got %v", err)
	}
}

func TestParseTestCases_BlankLinesSkipped(t *testing.T) {
	testCases, err := packager.ParseTestCases(strings.NewReader("1,1\n\n2,2\r\n"))
	if err != nil {
		t.Fatalf("ParseTestCases failed: %v", err)
	}
	if len(testCases) != 2 || testCases[1].ExpectedOutput != "2" {
		t.Fatalf("unexpected test cases %+v", testCases)
	}
}

func TestParseTestCases_Empty(t *testing.T) {
	testCases, err := packager.ParseTestCases(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParseTestCases failed: %v", err)
	}
	if len(testCases) != 0 {
		t.Fatalf("expected no test cases, got %d", len(testCases))
	}
}
