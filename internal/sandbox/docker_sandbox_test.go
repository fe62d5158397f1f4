package sandbox_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/forseti-judge/worker/internal/docker"
	. "github.com/forseti-judge/worker/internal/sandbox"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/tests"
	"github.com/forseti-judge/worker/tests/mocks"
)

const testContainerID = "cid-1"

func newStartedSandbox(t *testing.T, ctrl *gomock.Controller) (Sandbox, *mocks.MockDockerClient) {
	t.Helper()
	dc := mocks.NewMockDockerClient(ctrl)
	dc.EXPECT().EnsureImage(gomock.Any(), "python:3.12-slim").Return(nil)
	dc.EXPECT().CreateContainer(gomock.Any(), gomock.Any(), gomock.Any(), "forseti_sb.7").Return(testContainerID, nil)
	dc.EXPECT().StartContainer(gomock.Any(), testContainerID).Return(nil)

	sb, err := NewDockerProvider(dc, Options{}).Create(context.Background(), "python:3.12-slim", 256, "forseti_sb.7")
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	return sb, dc
}

func TestCreate_AppliesIsolationAndMemoryLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dc := mocks.NewMockDockerClient(ctrl)
	dc.EXPECT().EnsureImage(gomock.Any(), "gcc:13").Return(nil)
	dc.EXPECT().CreateContainer(gomock.Any(), gomock.Any(), gomock.Any(), "forseti_sb.1").
		DoAndReturn(func(_ context.Context, cfg *container.Config, host *container.HostConfig, _ string) (string, error) {
			assert.Equal(t, "gcc:13", cfg.Image)
			assert.Equal(t, []string{"sleep", "infinity"}, []string(cfg.Cmd))
			assert.Equal(t, "/app", cfg.WorkingDir)
			assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
			assert.Equal(t, int64(128*1024*1024), host.Memory)
			assert.Equal(t, host.Memory, host.MemorySwap)
			require.NotNil(t, host.PidsLimit)
			assert.Equal(t, int64(64), *host.PidsLimit)
			assert.Equal(t, int64(1_000_000_000), host.NanoCPUs)
			assert.Contains(t, host.SecurityOpt, "no-new-privileges")
			assert.Contains(t, host.CapDrop, "ALL")
			return "cid", nil
		})

	sb, err := NewDockerProvider(dc, Options{}).Create(context.Background(), "gcc:13", 128, "forseti_sb.1")
	require.NoError(t, err)
	assert.Equal(t, "forseti_sb.1", sb.Name())
}

func TestCreate_ImageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dc := mocks.NewMockDockerClient(ctrl)
	dc.EXPECT().EnsureImage(gomock.Any(), "gcc:13").Return(errors.New("registry down"))

	_, err := NewDockerProvider(dc, Options{}).Create(context.Background(), "gcc:13", 128, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry down")
}

func TestExec_BeforeStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dc := mocks.NewMockDockerClient(ctrl)
	dc.EXPECT().EnsureImage(gomock.Any(), gomock.Any()).Return(nil)
	dc.EXPECT().CreateContainer(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("cid", nil)

	sb, err := NewDockerProvider(dc, Options{}).Create(context.Background(), "img", 64, "x")
	require.NoError(t, err)

	_, err = sb.Exec(context.Background(), []string{"true"}, nil, 0)
	assert.ErrorIs(t, err, pkgerrors.ErrSandboxNotStarted)
}

func TestExec_WrapsTimeLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	dc.EXPECT().Exec(gomock.Any(), testContainerID, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, cmd []string, stdin io.Reader, _ int64) (docker.ExecResult, error) {
			assert.Equal(t, []string{"timeout", "--kill-after=1s", "1.500s", "python3", "/app/main.py"}, cmd)
			in, err := io.ReadAll(stdin)
			require.NoError(t, err)
			assert.Equal(t, "2 3", string(in))
			return docker.ExecResult{Stdout: []byte("5\n"), ExitCode: 0}, nil
		})

	out, err := sb.Exec(context.Background(), []string{"python3", "/app/main.py"}, strings.NewReader("2 3"), 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)
}

func TestExec_ExitCodeClassification(t *testing.T) {
	cases := []struct {
		name      string
		result    docker.ExecResult
		timeLimit time.Duration
		wantErr   error
	}{
		{name: "timeout exit", result: docker.ExecResult{ExitCode: 124}, timeLimit: time.Second, wantErr: pkgerrors.ErrSandboxTimeout},
		{name: "sigterm exit", result: docker.ExecResult{ExitCode: 143}, timeLimit: time.Second, wantErr: pkgerrors.ErrSandboxTimeout},
		{name: "oom kill", result: docker.ExecResult{ExitCode: 137}, timeLimit: time.Hour, wantErr: pkgerrors.ErrSandboxOutOfMemory},
		{name: "oom kill without limit", result: docker.ExecResult{ExitCode: 137}, wantErr: pkgerrors.ErrSandboxOutOfMemory},
		{
			name:    "java heap exhaustion",
			result:  docker.ExecResult{ExitCode: 1, Stderr: []byte("Exception in thread \"main\" java.lang.OutOfMemoryError: Java heap space")},
			wantErr: pkgerrors.ErrSandboxOutOfMemory,
		},
		{name: "plain failure", result: docker.ExecResult{ExitCode: 1, Stderr: []byte("boom")}, wantErr: pkgerrors.ErrSandboxExecFailed},
		{name: "segfault", result: docker.ExecResult{ExitCode: 139}, timeLimit: time.Second, wantErr: pkgerrors.ErrSandboxExecFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			sb, dc := newStartedSandbox(t, ctrl)
			dc.EXPECT().Exec(gomock.Any(), testContainerID, gomock.Any(), gomock.Any(), gomock.Any()).Return(tc.result, nil)

			_, err := sb.Exec(context.Background(), []string{"run"}, nil, tc.timeLimit)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestExec_ExecErrorCarriesStderr(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	dc.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(docker.ExecResult{ExitCode: 2, Stderr: []byte("main.cpp:1: error")}, nil)

	_, err := sb.Exec(context.Background(), []string{"g++"}, nil, 0)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Equal(t, "main.cpp:1: error", execErr.Stderr)
}

func TestExec_HostDeadlineIsTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	dc.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(docker.ExecResult{ExitCode: -1}, context.DeadlineExceeded)

	_, err := sb.Exec(context.Background(), []string{"run"}, nil, time.Second)
	assert.ErrorIs(t, err, pkgerrors.ErrSandboxTimeout)
}

func TestExec_OutputLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	dc.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(docker.ExecResult{ExitCode: -1}, pkgerrors.ErrSandboxOutputLimit)

	_, err := sb.Exec(context.Background(), []string{"yes"}, nil, time.Second)
	assert.ErrorIs(t, err, pkgerrors.ErrSandboxOutputLimit)
}

func TestCopyIn_SendsArchiveToParentDir(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	local := tests.WriteFile(t, t.TempDir(), "code.py", "print(1)")

	dc.EXPECT().CopyToContainer(gomock.Any(), testContainerID, "/app", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, r io.Reader) error {
			_, err := io.Copy(io.Discard, r)
			return err
		})

	require.NoError(t, sb.CopyIn(context.Background(), local, "/app/main.py"))
}

func TestCopyIn_MissingFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, _ := newStartedSandbox(t, ctrl)
	err := sb.CopyIn(context.Background(), filepath.Join(t.TempDir(), "missing"), "/app/main.py")
	assert.Error(t, err)
}

func TestKill_IsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sb, dc := newStartedSandbox(t, ctrl)
	dc.EXPECT().KillContainer(gomock.Any(), testContainerID).Return(nil).Times(1)
	dc.EXPECT().RemoveContainer(gomock.Any(), testContainerID).Return(nil).Times(1)

	require.NoError(t, sb.Kill(context.Background()))
	require.NoError(t, sb.Kill(context.Background()))

	_, err := sb.Exec(context.Background(), []string{"true"}, nil, 0)
	assert.ErrorIs(t, err, pkgerrors.ErrSandboxNotStarted)
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "forseti_sb.42", NameFor(42, ""))
	assert.Equal(t, "forseti_sb.42.a-b", NameFor(42, "a/b"))
	assert.Equal(t, "untitled", SanitizeContainerName(""))
}
