package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/docker"
	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/utils"
)

type Options struct {
	PidsLimit int64
	NanoCPUs  int64
}

type dockerProvider struct {
	docker docker.DockerClient
	opts   Options
	logger *zap.SugaredLogger
}

func NewDockerProvider(dc docker.DockerClient, opts Options) Provider {
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = constants.DefaultSandboxPidsLimit
	}
	if opts.NanoCPUs <= 0 {
		opts.NanoCPUs = constants.DefaultSandboxNanoCPUs
	}
	return &dockerProvider{
		docker: dc,
		opts:   opts,
		logger: logger.NewNamedLogger("sandbox"),
	}
}

func (p *dockerProvider) Create(ctx context.Context, image string, memoryLimitMB int64, name string) (Sandbox, error) {
	if err := p.docker.EnsureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("ensure image %s: %w", image, err)
	}

	containerCfg, hostCfg := p.containerConfigs(image, memoryLimitMB)
	id, err := p.docker.CreateContainer(ctx, containerCfg, hostCfg, name)
	if err != nil {
		return nil, fmt.Errorf("create sandbox %s: %w", name, err)
	}

	p.logger.Infof("Created sandbox %s [image: %s, memory: %dMB]", name, image, memoryLimitMB)
	return &dockerSandbox{
		id:     id,
		name:   name,
		docker: p.docker,
		logger: p.logger,
	}, nil
}

func (p *dockerProvider) containerConfigs(image string, memoryLimitMB int64) (*container.Config, *container.HostConfig) {
	memoryMB := max(memoryLimitMB, constants.MinSandboxMemoryMB)
	memoryBytes := memoryMB * 1024 * 1024
	pidsLimit := p.opts.PidsLimit

	containerCfg := &container.Config{
		Image:           image,
		Cmd:             strings.Fields(constants.SandboxIdleCommand),
		WorkingDir:      constants.SandboxWorkDir,
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			PidsLimit:  &pidsLimit,
			NanoCPUs:   p.opts.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
	return containerCfg, hostCfg
}

type dockerSandbox struct {
	id     string
	name   string
	docker docker.DockerClient
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	killed  bool
}

func (s *dockerSandbox) Name() string {
	return s.name
}

func (s *dockerSandbox) Start(ctx context.Context) error {
	if err := s.docker.StartContainer(ctx, s.id); err != nil {
		return fmt.Errorf("start sandbox %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *dockerSandbox) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.killed
}

func (s *dockerSandbox) CopyIn(ctx context.Context, localFile, remotePath string) error {
	if !s.isRunning() {
		return pkgerrors.ErrSandboxNotStarted
	}

	archive, err := utils.CreateFileTarArchive(localFile, path.Base(remotePath))
	if err != nil {
		return err
	}
	defer archive.Close()

	if err := s.docker.CopyToContainer(ctx, s.id, path.Dir(remotePath), archive); err != nil {
		return fmt.Errorf("copy %s into sandbox %s: %w", localFile, s.name, err)
	}
	return nil
}

// Exec runs cmd inside the sandbox. A positive timeLimit wraps the command in
// coreutils timeout and bounds the host side wait as well.
func (s *dockerSandbox) Exec(ctx context.Context, cmd []string, stdin io.Reader, timeLimit time.Duration) (string, error) {
	if !s.isRunning() {
		return "", pkgerrors.ErrSandboxNotStarted
	}

	execCmd := cmd
	execCtx := ctx
	if timeLimit > 0 {
		execCmd = wrapWithTimeout(cmd, timeLimit)
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeLimit+constants.SandboxHostDeadlinePadMs*time.Millisecond)
		defer cancel()
	}

	startedAt := time.Now()
	res, err := s.docker.Exec(execCtx, s.id, execCmd, stdin, constants.MaxExecOutputBytes)
	elapsed := time.Since(startedAt)
	if err != nil {
		if timeLimit > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", pkgerrors.ErrSandboxTimeout
		}
		return "", err
	}

	if classified := classifyExit(res, timeLimit, elapsed); classified != nil {
		return string(res.Stdout), classified
	}
	return string(res.Stdout), nil
}

func wrapWithTimeout(cmd []string, timeLimit time.Duration) []string {
	wrapped := []string{
		"timeout",
		"--kill-after=" + constants.SandboxKillGrace,
		fmt.Sprintf("%.3fs", timeLimit.Seconds()),
	}
	return append(wrapped, cmd...)
}

// classifyExit maps an exit code to the sandbox error taxonomy.
// 137 is reported both for OOM kills and for the timeout grace kill,
// so elapsed time decides between the two.
func classifyExit(res docker.ExecResult, timeLimit time.Duration, elapsed time.Duration) error {
	switch {
	case res.ExitCode == constants.ExitCodeSuccess:
		return nil
	case timeLimit > 0 && (res.ExitCode == constants.ExitCodeTimeout || res.ExitCode == constants.ExitCodeTerminated):
		return pkgerrors.ErrSandboxTimeout
	case res.ExitCode == constants.ExitCodeKilled:
		if timeLimit > 0 && elapsed >= timeLimit {
			return pkgerrors.ErrSandboxTimeout
		}
		return pkgerrors.ErrSandboxOutOfMemory
	case res.ExitCode == constants.ExitCodeJavaError && strings.Contains(string(res.Stderr), constants.JavaOutOfMemoryMarker):
		return pkgerrors.ErrSandboxOutOfMemory
	default:
		return &ExecError{ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
	}
}

func (s *dockerSandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.mu.Unlock()

	if err := s.docker.KillContainer(ctx, s.id); err != nil {
		s.logger.Warnf("Failed to kill sandbox %s: %s", s.name, err)
	}
	if err := s.docker.RemoveContainer(ctx, s.id); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", s.name, err)
	}

	s.logger.Infof("Sandbox %s terminated", s.name)
	return nil
}
