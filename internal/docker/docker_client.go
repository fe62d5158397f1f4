package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	image "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
)

const (
	inspectPollInterval = 10 * time.Millisecond
	inspectPollAttempts = 100
)

// ExecResult holds the captured streams and exit code of one exec inside a container.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type DockerClient interface {
	EnsureImage(ctx context.Context, imageName string) error
	CreateContainer(
		ctx context.Context,
		containerCfg *container.Config,
		hostCfg *container.HostConfig,
		name string,
	) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	CopyToContainer(ctx context.Context, containerID, dstDir string, tarStream io.Reader) error
	Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, maxOutput int64) (ExecResult, error)
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
}

type dockerClient struct {
	cli *client.Client
}

func NewDockerClient() (DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return &dockerClient{cli: cli}, nil
}

func (d *dockerClient) EnsureImage(ctx context.Context, imageName string) error {
	_, err := d.cli.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}

	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerClient) CreateContainer(
	ctx context.Context,
	containerCfg *container.Config,
	hostCfg *container.HostConfig,
	name string,
) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) StartContainer(ctx context.Context, containerID string) error {
	return d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *dockerClient) CopyToContainer(ctx context.Context, containerID, dstDir string, tarStream io.Reader) error {
	return d.cli.CopyToContainer(ctx, containerID, dstDir, tarStream, container.CopyToContainerOptions{})
}

func (d *dockerClient) Exec(
	ctx context.Context,
	containerID string,
	cmd []string,
	stdin io.Reader,
	maxOutput int64,
) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   constants.SandboxWorkDir,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, err
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, err
	}
	defer attach.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	stdout := &limitedBuffer{limit: maxOutput}
	stderr := &limitedBuffer{limit: maxOutput}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err = <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}, err
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}, ctx.Err()
	}

	exitCode, err := d.waitExecExit(ctx, created.ID)
	if err != nil {
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}, err
	}

	return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
}

// waitExecExit polls the exec until the daemon reports it stopped.
// The attach stream can close slightly before the exit code is recorded.
func (d *dockerClient) waitExecExit(ctx context.Context, execID string) (int, error) {
	for range inspectPollAttempts {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(inspectPollInterval):
		}
	}
	return -1, fmt.Errorf("exec %s did not report an exit code", execID)
}

// KillContainer sends SIGKILL. A container that is gone or already stopped is not an error.
func (d *dockerClient) KillContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerKill(ctx, containerID, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func (d *dockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return err
}

// limitedBuffer fails the copy once more than limit bytes were written.
// A non-positive limit disables the check.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit > 0 && int64(l.buf.Len()+len(p)) > l.limit {
		remaining := int(l.limit) - l.buf.Len()
		if remaining > 0 {
			l.buf.Write(p[:remaining])
		}
		return remaining, pkgerrors.ErrSandboxOutputLimit
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) Bytes() []byte {
	return l.buf.Bytes()
}
