package sandbox

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
)

var containerNameRegex = regexp.MustCompile("[^a-zA-Z0-9_.-]")

// Sandbox is an isolated environment with an enforced memory ceiling.
// Exec fails with ErrSandboxTimeout or ErrSandboxOutOfMemory when the
// command exceeds its limits. Kill can be called any number of times.
type Sandbox interface {
	Name() string
	Start(ctx context.Context) error
	CopyIn(ctx context.Context, localFile, remotePath string) error
	Exec(ctx context.Context, cmd []string, stdin io.Reader, timeLimit time.Duration) (string, error)
	Kill(ctx context.Context) error
}

// Provider creates sandboxes. The returned sandbox is not started yet.
type Provider interface {
	Create(ctx context.Context, image string, memoryLimitMB int64, name string) (Sandbox, error)
}

// ExecError reports a command that finished with a non-zero exit code
// not attributable to a time or memory limit.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
}

func (e *ExecError) Unwrap() error {
	return pkgerrors.ErrSandboxExecFailed
}

func SanitizeContainerName(raw string) string {
	cleaned := containerNameRegex.ReplaceAllString(raw, "-")
	if cleaned == "" {
		cleaned = "untitled"
	}
	return cleaned
}

// NameFor returns the sandbox name of one judging attempt of a submission.
func NameFor(submissionID int64, attemptID string) string {
	name := fmt.Sprintf("%s.%d", constants.SandboxNamePrefix, submissionID)
	if attemptID != "" {
		name += "." + attemptID
	}
	return SanitizeContainerName(name)
}
