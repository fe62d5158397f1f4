package executor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/sandbox"
	"github.com/forseti-judge/worker/pkg/languages"
	"github.com/forseti-judge/worker/pkg/submission"
)

// Limits bound a single run of the solution.
type Limits struct {
	TimeLimit     time.Duration
	MemoryLimitMB int64
}

type Executor interface {
	// RunTestCase feeds the test input to the program on stdin and returns its stdout.
	// Sandbox errors are returned unchanged so the caller can classify them.
	RunTestCase(
		ctx context.Context,
		sb sandbox.Sandbox,
		langCfg languages.LanguageConfig,
		testCase submission.TestCase,
		limits Limits,
		messageID string,
	) (string, error)
}

type executor struct {
	logger *zap.SugaredLogger
}

func NewExecutor() Executor {
	return &executor{logger: logger.NewNamedLogger("executor")}
}

func (e *executor) RunTestCase(
	ctx context.Context,
	sb sandbox.Sandbox,
	langCfg languages.LanguageConfig,
	testCase submission.TestCase,
	limits Limits,
	messageID string,
) (string, error) {
	cmd, err := langCfg.RunCommand(limits.MemoryLimitMB)
	if err != nil {
		return "", err
	}

	start := time.Now()
	output, err := sb.Exec(ctx, cmd, strings.NewReader(testCase.Input), limits.TimeLimit)
	e.logger.Debugf("Run in %s finished in %s, err=%v [MsgID: %s]", sb.Name(), time.Since(start), err, messageID)
	return output, err
}
