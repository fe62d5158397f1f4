package compiler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/sandbox"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/languages"
)

type Compiler interface {
	// CompileIfNeeded builds the staged source inside the sandbox.
	// Every failure of the compile command is reported as ErrCompilationFailed.
	CompileIfNeeded(ctx context.Context, sb sandbox.Sandbox, langCfg languages.LanguageConfig, messageID string) error
}

type compiler struct {
	logger    *zap.SugaredLogger
	timeLimit time.Duration
}

func NewCompiler(compileTimeLimit time.Duration) Compiler {
	return &compiler{
		logger:    logger.NewNamedLogger("compiler"),
		timeLimit: compileTimeLimit,
	}
}

func (c *compiler) CompileIfNeeded(
	ctx context.Context,
	sb sandbox.Sandbox,
	langCfg languages.LanguageConfig,
	messageID string,
) error {
	if !langCfg.NeedsCompilation() {
		return nil
	}

	cmd, err := langCfg.CompileCommand()
	if err != nil {
		return err
	}

	c.logger.Infof("Compiling %s in %s [MsgID: %s]", langCfg.SourcePath(), sb.Name(), messageID)
	if _, err := sb.Exec(ctx, cmd, nil, c.timeLimit); err != nil {
		// cancellation of the attempt itself is not a verdict
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Infof("Compilation failed in %s: %s [MsgID: %s]", sb.Name(), describe(err), messageID)
		return fmt.Errorf("%w: %w", pkgerrors.ErrCompilationFailed, err)
	}
	return nil
}

func describe(err error) string {
	var execErr *sandbox.ExecError
	if errors.As(err, &execErr) && execErr.Stderr != "" {
		return execErr.Stderr
	}
	return err.Error()
}
