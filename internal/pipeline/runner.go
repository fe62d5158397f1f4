package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/internal/sandbox"
	"github.com/forseti-judge/worker/internal/stages/compiler"
	"github.com/forseti-judge/worker/internal/stages/executor"
	"github.com/forseti-judge/worker/internal/stages/packager"
	"github.com/forseti-judge/worker/internal/stages/verifier"
	"github.com/forseti-judge/worker/pkg/constants"
	pkgerrors "github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/languages"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/utils"
)

// Runner judges one submission against its problem's test cases.
type Runner interface {
	// Run returns the execution of the attempt. An error means no verdict could be
	// reached (missing data, unknown language, infrastructure failure).
	Run(ctx context.Context, sub submission.Submission, attemptID, messageID string) (*submission.Execution, error)
}

type runner struct {
	logger   *zap.SugaredLogger
	packager packager.Packager
	provider sandbox.Provider
	registry languages.Registry
	compiler compiler.Compiler
	executor executor.Executor
	verifier verifier.Verifier
	now      func() time.Time
}

func NewRunner(
	packager packager.Packager,
	provider sandbox.Provider,
	registry languages.Registry,
	compiler compiler.Compiler,
	executor executor.Executor,
	verifier verifier.Verifier,
) Runner {
	return &runner{
		logger:   logger.NewNamedLogger("runner"),
		packager: packager,
		provider: provider,
		registry: registry,
		compiler: compiler,
		executor: executor,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *runner) Run(
	ctx context.Context,
	sub submission.Submission,
	attemptID, messageID string,
) (*submission.Execution, error) {
	langCfg, err := r.registry.Get(sub.Language)
	if err != nil {
		return nil, err
	}
	if _, err := langCfg.RunCommand(sub.Problem.MemoryLimitMB); err != nil {
		return nil, err
	}

	staged, testCases, err := r.stage(ctx, sub, langCfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := utils.RemoveIO(staged.DirPath, true, true); err != nil {
			r.logger.Errorf("Failed to remove staging directory: %s [SubID: %d]", err, sub.ID)
		}
	}()

	sb, err := r.provider.Create(ctx, langCfg.Image, sub.Problem.MemoryLimitMB, sandbox.NameFor(sub.ID, attemptID))
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer r.kill(ctx, sb, sub.ID)

	if err := sb.Start(ctx); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	if err := sb.CopyIn(ctx, staged.FilePath, langCfg.SourcePath()); err != nil {
		return nil, fmt.Errorf("copy code into sandbox: %w", err)
	}

	execution := r.newExecution(sub, attemptID, len(testCases))

	if err := r.compiler.CompileIfNeeded(ctx, sb, langCfg, messageID); err != nil {
		if errors.Is(err, pkgerrors.ErrCompilationFailed) {
			execution.Answer = submission.AnswerCompilationError
			return execution, nil
		}
		return nil, err
	}

	limits := executor.Limits{
		TimeLimit:     time.Duration(sub.Problem.TimeLimitMs) * time.Millisecond,
		MemoryLimitMB: sub.Problem.MemoryLimitMB,
	}

	for i, testCase := range testCases {
		output, err := r.executor.RunTestCase(ctx, sb, langCfg, testCase, limits, messageID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, pkgerrors.ErrInvalidCommand) {
				return nil, err
			}
			execution.Answer = runFailureAnswer(err)
			r.logger.Infof("Test case %d failed with %s: %s [SubID: %d]", i+1, execution.Answer, err, sub.ID)
			return execution, nil
		}

		execution.Outputs = append(execution.Outputs, output)
		if !r.verifier.Compare(output, testCase.ExpectedOutput) {
			execution.Answer = submission.AnswerWrongAnswer
			r.logger.Infof("Test case %d produced a wrong answer [SubID: %d]", i+1, sub.ID)
			return execution, nil
		}
		execution.ApprovedTestCases++
	}

	execution.Answer = submission.AnswerAccepted
	return execution, nil
}

// stage downloads the code and the test cases concurrently.
func (r *runner) stage(
	ctx context.Context,
	sub submission.Submission,
	langCfg languages.LanguageConfig,
) (*packager.StagedCode, []submission.TestCase, error) {
	var (
		staged    *packager.StagedCode
		testCases []submission.TestCase
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		staged, err = r.packager.StageCode(gctx, sub, langCfg.SourceFile)
		return err
	})
	g.Go(func() error {
		var err error
		testCases, err = r.packager.LoadTestCases(gctx, sub.Problem)
		return err
	})

	if err := g.Wait(); err != nil {
		if staged != nil {
			_ = utils.RemoveIO(staged.DirPath, true, true)
		}
		return nil, nil, err
	}
	return staged, testCases, nil
}

func (r *runner) newExecution(sub submission.Submission, attemptID string, total int) *submission.Execution {
	return &submission.Execution{
		ID:             uuid.NewString(),
		SubmissionID:   sub.ID,
		AttemptID:      attemptID,
		Answer:         submission.AnswerNoAnswer,
		TotalTestCases: total,
		TestCases:      sub.Problem.TestCases,
		Outputs:        []string{},
		CreatedAt:      r.now(),
	}
}

// kill terminates the sandbox even when the attempt context is already cancelled.
func (r *runner) kill(ctx context.Context, sb sandbox.Sandbox, submissionID int64) {
	killCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		constants.SandboxCleanupTimeoutSec*time.Second,
	)
	defer cancel()

	if err := sb.Kill(killCtx); err != nil {
		r.logger.Errorf("Failed to kill sandbox %s: %s [SubID: %d]", sb.Name(), err, submissionID)
	}
}

func runFailureAnswer(err error) submission.Answer {
	switch {
	case errors.Is(err, pkgerrors.ErrSandboxTimeout):
		return submission.AnswerTimeLimitExceeded
	case errors.Is(err, pkgerrors.ErrSandboxOutOfMemory):
		return submission.AnswerMemoryLimitExceeded
	default:
		return submission.AnswerRuntimeError
	}
}
