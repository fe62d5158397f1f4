package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/forseti-judge/worker/internal/docker"
	"github.com/forseti-judge/worker/internal/pipeline"
	"github.com/forseti-judge/worker/internal/sandbox"
	"github.com/forseti-judge/worker/internal/stages/compiler"
	"github.com/forseti-judge/worker/internal/stages/executor"
	"github.com/forseti-judge/worker/internal/stages/packager"
	"github.com/forseti-judge/worker/internal/stages/verifier"
	"github.com/forseti-judge/worker/internal/storage"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/languages"
	"github.com/forseti-judge/worker/pkg/submission"
)

func main() {
	cmd := &cli.Command{
		Name:  "judgectl",
		Usage: "judge submissions against the local Docker daemon",
		Commands: []*cli.Command{
			runCommand(),
			languagesCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "judge a local source file against a local test case file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "language", Aliases: []string{"l"}, Required: true},
			&cli.StringFlag{Name: "code", Aliases: []string{"c"}, Required: true, Usage: "source file"},
			&cli.StringFlag{Name: "tests", Aliases: []string{"t"}, Required: true, Usage: "CSV test cases, optionally zstd compressed"},
			&cli.Int64Flag{Name: "time-limit", Value: 1000, Usage: "per test case limit in milliseconds"},
			&cli.Int64Flag{Name: "memory-limit", Value: 256, Usage: "memory limit in MB"},
			&cli.StringFlag{Name: "image-prefix", Usage: "registry mirror prepended to sandbox images"},
			&cli.BoolFlag{Name: "show-output", Usage: "print the captured output of every executed test case"},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	codePath, err := filepath.Abs(cmd.String("code"))
	if err != nil {
		return err
	}
	testsPath, err := filepath.Abs(cmd.String("tests"))
	if err != nil {
		return err
	}

	dockerClient, err := docker.NewDockerClient()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	store := storage.NewLocalStore(filepath.Dir(codePath))
	runner := pipeline.NewRunner(
		packager.NewPackager(store, store, os.TempDir()),
		sandbox.NewDockerProvider(dockerClient, sandbox.Options{}),
		languages.NewRegistry(cmd.String("image-prefix")),
		compiler.NewCompiler(constants.DefaultCompileTimeLimitMs*time.Millisecond),
		executor.NewExecutor(),
		verifier.NewVerifier(),
	)

	sub := submission.Submission{
		ID:       time.Now().Unix(),
		Language: cmd.String("language"),
		Code:     submission.Attachment{ID: codePath, Filename: filepath.Base(codePath)},
		Problem: submission.Problem{
			TimeLimitMs:   cmd.Int64("time-limit"),
			MemoryLimitMB: cmd.Int64("memory-limit"),
			TestCases:     submission.Attachment{ID: testsPath, Filename: filepath.Base(testsPath)},
		},
		CreatedAt: time.Now().UTC(),
	}

	start := time.Now()
	execution, err := runner.Run(ctx, sub, uuid.NewString(), "judgectl")
	if err != nil {
		return err
	}

	printExecution(execution, time.Since(start), cmd.Bool("show-output"))
	return nil
}

func printExecution(execution *submission.Execution, elapsed time.Duration, showOutput bool) {
	verdict := color.New(color.Bold, color.FgRed)
	if execution.Answer == submission.AnswerAccepted {
		verdict = color.New(color.Bold, color.FgGreen)
	}

	verdict.Printf("%s\n", execution.Answer)
	fmt.Printf("passed %d/%d test cases in %s\n",
		execution.ApprovedTestCases, execution.TotalTestCases, elapsed.Round(time.Millisecond))

	if !showOutput {
		return
	}
	faint := color.New(color.Faint)
	for i, output := range execution.Outputs {
		faint.Printf("--- test case %d ---\n", i+1)
		fmt.Println(strings.TrimRight(output, "\n"))
	}
}

func languagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "languages",
		Usage: "list supported languages",
		Action: func(_ context.Context, _ *cli.Command) error {
			bold := color.New(color.Bold).SprintFunc()
			for _, lang := range languages.NewRegistry("").Supported().Languages {
				compiled := "interpreted"
				if lang.Compiled {
					compiled = "compiled"
				}
				fmt.Printf("%-12s %-24s %-10s %s\n", bold(lang.LanguageName), lang.Image, lang.SourceFile, compiled)
			}
			return nil
		},
	}
}
