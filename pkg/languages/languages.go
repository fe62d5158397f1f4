package languages

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/errors"
	"github.com/forseti-judge/worker/pkg/messages"
)

type LanguageType string

const (
	CPP17     LanguageType = "CPP_17"
	Java21    LanguageType = "JAVA_21"
	Python312 LanguageType = "PYTHON_312"
)

// Placeholders recognised in command templates.
const (
	SourcePlaceholder  = "{source}"
	MemoryPlaceholder  = "{memory}"
	WorkDirPlaceholder = "{workdir}"
)

// LanguageConfig describes how to build and run a submission for one language.
// An empty CompileTemplate means the language has no compile step.
type LanguageConfig struct {
	Language        LanguageType
	Image           string
	SourceFile      string
	CompileTemplate string
	RunTemplate     string
}

func (lc LanguageConfig) NeedsCompilation() bool {
	return lc.CompileTemplate != ""
}

// SourcePath is the location of the submitted code inside the sandbox.
func (lc LanguageConfig) SourcePath() string {
	return constants.SandboxWorkDir + "/" + lc.SourceFile
}

func (lc LanguageConfig) CompileCommand() ([]string, error) {
	if !lc.NeedsCompilation() {
		return nil, nil
	}
	return lc.expand(lc.CompileTemplate, 0)
}

func (lc LanguageConfig) RunCommand(memoryLimitMB int64) ([]string, error) {
	return lc.expand(lc.RunTemplate, memoryLimitMB)
}

func (lc LanguageConfig) expand(template string, memoryLimitMB int64) ([]string, error) {
	args, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", errors.ErrInvalidCommand, lc.Language, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w for %s: empty template", errors.ErrInvalidCommand, lc.Language)
	}

	replacer := strings.NewReplacer(
		SourcePlaceholder, lc.SourceFile,
		MemoryPlaceholder, strconv.FormatInt(memoryLimitMB, 10),
		WorkDirPlaceholder, constants.SandboxWorkDir,
	)
	for i, arg := range args {
		args[i] = replacer.Replace(arg)
	}
	return args, nil
}

var defaultConfigs = map[LanguageType]LanguageConfig{
	CPP17: {
		Language:        CPP17,
		Image:           "gcc:13",
		SourceFile:      "main.cpp",
		CompileTemplate: "g++ -std=c++17 -O2 -pipe -o {workdir}/main {workdir}/{source}",
		RunTemplate:     "{workdir}/main",
	},
	Java21: {
		Language:        Java21,
		Image:           "eclipse-temurin:21-jdk",
		SourceFile:      "Main.java",
		CompileTemplate: "javac -d {workdir} {workdir}/{source}",
		RunTemplate:     "java -Xmx{memory}m -cp {workdir} Main",
	},
	Python312: {
		Language:    Python312,
		Image:       "python:3.12-slim",
		SourceFile:  "main.py",
		RunTemplate: "python3 {workdir}/{source}",
	},
}

// Registry resolves language identifiers to their sandbox configuration.
type Registry interface {
	Get(language string) (LanguageConfig, error)
	Supported() messages.ResponseHandshakePayload
}

type registry struct {
	configs map[LanguageType]LanguageConfig
}

// NewRegistry builds the static registry. A non-empty imagePrefix is prepended
// to every image so images can be pulled from a mirror.
func NewRegistry(imagePrefix string) Registry {
	configs := make(map[LanguageType]LanguageConfig, len(defaultConfigs))
	for lt, cfg := range defaultConfigs {
		if imagePrefix != "" {
			cfg.Image = strings.TrimSuffix(imagePrefix, "/") + "/" + cfg.Image
		}
		configs[lt] = cfg
	}
	return &registry{configs: configs}
}

func ParseLanguageType(s string) (LanguageType, error) {
	lt := LanguageType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := defaultConfigs[lt]; ok {
		return lt, nil
	}
	return "", errors.ErrInvalidLanguageType
}

func (r *registry) Get(language string) (LanguageConfig, error) {
	lt, err := ParseLanguageType(language)
	if err != nil {
		return LanguageConfig{}, fmt.Errorf("%w: %q", err, language)
	}
	cfg, ok := r.configs[lt]
	if !ok {
		return LanguageConfig{}, fmt.Errorf("%w: %q", errors.ErrInvalidLanguageType, language)
	}
	return cfg, nil
}

func (r *registry) Supported() messages.ResponseHandshakePayload {
	specs := make([]messages.LanguageSpec, 0, len(r.configs))
	for _, cfg := range r.configs {
		specs = append(specs, messages.LanguageSpec{
			LanguageName: string(cfg.Language),
			Image:        cfg.Image,
			SourceFile:   cfg.SourceFile,
			Compiled:     cfg.NeedsCompilation(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].LanguageName < specs[j].LanguageName })

	return messages.ResponseHandshakePayload{Languages: specs}
}
