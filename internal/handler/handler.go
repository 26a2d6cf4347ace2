// Package handler drives one build family through compile, test and
// coverage inside an execution environment.
package handler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/extract"
	"github.com/hochfrequenz/crab-verify/internal/failure"
	"github.com/hochfrequenz/crab-verify/internal/inject"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
	"github.com/hochfrequenz/crab-verify/internal/sanitize"
)

// Coverage is the line coverage of a file in one report
type Coverage struct {
	Report  string
	Percent float64
}

// Handler is the build tool driver selected once per checkout
type Handler interface {
	System() domain.BuildSystem
	Image() string
	// HasTests reports where tests were detected, or NoTestsFound
	HasTests() (source string, err error)
	// Compile returns the sanitized compile output
	Compile(ctx context.Context) (string, error)
	// Test runs the suite and extracts the summed counts
	Test(ctx context.Context) (domain.TestCounts, string, error)
	Clean(ctx context.Context) error
	// GenerateCoverageReport runs the coverage command, injecting the
	// plugin and retrying once when it fails and alreadyInjected is false
	GenerateCoverageReport(ctx context.Context, alreadyInjected bool) error
	// CheckCoverage yields one value per report mentioning file. The
	// sequence ends with a single error when no report does.
	CheckCoverage(file string) iter.Seq2[Coverage, error]
	ExtractTestNumbers(output string) (domain.TestCounts, error)
}

// Options holds the time budgets and images of the handlers
type Options struct {
	CompileTimeout  time.Duration
	TestTimeout     time.Duration
	CoverageTimeout time.Duration
	MavenImage      string
	GradleImage     string
	Logger          *zap.Logger
}

// DefaultOptions uses one hour per phase and the crab images
func DefaultOptions() Options {
	return Options{
		CompileTimeout:  time.Hour,
		TestTimeout:     time.Hour,
		CoverageTimeout: time.Hour,
		MavenImage:      "crab-maven",
		GradleImage:     "crab-gradle",
	}
}

// toolchain is the closed set of build families
type toolchain interface {
	system() domain.BuildSystem
	commands() commandSet
	extract(manifestDir, output string) (domain.TestCounts, error)
	findReports(root string) ([]string, error)
	fileCoverage(report, file string) (float64, bool, error)
	noReportKind() failure.Kind
	injector() inject.Injector
}

type commandSet struct {
	compile  string
	test     string
	clean    string
	coverage string
}

var (
	// test frameworks whose presence in the manifest proves tests exist
	testLibraries = []string{"junit", "testng", "mockito"}
	// keywords that, without a library, signal tests are disabled or external
	testDisableKeywords = []string{"testImplementation", "functionalTests", "bwc_tests_enabled"}
	testDirs            = []string{"src/test/java", "src/test/kotlin", "src/test/groovy", "test"}
)

// ImageFor returns the container image of a build family
func ImageFor(sys domain.BuildSystem, opts Options) string {
	if sys == domain.BuildGradle {
		return orDefault(opts.GradleImage, "crab-gradle")
	}
	return orDefault(opts.MavenImage, "crab-maven")
}

// New pairs a handler with one descriptor, checkout and environment
func New(desc domain.BuildDescriptor, checkout string, env sandbox.Environment, opts Options) (Handler, error) {
	var tc toolchain
	switch desc.System {
	case domain.BuildMaven:
		tc = maven{}
	case domain.BuildGradle:
		tc = gradle{}
	default:
		return nil, fmt.Errorf("unsupported build system %q", desc.System)
	}
	if env == nil {
		return nil, errors.New("handler needs an environment")
	}
	def := DefaultOptions()
	if opts.CompileTimeout <= 0 {
		opts.CompileTimeout = def.CompileTimeout
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = def.TestTimeout
	}
	if opts.CoverageTimeout <= 0 {
		opts.CoverageTimeout = def.CoverageTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &build{
		tc:       tc,
		desc:     desc,
		checkout: checkout,
		env:      env,
		opts:     opts,
		logger:   logger.With(zap.String("build_system", string(desc.System))),
	}, nil
}

type build struct {
	tc       toolchain
	desc     domain.BuildDescriptor
	checkout string
	env      sandbox.Environment
	opts     Options
	logger   *zap.Logger
}

func (b *build) System() domain.BuildSystem { return b.tc.system() }

func (b *build) Image() string { return ImageFor(b.tc.system(), b.opts) }

func (b *build) HasTests() (string, error) {
	data, err := os.ReadFile(b.desc.ManifestPath)
	if err != nil {
		return "", failure.Build(failure.NoTestsFound, "", fmt.Errorf("reading manifest: %w", err))
	}
	content := string(data)

	for _, lib := range testLibraries {
		if strings.Contains(content, lib) {
			return lib + " library in build file", nil
		}
	}
	for _, kw := range testDisableKeywords {
		if strings.Contains(content, kw) {
			return "", failure.Build(failure.NoTestsFound, kw+" keyword in build file", nil)
		}
	}
	for _, dir := range testDirs {
		if info, err := os.Stat(filepath.Join(b.desc.Dir(), filepath.FromSlash(dir))); err == nil && info.IsDir() {
			return dir + " dir exists in repo", nil
		}
	}
	return "", failure.Build(failure.NoTestsFound, "No tests found", nil)
}

func (b *build) Compile(ctx context.Context) (string, error) {
	res, err := b.run(ctx, b.tc.commands().compile, b.opts.CompileTimeout)
	output := sanitize.Clean(res.Output)
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return output, failure.Build(failure.CompileTimedOut, timeoutMessage("Compile", b.opts.CompileTimeout, output), err)
	case err != nil:
		return output, b.passCancel(ctx, failure.FailedToCompile, output, err)
	case res.ExitCode != 0:
		return output, failure.Build(failure.FailedToCompile, output, nil)
	}
	return output, nil
}

func (b *build) Test(ctx context.Context) (domain.TestCounts, string, error) {
	res, err := b.run(ctx, b.tc.commands().test, b.opts.TestTimeout)
	output := sanitize.Clean(res.Output)
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return domain.TestCounts{}, output, failure.Build(failure.TestTimedOut, timeoutMessage("Test", b.opts.TestTimeout, output), err)
	case err != nil:
		return domain.TestCounts{}, output, b.passCancel(ctx, failure.FailedToTest, output, err)
	case res.ExitCode != 0:
		return domain.TestCounts{}, output, failure.Build(failure.FailedToTest, output, nil)
	}

	// parsers read the raw output; only stored output is sanitized
	counts, err := b.tc.extract(b.desc.Dir(), res.Output)
	if err != nil {
		var be *failure.BuildError
		if errors.As(err, &be) && be.Output != "" {
			be.Output = be.Output + ":\n" + output
		}
		return domain.TestCounts{}, output, err
	}
	return counts, output, nil
}

func (b *build) ExtractTestNumbers(output string) (domain.TestCounts, error) {
	return b.tc.extract(b.desc.Dir(), output)
}

func (b *build) Clean(ctx context.Context) error {
	res, err := b.run(ctx, b.tc.commands().clean, b.opts.CompileTimeout)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clean exited with %d", res.ExitCode)
	}
	return nil
}

// coverageRunError carries the output of a failed coverage attempt
type coverageRunError struct {
	output string
	cause  error
}

func (e *coverageRunError) Error() string {
	if e.cause != nil {
		return "coverage run: " + e.cause.Error()
	}
	return "coverage run failed"
}

func (e *coverageRunError) Unwrap() error { return e.cause }

func (b *build) GenerateCoverageReport(ctx context.Context, alreadyInjected bool) error {
	first := b.runCoverage(ctx)
	if first == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if alreadyInjected {
		return coverageFailure(first)
	}

	b.logger.Info("coverage failed, injecting jacoco", zap.String("manifest", b.desc.ManifestPath))
	err := inject.WithRetry(b.desc.ManifestPath, b.tc.injector(), func() error {
		return b.runCoverage(ctx)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var ierr *inject.Error
	switch {
	case errors.Is(err, inject.ErrAlreadyInstrumented):
		return coverageFailure(first)
	case errors.As(err, &ierr):
		return failure.Build(failure.CantInjectCoverage, ierr.Error(), err)
	}
	return coverageFailure(err)
}

func coverageFailure(err error) error {
	var cre *coverageRunError
	if errors.As(err, &cre) {
		return failure.Build(failure.CantExecCoverage, cre.output, err)
	}
	return failure.Build(failure.CantExecCoverage, "", err)
}

// runCoverage fails on a non-zero exit or when no report was produced
func (b *build) runCoverage(ctx context.Context) error {
	res, err := b.run(ctx, b.tc.commands().coverage, b.opts.CoverageTimeout)
	output := sanitize.Clean(res.Output)
	if err != nil {
		return &coverageRunError{output: output, cause: err}
	}
	if res.ExitCode != 0 {
		return &coverageRunError{output: output, cause: fmt.Errorf("exit code %d", res.ExitCode)}
	}
	reports, err := b.tc.findReports(b.checkout)
	if err != nil {
		return &coverageRunError{output: output, cause: err}
	}
	if len(reports) == 0 {
		return &coverageRunError{output: output, cause: errors.New("no coverage report found")}
	}
	return nil
}

func (b *build) CheckCoverage(file string) iter.Seq2[Coverage, error] {
	return func(yield func(Coverage, error) bool) {
		reports, err := b.tc.findReports(b.checkout)
		if err != nil {
			yield(Coverage{}, failure.Build(b.tc.noReportKind(), "", err))
			return
		}
		if len(reports) == 0 {
			yield(Coverage{}, failure.Build(b.tc.noReportKind(), "", nil))
			return
		}

		found := false
		for _, report := range reports {
			percent, ok, err := b.tc.fileCoverage(report, file)
			if err != nil {
				b.logger.Warn("skipping unreadable coverage report", zap.String("report", report), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			found = true
			if !yield(Coverage{Report: extract.ReportID(b.checkout, report), Percent: percent}, nil) {
				return
			}
		}
		if !found {
			yield(Coverage{}, failure.Build(failure.FileNotCovered, file, nil))
		}
	}
}

// run executes a command in the manifest directory under its own deadline
func (b *build) run(ctx context.Context, command string, budget time.Duration) (sandbox.ExecResult, error) {
	if b.desc.Depth > 0 {
		rel, err := filepath.Rel(b.checkout, b.desc.Dir())
		if err == nil && rel != "." {
			command = "cd " + shellQuote(filepath.ToSlash(rel)) + " && " + command
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	res, err := b.env.Exec(callCtx, command)
	b.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return res, err
}

// passCancel keeps operator cancellation distinct from build failures
func (b *build) passCancel(ctx context.Context, kind failure.Kind, output string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failure.Build(kind, output, err)
}

func timeoutMessage(phase string, budget time.Duration, output string) string {
	msg := fmt.Sprintf("%s process killed due to exceeding the %s time limit", phase, budget)
	if output == "" {
		return msg
	}
	return msg + "\n" + output
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
