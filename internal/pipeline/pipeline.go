// Package pipeline advances one PR through setup, build detection,
// compile, test and coverage, and turns the outcome into a dataset entry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/buildsys"
	"github.com/hochfrequenz/crab-verify/internal/checkout"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
	"github.com/hochfrequenz/crab-verify/internal/handler"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
)

// ErrInterrupted is returned when the run was cancelled before the PR
// finished. No entry is produced; the ledger keeps the attempt in progress.
var ErrInterrupted = errors.New("verification interrupted")

// cleanupBudget bounds teardown after a run, which ignores cancellation
const cleanupBudget = 10 * time.Minute

// Unit is one PR of a repository checkout
type Unit struct {
	Repo     string
	Checkout string
	PR       domain.PullRequest
}

// Options configures a Verifier
type Options struct {
	Opener   sandbox.Opener
	Handler  handler.Options
	Detect   buildsys.Options
	Setup    []SetupStep
	Cache    resultstore.Cache
	Ledger   Ledger
	Progress Progress
	// CodeExtensions decide which commented files trigger a build
	CodeExtensions []string
	// CloneURL is a template with one %s for owner/name; missing
	// checkouts are cloned only when it is set
	CloneURL string
	RunID    string
	Worker   string
	Logger   *zap.Logger
}

// Verifier runs the verification state machine. A Verifier is used by
// a single worker; run one per worker.
type Verifier struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Verifier
func New(opts Options) (*Verifier, error) {
	if opts.Opener == nil {
		return nil, errors.New("pipeline needs an environment opener")
	}
	if opts.Ledger == nil {
		opts.Ledger = nopLedger{}
	}
	if opts.Progress == nil {
		opts.Progress = NopProgress{}
	}
	if len(opts.CodeExtensions) == 0 {
		opts.CodeExtensions = []string{".java"}
	}
	if opts.Setup == nil {
		opts.Setup = DefaultSetup(SetupOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Handler.Logger == nil {
		opts.Handler.Logger = logger
	}
	return &Verifier{opts: opts, logger: logger.With(zap.String("worker", opts.Worker))}, nil
}

// run is the mutable state of one Verify call
type run struct {
	v      *Verifier
	unit   Unit
	entry  *domain.Entry
	logger *zap.Logger
}

// Verify processes one PR. A cached entry is returned unchanged. Every
// other outcome except cancellation yields an entry with either
// success metrics or one failure reason.
func (v *Verifier) Verify(ctx context.Context, u Unit) (*domain.Entry, error) {
	if cached, ok := v.opts.Cache.Lookup(u.Repo, u.PR.Number); ok {
		v.logger.Debug("using cached entry", zap.String("repo", u.Repo), zap.Int("pr", u.PR.Number))
		return &cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	r := &run{
		v:      v,
		unit:   u,
		entry:  domain.NewEntry(u.Repo, u.PR),
		logger: v.logger.With(zap.String("repo", u.Repo), zap.Int("pr", u.PR.Number)),
	}
	r.entry.Verification = &domain.VerificationResult{State: domain.StateSetup}
	key := r.entry.Key()

	if err := v.opts.Ledger.StartAttempt(v.opts.RunID, u.Repo, u.PR.Number, v.opts.Worker); err != nil {
		r.logger.Warn("recording attempt", zap.Error(err))
	}
	v.opts.Progress.Started(v.opts.Worker, key)

	start := time.Now()
	err := r.execute(ctx)
	if err != nil && ctx.Err() != nil {
		r.logger.Info("interrupted", zap.String("state", string(r.entry.Verification.State)))
		return nil, fmt.Errorf("%w: %s#%d", ErrInterrupted, u.Repo, u.PR.Number)
	}
	if err != nil {
		r.fail(err)
	}

	r.logger.Info("pr verified",
		zap.String("state", string(r.entry.Verification.State)),
		zap.Bool("successful", r.entry.Metadata.Successful),
		zap.String("reason", r.entry.Metadata.ReasonForFailure),
		zap.Duration("duration", time.Since(start)))

	if err := v.opts.Ledger.FinishAttempt(v.opts.RunID, r.entry); err != nil {
		r.logger.Warn("recording attempt outcome", zap.Error(err))
	}
	v.opts.Progress.Finished(v.opts.Worker, r.entry)
	return r.entry, nil
}

func (r *run) execute(ctx context.Context) error {
	repo, err := r.openCheckout(ctx)
	if err != nil {
		return err
	}
	if repo != nil {
		defer r.resetCheckout(repo)
	}

	sc := &SetupContext{Unit: r.unit, Entry: r.entry, Repo: repo, CodeExtensions: r.v.opts.CodeExtensions}
	for _, step := range r.v.opts.Setup {
		r.logger.Debug("setup step", zap.String("step", step.Name()))
		if err := step.Run(ctx, sc); err != nil {
			return err
		}
	}

	codeRelated := false
	for _, f := range r.unit.PR.CommentedFiles() {
		if domain.IsCodeFile(f, r.v.opts.CodeExtensions) {
			codeRelated = true
			break
		}
	}
	r.entry.Metadata.IsCodeRelated = &codeRelated
	if !codeRelated {
		r.entry.Metadata.ReasonForFailure = domain.ReasonValidNonCode
		r.setState(domain.StateDone)
		return nil
	}

	desc, err := buildsys.Detect(r.unit.Checkout, r.v.opts.Detect)
	if err != nil {
		return err
	}
	r.entry.Metadata.BuildSystem = string(desc.System)
	r.entry.Metadata.ManifestDepth = desc.Depth
	r.setState(domain.StateDetected)

	return r.build(ctx, desc)
}

// openCheckout returns nil without error when the checkout is a plain
// directory rather than a git repository
func (r *run) openCheckout(ctx context.Context) (*checkout.Repo, error) {
	path := r.unit.Checkout
	info, err := os.Stat(path)
	if os.IsNotExist(err) && r.v.opts.CloneURL != "" {
		url := fmt.Sprintf(r.v.opts.CloneURL, r.unit.Repo)
		r.logger.Info("cloning repository", zap.String("url", url))
		return checkout.Clone(ctx, url, path, r.logger)
	}
	if err != nil || !info.IsDir() {
		return nil, failure.Setup(failure.NotValidDirectory, path, err)
	}
	repo, err := checkout.Open(path, r.logger)
	if err != nil {
		r.logger.Debug("checkout is not a git repository", zap.Error(err))
		return nil, nil
	}
	return repo, nil
}

func (r *run) build(ctx context.Context, desc domain.BuildDescriptor) error {
	hopts := r.v.opts.Handler
	env, err := r.v.opts.Opener.Open(ctx, sandbox.Spec{
		Image:   handler.ImageFor(desc.System, hopts),
		HostDir: r.unit.Checkout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Build(failure.CantStartEnvironment, err.Error(), err)
	}

	h, err := handler.New(desc, r.unit.Checkout, env, hopts)
	if err != nil {
		r.closeEnv(env)
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupBudget)
		defer cancel()
		if err := h.Clean(cleanupCtx); err != nil {
			r.logger.Warn("cleaning build outputs", zap.Error(err))
		}
		r.closeEnv(env)
	}()

	return r.phases(ctx, h)
}

func (r *run) phases(ctx context.Context, h handler.Handler) error {
	vr := r.entry.Verification

	source, err := h.HasTests()
	if err != nil {
		return err
	}
	vr.HasTests = true
	vr.TestSource = source
	r.setState(domain.StateTestsChecked)

	if _, err := h.Compile(ctx); err != nil {
		return err
	}
	vr.Compiled = true
	r.setState(domain.StateCompiled)

	counts, _, err := h.Test(ctx)
	if err != nil {
		return err
	}
	vr.Tested = true
	vr.Tests = &counts
	r.setState(domain.StateTested)

	if err := h.GenerateCoverageReport(ctx, false); err != nil {
		return err
	}
	r.setState(domain.StateCoverageGenerated)

	// coverage is recorded only once every commented code file is covered
	type fileCoverage struct {
		file string
		cov  handler.Coverage
	}
	var measured []fileCoverage
	for _, file := range r.unit.PR.CommentedFiles() {
		if !domain.IsCodeFile(file, r.v.opts.CodeExtensions) {
			continue
		}
		for cov, err := range h.CheckCoverage(file) {
			if err != nil {
				return err
			}
			measured = append(measured, fileCoverage{file: file, cov: cov})
		}
	}
	for _, m := range measured {
		r.entry.SetCoverage(m.file, m.cov.Report, m.cov.Percent)
	}

	covered := true
	r.entry.Metadata.IsCovered = &covered
	r.entry.Metadata.ReasonForFailure = domain.ReasonValid
	r.setState(domain.StateDone)
	return nil
}

func (r *run) fail(err error) {
	reason, output := failure.Describe(err)
	r.entry.Fail(reason, output)

	kind := failure.KindOf(err)
	switch kind {
	case failure.FileNotCovered, failure.NoMavenCoverageReport, failure.NoGradleCoverageReport:
		covered := false
		r.entry.Metadata.IsCovered = &covered
	}
	vr := r.entry.Verification
	vr.FailureKind = string(kind)
	vr.RawOutput = output
	r.logger.Info("pr failed",
		zap.String("kind", string(kind)),
		zap.String("state", string(vr.State)))
	r.setState(domain.StateFailed)
}

func (r *run) setState(state domain.State) {
	r.entry.Verification.State = state
	key := r.entry.Key()
	if err := r.v.opts.Ledger.UpdateAttemptState(r.v.opts.RunID, key.Repo, key.PRNumber, state); err != nil {
		r.logger.Warn("recording state", zap.Error(err))
	}
	r.v.opts.Progress.StateChanged(r.v.opts.Worker, key, state)
}

func (r *run) closeEnv(env sandbox.Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupBudget)
	defer cancel()
	if err := env.Close(ctx); err != nil {
		r.logger.Warn("closing environment", zap.Error(err))
	}
}

func (r *run) resetCheckout(repo *checkout.Repo) {
	if err := repo.Reset(); err != nil {
		r.logger.Warn("resetting checkout", zap.Error(err))
	}
}
