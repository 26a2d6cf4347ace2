package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hochfrequenz/crab-verify/internal/checkout"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
)

// SetupContext is the state setup steps work on
type SetupContext struct {
	Unit  Unit
	Entry *domain.Entry
	// Repo is nil when the checkout is not a git repository
	Repo *checkout.Repo
	// CodeExtensions decide which files are code related
	CodeExtensions []string
}

// SetupStep prepares one part of an entry before the build runs. A
// *failure.SetupError ends the PR with its reason.
type SetupStep interface {
	Name() string
	Run(ctx context.Context, sc *SetupContext) error
}

// StepFunc adapts a function to SetupStep
type StepFunc struct {
	Label string
	Fn    func(ctx context.Context, sc *SetupContext) error
}

func (s StepFunc) Name() string { return s.Label }

func (s StepFunc) Run(ctx context.Context, sc *SetupContext) error { return s.Fn(ctx, sc) }

// SetupOptions configures the built-in setup steps
type SetupOptions struct {
	// ArchiveDir receives the base and merged snapshots; empty disables archiving
	ArchiveDir string
}

// DefaultSetup returns the built-in steps in execution order. The last
// checkout is the merge commit, so the build runs on the merged code.
func DefaultSetup(opts SetupOptions) []SetupStep {
	steps := []SetupStep{
		diffsStep{},
		commentsStep{},
		checkoutStep{name: "checkout base commit", sha: baseSHA},
	}
	if opts.ArchiveDir != "" {
		steps = append(steps, archiveStep{dir: opts.ArchiveDir, suffix: "base", sha: baseSHA})
	}
	steps = append(steps, checkoutStep{name: "checkout merge commit", sha: mergeSHA})
	if opts.ArchiveDir != "" {
		steps = append(steps, archiveStep{dir: opts.ArchiveDir, suffix: "merged", sha: mergeSHA})
	}
	return append(steps, filesStep{})
}

func baseSHA(pr domain.PullRequest) string  { return pr.BaseSHA }
func mergeSHA(pr domain.PullRequest) string { return pr.MergeCommitSHA }

type diffsStep struct{}

func (diffsStep) Name() string { return "diffs" }

func (diffsStep) Run(_ context.Context, sc *SetupContext) error {
	pr := sc.Unit.PR
	if len(pr.DiffsBefore) == 0 {
		return failure.Setup(failure.NoDiffsBefore, "descriptor has no diffs before the first comment", nil)
	}
	if len(pr.DiffsAfter) == 0 {
		return failure.Setup(failure.NoDiffsAfter, "descriptor has no diffs after the last comment", nil)
	}
	for name, diff := range pr.DiffsBefore {
		sc.Entry.DiffsBefore[name] = diff
	}
	for name, diff := range pr.DiffsAfter {
		sc.Entry.DiffsAfter[name] = diff
	}
	return nil
}

type commentsStep struct{}

func (commentsStep) Name() string { return "comments" }

func (commentsStep) Run(_ context.Context, sc *SetupContext) error {
	pr := sc.Unit.PR
	if len(pr.Comments) != 1 {
		return failure.Setup(failure.InvalidCommentCount, fmt.Sprintf("descriptor has %d comments", len(pr.Comments)), nil)
	}
	changed := make(map[string]bool)
	for _, f := range pr.ChangedFiles() {
		changed[f] = true
	}
	for _, c := range pr.Comments {
		if !c.HasLines() {
			return failure.Setup(failure.NoLinesForComment, c.File, nil)
		}
		if len(changed) > 0 && !changed[c.File] {
			return failure.Setup(failure.CommentedFileNotInOriginalChanges, c.File, nil)
		}
	}
	sc.Entry.Comments = append(sc.Entry.Comments, pr.Comments...)
	return nil
}

type checkoutStep struct {
	name string
	sha  func(domain.PullRequest) string
}

func (s checkoutStep) Name() string { return s.name }

func (s checkoutStep) Run(ctx context.Context, sc *SetupContext) error {
	sha := s.sha(sc.Unit.PR)
	if sc.Repo == nil || sha == "" {
		return nil
	}
	return sc.Repo.Checkout(ctx, sha, sc.Unit.PR.Number)
}

type archiveStep struct {
	dir    string
	suffix string
	sha    func(domain.PullRequest) string
}

func (s archiveStep) Name() string { return "archive " + s.suffix }

func (s archiveStep) Run(_ context.Context, sc *SetupContext) error {
	sha := s.sha(sc.Unit.PR)
	if sc.Repo == nil || sha == "" {
		return nil
	}
	dest := filepath.Join(s.dir, checkout.ArchiveName(sc.Unit.Repo, sc.Unit.PR.Number, s.suffix))
	return sc.Repo.Archive(sha, dest)
}

// filesStep records every changed file with its content before and
// after the PR
type filesStep struct{}

func (filesStep) Name() string { return "files" }

func (filesStep) Run(_ context.Context, sc *SetupContext) error {
	pr := sc.Unit.PR
	for _, name := range pr.ChangedFiles() {
		fd := domain.FileData{
			IsCodeRelated: domain.IsCodeFile(name, sc.CodeExtensions),
			Coverage:      make(map[string]float64),
		}
		if sc.Repo != nil {
			var err error
			if pr.BaseSHA != "" {
				if fd.ContentBeforePR, err = sc.Repo.FileAt(pr.BaseSHA, name); err != nil {
					return err
				}
			}
			if pr.MergeCommitSHA != "" {
				if fd.ContentAfterPR, err = sc.Repo.FileAt(pr.MergeCommitSHA, name); err != nil {
					return err
				}
			}
		}
		sc.Entry.Files[name] = fd
	}
	return nil
}
