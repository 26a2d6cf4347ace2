// Package checkout manages the git working tree a PR is verified in.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/failure"
)

// BinaryContent replaces the content of binary files
const BinaryContent = "Binary content (from repository), to be ignored"

// unshallowDepth is the deepen value git itself uses for --unshallow
const unshallowDepth = 0x7fffffff

// Repo is an opened checkout. The branch checked out at Open time is
// the one Reset returns to.
type Repo struct {
	path   string
	repo   *git.Repository
	branch plumbing.ReferenceName
	head   plumbing.Hash
	logger *zap.Logger
}

// Open opens the checkout at path and records its current branch
func Open(path string, logger *zap.Logger) (*Repo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	ref, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of %s: %w", path, err)
	}
	repo := &Repo{path: path, repo: r, head: ref.Hash(), logger: logger}
	if ref.Name().IsBranch() {
		repo.branch = ref.Name()
	}
	return repo, nil
}

// Clone clones url into path. Failures are CantCloneRepo.
func Clone(ctx context.Context, url, path string, logger *zap.Logger) (*Repo, error) {
	if _, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{URL: url}); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_ = os.RemoveAll(path)
		return nil, failure.Setup(failure.CantCloneRepo, err.Error(), err)
	}
	return Open(path, logger)
}

// Path returns the working tree directory
func (r *Repo) Path() string { return r.path }

// Branch returns the short name of the recorded branch, or "" when the
// checkout was on a detached HEAD
func (r *Repo) Branch() string { return r.branch.Short() }

// Shallow reports whether the repository has a shallow history
func (r *Repo) Shallow() (bool, error) {
	shallows, err := r.repo.Storer.Shallow()
	if err != nil {
		return false, err
	}
	return len(shallows) > 0, nil
}

// EnsureFullHistory deepens a shallow clone to its full history.
// Failures are CantEnsureFullHistory.
func (r *Repo) EnsureFullHistory(ctx context.Context) error {
	shallow, err := r.Shallow()
	if err != nil {
		return failure.Setup(failure.CantEnsureFullHistory, err.Error(), err)
	}
	if !shallow {
		return nil
	}
	r.logger.Info("fetching full history", zap.String("path", r.path))
	err = r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName, Depth: unshallowDepth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Setup(failure.CantEnsureFullHistory, err.Error(), err)
	}
	return nil
}

// Checkout moves the working tree to sha. When the commit is unknown the
// PR's merge ref is fetched and the checkout retried once.
func (r *Repo) Checkout(ctx context.Context, sha string, prNumber int) error {
	if err := r.EnsureFullHistory(ctx); err != nil {
		return err
	}
	if err := r.checkoutHash(sha); err == nil {
		return nil
	}

	if err := r.FetchPull(ctx, prNumber); err != nil {
		return err
	}
	if err := r.checkoutHash(sha); err != nil {
		return failure.Setup(failure.CantCheckoutCommit, err.Error(), err)
	}
	return nil
}

// FetchPull fetches refs/pull/N/merge from origin. Failures are CantFetchPR.
func (r *Repo) FetchPull(ctx context.Context, prNumber int) error {
	n := strconv.Itoa(prNumber)
	spec := gitconfig.RefSpec("+refs/pull/" + n + "/merge:refs/remotes/" + git.DefaultRemoteName + "/pr/" + n + "/merge")
	r.logger.Info("fetching pull request merge ref", zap.String("path", r.path), zap.Int("pr", prNumber))
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Setup(failure.CantFetchPR, err.Error(), err)
	}
	return nil
}

func (r *Repo) checkoutHash(sha string) error {
	hash := plumbing.NewHash(sha)
	if _, err := r.repo.CommitObject(hash); err != nil {
		return fmt.Errorf("commit %s: %w", sha, err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true})
}

// Reset discards local changes and returns to the latest commit of the
// branch recorded at Open, or to the recorded commit on a detached HEAD
func (r *Repo) Reset() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if r.branch == "" {
		return wt.Reset(&git.ResetOptions{Commit: r.head, Mode: git.HardReset})
	}

	ref, err := r.repo.Reference(r.branch, true)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", r.branch, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: r.branch, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", r.branch.Short(), err)
	}
	return wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset})
}

// HeadSHA returns the commit the working tree is on
func (r *Repo) HeadSHA() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// FileAt returns the content of name at commit sha. A file that does
// not exist at the commit has empty content.
func (r *Repo) FileAt(sha, name string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", sha, err)
	}
	file, err := commit.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s at %s: %w", name, sha, err)
	}
	binary, err := file.IsBinary()
	if err != nil {
		return "", err
	}
	if binary {
		return BinaryContent, nil
	}
	return file.Contents()
}
