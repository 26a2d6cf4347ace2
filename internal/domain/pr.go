package domain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Comment is a review comment anchored to a line range of one file
type Comment struct {
	Body        string   `json:"body" yaml:"body"`
	File        string   `json:"file" yaml:"file"`
	From        *int     `json:"from_" yaml:"from"`
	To          *int     `json:"to" yaml:"to"`
	Paraphrases []string `json:"paraphrases,omitempty" yaml:"paraphrases,omitempty"`
}

// HasLines reports whether the comment is anchored to a line range
func (c Comment) HasLines() bool {
	return c.From != nil && c.To != nil
}

// PullRequest is a candidate PR as produced by the selection stage
type PullRequest struct {
	Number         int               `json:"number" yaml:"number"`
	Title          string            `json:"title" yaml:"title"`
	Body           string            `json:"body" yaml:"body"`
	BaseSHA        string            `json:"base_sha" yaml:"base_sha"`
	MergeCommitSHA string            `json:"merge_commit_sha" yaml:"merge_commit_sha"`
	Files          []string          `json:"files,omitempty" yaml:"files,omitempty"`
	Comments       []Comment         `json:"comments" yaml:"comments"`
	DiffsBefore    map[string]string `json:"diffs_before" yaml:"diffs_before"`
	DiffsAfter     map[string]string `json:"diffs_after" yaml:"diffs_after"`
}

// CommentedFiles returns the distinct files targeted by comments, sorted
func (p *PullRequest) CommentedFiles() []string {
	seen := make(map[string]bool)
	var files []string
	for _, c := range p.Comments {
		if c.File == "" || seen[c.File] {
			continue
		}
		seen[c.File] = true
		files = append(files, c.File)
	}
	sort.Strings(files)
	return files
}

// ChangedFiles returns the files touched by the PR. When the descriptor
// does not list them, the union of both diff sets is used.
func (p *PullRequest) ChangedFiles() []string {
	if len(p.Files) > 0 {
		files := append([]string(nil), p.Files...)
		sort.Strings(files)
		return files
	}
	seen := make(map[string]bool)
	var files []string
	for _, diffs := range []map[string]string{p.DiffsBefore, p.DiffsAfter} {
		for name := range diffs {
			if !seen[name] {
				seen[name] = true
				files = append(files, name)
			}
		}
	}
	sort.Strings(files)
	return files
}

// RepoUnit is the unit of work handed to a worker: one repository and
// all of its candidate PRs. PRs of one repository share a checkout and
// are therefore never split across workers.
type RepoUnit struct {
	Repo  string        `json:"repo" yaml:"repo"`
	Path  string        `json:"path,omitempty" yaml:"path,omitempty"`
	Pulls []PullRequest `json:"pulls" yaml:"pulls"`
}

// ResolvePath returns the checkout path, defaulting to reposDir/owner/name
func (u RepoUnit) ResolvePath(reposDir string) string {
	if u.Path != "" {
		return u.Path
	}
	return filepath.Join(reposDir, filepath.FromSlash(u.Repo))
}

// ValidateRepoName checks the owner/name form
func ValidateRepoName(name string) error {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repository name %q (expected owner/name)", name)
	}
	return nil
}

// IsCodeFile reports whether the file name ends with one of the extensions
func IsCodeFile(name string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
