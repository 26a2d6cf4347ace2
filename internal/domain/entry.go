package domain

import (
	"path/filepath"

	"github.com/google/uuid"
)

// BuildDescriptor describes the detected build of a checkout.
// It is immutable once detected.
type BuildDescriptor struct {
	System       BuildSystem `json:"system"`
	ManifestPath string      `json:"manifest_path"`
	Depth        int         `json:"depth"`
}

// Dir returns the directory holding the manifest
func (d BuildDescriptor) Dir() string {
	return filepath.Dir(d.ManifestPath)
}

// TestCounts holds the summed test results of a run. Values of -1 mean
// the build tool report does not expose the number.
type TestCounts struct {
	Run     int `json:"run"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// Add sums counts across modules
func (c TestCounts) Add(o TestCounts) TestCounts {
	return TestCounts{
		Run:     c.Run + o.Run,
		Passed:  c.Passed + o.Passed,
		Failed:  c.Failed + o.Failed,
		Errored: c.Errored + o.Errored,
		Skipped: c.Skipped + o.Skipped,
	}
}

// VerificationResult is the outcome of the build phases for one PR
type VerificationResult struct {
	State       State                         `json:"state"`
	HasTests    bool                          `json:"has_tests"`
	TestSource  string                        `json:"detected_source_of_tests,omitempty"`
	Compiled    bool                          `json:"compiled"`
	Tested      bool                          `json:"tested"`
	Tests       *TestCounts                   `json:"tests,omitempty"`
	Coverage    map[string]map[string]float64 `json:"coverage,omitempty"`
	FailureKind string                        `json:"failure_kind,omitempty"`
	RawOutput   string                        `json:"raw_output,omitempty"`
}

// Metadata describes a dataset entry
type Metadata struct {
	ID               string `json:"id"`
	Repo             string `json:"repo"`
	PRNumber         int    `json:"pr_number"`
	PRTitle          string `json:"pr_title"`
	PRBody           string `json:"pr_body"`
	MergeCommitSHA   string `json:"merge_commit_sha"`
	IsCovered        *bool  `json:"is_covered"`
	IsCodeRelated    *bool  `json:"is_code_related"`
	Successful       bool   `json:"successful"`
	BuildSystem      string `json:"build_system"`
	ManifestDepth    int    `json:"manifest_depth,omitempty"`
	ReasonForFailure string `json:"reason_for_failure"`
	LastCmdErrorMsg  string `json:"last_cmd_error_msg"`
}

// FileData holds the verification data of one file touched by the PR
type FileData struct {
	IsCodeRelated   bool               `json:"is_code_related"`
	Coverage        map[string]float64 `json:"coverage"`
	ContentBeforePR string             `json:"content_before_pr"`
	ContentAfterPR  string             `json:"content_after_pr"`
}

// Entry is one PR of the dataset. Every attempted PR yields exactly one
// entry, either successful or carrying one failure reason.
type Entry struct {
	Metadata     Metadata            `json:"metadata"`
	Files        map[string]FileData `json:"files"`
	DiffsBefore  map[string]string   `json:"diffs_before"`
	Comments     []Comment           `json:"comments"`
	DiffsAfter   map[string]string   `json:"diffs_after"`
	Verification *VerificationResult `json:"verification,omitempty"`
}

// NewEntry creates the placeholder entry for a PR about to be processed
func NewEntry(repo string, pr PullRequest) *Entry {
	return &Entry{
		Metadata: Metadata{
			ID:               uuid.New().String(),
			Repo:             repo,
			PRNumber:         pr.Number,
			PRTitle:          pr.Title,
			PRBody:           pr.Body,
			MergeCommitSHA:   pr.MergeCommitSHA,
			Successful:       true,
			ReasonForFailure: ReasonInProgress,
		},
		Files:       make(map[string]FileData),
		DiffsBefore: make(map[string]string),
		Comments:    []Comment{},
		DiffsAfter:  make(map[string]string),
	}
}

// Placeholder reports whether the entry was never finished
func (e *Entry) Placeholder() bool {
	return e.Metadata.ReasonForFailure == ReasonInProgress
}

// Fail marks the entry as failed with a reason and the last command output
func (e *Entry) Fail(reason, lastOutput string) {
	e.Metadata.Successful = false
	e.Metadata.ReasonForFailure = reason
	e.Metadata.LastCmdErrorMsg = lastOutput
}

// SetCoverage records the coverage of a file for one report
func (e *Entry) SetCoverage(file, report string, percent float64) {
	fd := e.Files[file]
	if fd.Coverage == nil {
		fd.Coverage = make(map[string]float64)
	}
	fd.Coverage[report] = percent
	e.Files[file] = fd

	if e.Verification != nil {
		if e.Verification.Coverage == nil {
			e.Verification.Coverage = make(map[string]map[string]float64)
		}
		if e.Verification.Coverage[file] == nil {
			e.Verification.Coverage[file] = make(map[string]float64)
		}
		e.Verification.Coverage[file][report] = percent
	}
}

// Key identifies an entry across runs
type Key struct {
	Repo     string
	PRNumber int
}

// Key returns the cache key of the entry
func (e *Entry) Key() Key {
	return Key{Repo: e.Metadata.Repo, PRNumber: e.Metadata.PRNumber}
}
