// Package failure defines the two failure taxonomies of PR verification.
// Setup failures happen before a build environment exists; build
// failures happen while driving the build tool. Each kind maps to one
// fixed reason string that is stored on the dataset entry.
package failure

import (
	"errors"
	"fmt"
)

// Kind is a stable failure identifier.
type Kind string

// Setup failure kinds.
const (
	NoDiffsBefore                     Kind = "no_diffs_before"
	NoDiffsAfter                      Kind = "no_diffs_after"
	InvalidCommentCount               Kind = "invalid_comment_count"
	NoLinesForComment                 Kind = "no_lines_for_comment"
	CommentedFileNotInOriginalChanges Kind = "commented_file_not_in_original_changes"
	CantCloneRepo                     Kind = "cant_clone_repo"
	CantEnsureFullHistory             Kind = "cant_ensure_full_history"
	CantFetchPR                       Kind = "cant_fetch_pr"
	CantCheckoutCommit                Kind = "cant_checkout_commit"
	MultipleFiles                     Kind = "multiple_files"
	NotValidDirectory                 Kind = "not_valid_directory"
	CantFindBuildFile                 Kind = "cant_find_build_file"
)

// Build failure kinds.
const (
	NoTestsFound           Kind = "no_tests_found"
	FailedToCompile        Kind = "failed_to_compile"
	CompileTimedOut        Kind = "compile_timed_out"
	FailedToTest           Kind = "failed_to_test"
	TestTimedOut           Kind = "test_timed_out"
	NoTestResultsToExtract Kind = "no_test_results_to_extract"
	CantExecCoverage       Kind = "cant_exec_coverage"
	CantInjectCoverage     Kind = "cant_inject_coverage"
	FileNotCovered         Kind = "file_not_covered"
	NoMavenCoverageReport  Kind = "no_maven_coverage_report"
	NoGradleCoverageReport Kind = "no_gradle_coverage_report"
	CantStartEnvironment   Kind = "cant_start_environment"
)

// UnexpectedReason is stored when an error is outside both taxonomies.
const UnexpectedReason = "Unexpected error"

var reasons = map[Kind]string{
	NoDiffsBefore:                     "Couldn't get the diffs before the first commit",
	NoDiffsAfter:                      "Couldn't get the diffs after the last comment",
	InvalidCommentCount:               "The PR must have exactly one comment",
	NoLinesForComment:                 "There are no line reference for the comment",
	CommentedFileNotInOriginalChanges: "Commented file is not part of the original PR (most like due to a merge of another branch)",
	CantCloneRepo:                     "Couldn't clone the repository",
	CantEnsureFullHistory:             "Couldn't ensure the full history of the repo (fetch --unshallow)",
	CantFetchPR:                       "Couldn't fetch the PR's merge commit",
	CantCheckoutCommit:                "Coudln't checkout the PR's merge commit (even after fetching the pull/<pr_number>/merge)",
	MultipleFiles:                     "When requesting the contents of a file, a list of ContentFile was returned",
	NotValidDirectory:                 "The directory is not valid",
	CantFindBuildFile:                 "Couldn't find the build file in the directory",

	NoTestsFound:           "No tests found",
	FailedToCompile:        "Failed to compile",
	CompileTimedOut:        "Compile process killed due to exceeding the time limit",
	FailedToTest:           "Failed to test",
	TestTimedOut:           "Test process killed due to exceeding the time limit",
	NoTestResultsToExtract: "Couldn't extract the test numbers from the output",
	CantExecCoverage:       "Couldn't execute jacoco",
	CantInjectCoverage:     "Couldn't inject jacoco in the build file",
	FileNotCovered:         "Commented file from the PR wasn't not covered",
	NoMavenCoverageReport:  "No Maven coverage report was found",
	NoGradleCoverageReport: "No Gradle coverage report was found",
	CantStartEnvironment:   "Couldn't start the build container",
}

var setupKinds = map[Kind]bool{
	NoDiffsBefore:                     true,
	NoDiffsAfter:                      true,
	InvalidCommentCount:               true,
	NoLinesForComment:                 true,
	CommentedFileNotInOriginalChanges: true,
	CantCloneRepo:                     true,
	CantEnsureFullHistory:             true,
	CantFetchPR:                       true,
	CantCheckoutCommit:                true,
	MultipleFiles:                     true,
	NotValidDirectory:                 true,
	CantFindBuildFile:                 true,
}

// Reason returns the fixed reason string of the kind
func (k Kind) Reason() string {
	if r, ok := reasons[k]; ok {
		return r
	}
	return UnexpectedReason
}

// IsSetup reports whether the kind belongs to the setup taxonomy
func (k Kind) IsSetup() bool {
	return setupKinds[k]
}

// SetupError is a failure before the build environment is used.
type SetupError struct {
	Kind   Kind
	Output string
	Cause  error
}

func (e *SetupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *SetupError) Unwrap() error { return e.Cause }

// Reason returns the fixed reason string
func (e *SetupError) Reason() string { return e.Kind.Reason() }

// BuildError is a failure while driving the build tool.
type BuildError struct {
	Kind   Kind
	Output string
	Cause  error
}

func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// Reason returns the fixed reason string
func (e *BuildError) Reason() string { return e.Kind.Reason() }

// Setup creates a setup failure. It panics on a build kind.
func Setup(kind Kind, output string, cause error) error {
	if !kind.IsSetup() {
		panic(fmt.Sprintf("failure: %s is not a setup kind", kind))
	}
	return &SetupError{Kind: kind, Output: output, Cause: cause}
}

// Build creates a build failure. It panics on a setup kind.
func Build(kind Kind, output string, cause error) error {
	if kind.IsSetup() {
		panic(fmt.Sprintf("failure: %s is not a build kind", kind))
	}
	return &BuildError{Kind: kind, Output: output, Cause: cause}
}

// KindOf extracts the failure kind, or "" if err is outside both taxonomies
func KindOf(err error) Kind {
	var se *SetupError
	if errors.As(err, &se) {
		return se.Kind
	}
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Describe maps any error to exactly one reason and the last captured
// output. Errors outside both taxonomies keep their message as output.
func Describe(err error) (reason, output string) {
	var se *SetupError
	if errors.As(err, &se) {
		return se.Reason(), outputOr(se.Output, se.Cause)
	}
	var be *BuildError
	if errors.As(err, &be) {
		return be.Reason(), outputOr(be.Output, be.Cause)
	}
	return UnexpectedReason, err.Error()
}

func outputOr(output string, cause error) string {
	if output == "" && cause != nil {
		return cause.Error()
	}
	return output
}

// ReasonOf returns the reason stored for err
func ReasonOf(err error) string {
	reason, _ := Describe(err)
	return reason
}
