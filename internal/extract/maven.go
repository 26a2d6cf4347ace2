// Package extract turns build tool output and report files into typed metrics.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
)

// mavenSummary matches the per-module surefire summary. Levels other than
// INFO appear when tests fail, and failing test names sit between the
// Results header and the totals line.
var mavenSummary = regexp.MustCompile(
	`(?m)^\[(?:INFO|WARNING|ERROR)\] Results:\n` +
		`(?:.*\n)*?` +
		`\[(?:INFO|WARNING|ERROR)\] Tests run: (\d+), Failures: (\d+), Errors: (\d+), Skipped: (\d+)`)

// ParseMavenSummary sums the test summaries of every module in the raw
// Maven output. Passed is run minus failed, errored and skipped.
func ParseMavenSummary(output string) (domain.TestCounts, error) {
	output = strings.ReplaceAll(output, "\r\n", "\n")

	matches := mavenSummary.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return domain.TestCounts{}, failure.Build(failure.NoTestResultsToExtract,
			"No test results found in Maven output", nil)
	}

	var total domain.TestCounts
	for _, m := range matches {
		run, _ := strconv.Atoi(m[1]) // regex guarantees digits
		failed, _ := strconv.Atoi(m[2])
		errored, _ := strconv.Atoi(m[3])
		skipped, _ := strconv.Atoi(m[4])
		total = total.Add(domain.TestCounts{
			Run:     run,
			Passed:  run - failed - errored - skipped,
			Failed:  failed,
			Errored: errored,
			Skipped: skipped,
		})
	}
	return total, nil
}
