package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
)

// GradleTestReport is the HTML test summary relative to the build directory
const GradleTestReport = "build/reports/tests/test/index.html"

// ParseGradleReport reads the test totals from the Gradle HTML report
// under dir. Gradle does not report errors or skips, so both are -1.
func ParseGradleReport(dir string) (domain.TestCounts, error) {
	path := filepath.Join(dir, filepath.FromSlash(GradleTestReport))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.TestCounts{}, noGradleResults("No test results found (prolly a repo with sub-projects)")
		}
		return domain.TestCounts{}, failure.Build(failure.NoTestResultsToExtract, "", err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return domain.TestCounts{}, failure.Build(failure.NoTestResultsToExtract, "", fmt.Errorf("parsing %s: %w", path, err))
	}

	total, err := counter(doc, "tests")
	if err != nil {
		return domain.TestCounts{}, err
	}
	failed, err := counter(doc, "failures")
	if err != nil {
		return domain.TestCounts{}, err
	}

	return domain.TestCounts{
		Run:     total,
		Passed:  total - failed,
		Failed:  failed,
		Errored: -1,
		Skipped: -1,
	}, nil
}

func counter(doc *goquery.Document, id string) (int, error) {
	box := doc.Find("div.infoBox#" + id)
	if box.Length() == 0 {
		return 0, noGradleResults(fmt.Sprintf("No test results found (no div.infoBox#%s)", id))
	}
	c := box.Find("div.counter").First()
	if c.Length() == 0 {
		return 0, noGradleResults(fmt.Sprintf("No test results found (no div.counter for %s)", id))
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Text()))
	if err != nil {
		return 0, noGradleResults(fmt.Sprintf("No test results found (bad counter %q for %s)", c.Text(), id))
	}
	return n, nil
}

func noGradleResults(msg string) error {
	return failure.Build(failure.NoTestResultsToExtract, msg, nil)
}
