package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattn/go-zglob"
)

// Coverage report locations, relative to the checkout root. Both patterns
// match nested modules as well as the root project.
const (
	MavenReportPattern  = "**/target/site/**/jacoco.xml"
	GradleReportPattern = "**/reports/jacoco/**/index.html"
)

// FindMavenReports returns every JaCoCo XML report under root, sorted
func FindMavenReports(root string) ([]string, error) {
	return glob(root, MavenReportPattern)
}

// FindGradleReports returns the top-level JaCoCo HTML report of every
// project under root, sorted. Package pages are skipped: they sit next
// to an index.source.html, the report root does not.
func FindGradleReports(root string) ([]string, error) {
	matches, err := glob(root, GradleReportPattern)
	if err != nil {
		return nil, err
	}
	var reports []string
	for _, m := range matches {
		if _, err := os.Stat(filepath.Join(filepath.Dir(m), "index.source.html")); err == nil {
			continue
		}
		reports = append(reports, m)
	}
	return reports, nil
}

// ReportID names a report by its path relative to root
func ReportID(root, report string) string {
	rel, err := filepath.Rel(root, report)
	if err != nil {
		return filepath.ToSlash(report)
	}
	return filepath.ToSlash(rel)
}

func glob(root, pattern string) ([]string, error) {
	matches, err := zglob.Glob(filepath.Join(root, pattern))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("globbing %s in %s: %w", pattern, root, err)
	}
	sort.Strings(matches)
	return matches, nil
}
