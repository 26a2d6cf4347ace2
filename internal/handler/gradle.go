package handler

import (
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/extract"
	"github.com/hochfrequenz/crab-verify/internal/failure"
	"github.com/hochfrequenz/crab-verify/internal/inject"
)

// GradleBase runs Gradle without the daemon and with plain console output
const GradleBase = "gradle --no-daemon --console=plain"

type gradle struct{}

func (gradle) system() domain.BuildSystem { return domain.BuildGradle }

func (gradle) commands() commandSet {
	return commandSet{
		compile:  GradleBase + " compileJava",
		test:     GradleBase + " test",
		clean:    GradleBase + " clean",
		coverage: GradleBase + " test jacocoTestReport",
	}
}

// Gradle totals come from the HTML report, not the console
func (gradle) extract(manifestDir, _ string) (domain.TestCounts, error) {
	return extract.ParseGradleReport(manifestDir)
}

func (gradle) findReports(root string) ([]string, error) {
	return extract.FindGradleReports(root)
}

func (gradle) fileCoverage(report, file string) (float64, bool, error) {
	return extract.GradleFileCoverage(report, file)
}

func (gradle) noReportKind() failure.Kind { return failure.NoGradleCoverageReport }

func (gradle) injector() inject.Injector { return inject.Gradle{} }
