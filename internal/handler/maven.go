package handler

import (
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/extract"
	"github.com/hochfrequenz/crab-verify/internal/failure"
	"github.com/hochfrequenz/crab-verify/internal/inject"
)

// MavenBase runs Maven non-interactively without colors or download logs.
// Dependencies are still downloaded when needed.
const MavenBase = "mvn -B -Dstyle.color=never -Dartifact.download.skip=true"

type maven struct{}

func (maven) system() domain.BuildSystem { return domain.BuildMaven }

func (maven) commands() commandSet {
	return commandSet{
		compile:  MavenBase + " clean compile",
		test:     MavenBase + " test",
		clean:    MavenBase + " clean",
		coverage: MavenBase + " jacoco:prepare-agent test jacoco:report",
	}
}

func (maven) extract(_ string, output string) (domain.TestCounts, error) {
	return extract.ParseMavenSummary(output)
}

func (maven) findReports(root string) ([]string, error) {
	return extract.FindMavenReports(root)
}

func (maven) fileCoverage(report, file string) (float64, bool, error) {
	return extract.MavenFileCoverage(report, file)
}

func (maven) noReportKind() failure.Kind { return failure.NoMavenCoverageReport }

func (maven) injector() inject.Injector { return inject.Maven{} }
