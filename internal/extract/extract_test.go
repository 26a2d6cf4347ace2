package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const mavenModuleOK = `[INFO] -------------------------------------------------------
[INFO]  T E S T S
[INFO] -------------------------------------------------------
[INFO] Running org.example.AppTest
[INFO] Tests run: 10, Failures: 1, Errors: 0, Skipped: 2, Time elapsed: 0.05 s
[INFO]
[INFO] Results:
[INFO]
[INFO] Tests run: 10, Failures: 1, Errors: 0, Skipped: 2
[INFO]
`

const mavenModuleFailing = `[INFO] Running org.example.core.ParserTest
[ERROR] Tests run: 4, Failures: 1, Errors: 1, Skipped: 0, Time elapsed: 0.1 s <<< FAILURE!
[INFO]
[INFO] Results:
[INFO]
[ERROR] Failures:
[ERROR]   ParserTest.parsesEmpty:42 expected:<1> but was:<0>
[ERROR] Errors:
[ERROR]   ParserTest.parsesNull:50 NullPointer
[INFO]
[ERROR] Tests run: 4, Failures: 1, Errors: 1, Skipped: 0
[INFO]
`

func TestParseMavenSummary_Scenario(t *testing.T) {
	got, err := ParseMavenSummary(mavenModuleOK)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCounts{Run: 10, Passed: 7, Failed: 1, Errored: 0, Skipped: 2}, got)
}

func TestParseMavenSummary_SumsModules(t *testing.T) {
	got, err := ParseMavenSummary(mavenModuleOK + "[INFO] Building core\n" + mavenModuleFailing)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCounts{Run: 14, Passed: 9, Failed: 2, Errored: 1, Skipped: 2}, got)

	// order of modules does not change the totals
	swapped, err := ParseMavenSummary(mavenModuleFailing + mavenModuleOK)
	require.NoError(t, err)
	assert.Equal(t, got, swapped)
}

func TestParseMavenSummary_CRLF(t *testing.T) {
	got, err := ParseMavenSummary(strings.ReplaceAll(mavenModuleOK, "\n", "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, got.Run)
}

func TestParseMavenSummary_NoResults(t *testing.T) {
	_, err := ParseMavenSummary("[INFO] BUILD SUCCESS\n[INFO] Tests run: 3, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 1 s\n")
	assert.Equal(t, failure.NoTestResultsToExtract, failure.KindOf(err))
}

const gradleIndex = `<!DOCTYPE html>
<html><body>
<div id="summary"><table><tr>
<td><div class="summaryGroup"><table><tr>
<td><div class="infoBox" id="tests"><div class="counter">23</div><p>tests</p></div></td>
<td><div class="infoBox" id="failures"><div class="counter">3</div><p>failures</p></div></td>
<td><div class="infoBox" id="ignored"><div class="counter">1</div><p>ignored</p></div></td>
</tr></table></div></td>
</tr></table></div>
</body></html>`

func TestParseGradleReport(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, GradleTestReport), gradleIndex)

	got, err := ParseGradleReport(dir)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCounts{Run: 23, Passed: 20, Failed: 3, Errored: -1, Skipped: -1}, got)
}

func TestParseGradleReport_Missing(t *testing.T) {
	_, err := ParseGradleReport(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, failure.NoTestResultsToExtract, failure.KindOf(err))
}

func TestParseGradleReport_NoFailuresBox(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, GradleTestReport),
		`<html><body><div class="infoBox" id="tests"><div class="counter">5</div></div></body></html>`)

	_, err := ParseGradleReport(dir)
	assert.Equal(t, failure.NoTestResultsToExtract, failure.KindOf(err))
}

const jacocoXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<!DOCTYPE report PUBLIC "-//JACOCO//DTD Report 1.1//EN" "report.dtd">
<report name="core">
  <sessioninfo id="host-1" start="1" dump="2"/>
  <package name="org/example/core">
    <class name="org/example/core/Parser" sourcefilename="Parser.java">
      <counter type="LINE" missed="99" covered="1"/>
    </class>
    <sourcefile name="Parser.java">
      <line nr="3" mi="0" ci="3" mb="0" cb="0"/>
      <counter type="INSTRUCTION" missed="10" covered="30"/>
      <counter type="LINE" missed="5" covered="15"/>
    </sourcefile>
    <sourcefile name="Empty.java">
      <counter type="INSTRUCTION" missed="0" covered="0"/>
    </sourcefile>
  </package>
  <group name="nested">
    <package name="org/example/util">
      <sourcefile name="Strings.java">
        <counter type="LINE" missed="1" covered="1"/>
      </sourcefile>
    </package>
  </group>
</report>`

func TestMavenFileCoverage(t *testing.T) {
	report := filepath.Join(t.TempDir(), "target/site/jacoco/jacoco.xml")
	write(t, report, jacocoXML)

	tests := []struct {
		file    string
		want    float64
		wantOK  bool
		comment string
	}{
		{"core/src/main/java/org/example/core/Parser.java", 75, true, "suffix match"},
		{"src/main/java/org/example/util/Strings.java", 50, true, "package inside group"},
		{"src/main/java/org/example/core/Empty.java", 0, true, "no line counter"},
		{"src/main/java/org/other/Parser.java", 0, false, "same name other package"},
		{"src/main/java/org/example/core/XParser.java", 0, false, "name is a suffix only"},
	}
	for _, tt := range tests {
		t.Run(tt.comment, func(t *testing.T) {
			got, ok, err := MavenFileCoverage(report, tt.file)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestMavenFileCoverage_DeclaredEncoding(t *testing.T) {
	report := filepath.Join(t.TempDir(), "jacoco.xml")
	write(t, report, `<?xml version="1.0" encoding="ISO-8859-1"?>
<report name="gr`+"\xf6\xdf"+`e">
  <package name="org/example">
    <sourcefile name="App.java"><counter type="LINE" missed="1" covered="3"/></sourcefile>
  </package>
</report>`)

	got, ok, err := MavenFileCoverage(report, "src/main/java/org/example/App.java")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 75, got, 0.001)
}

func TestMavenFileCoverage_Malformed(t *testing.T) {
	report := filepath.Join(t.TempDir(), "jacoco.xml")
	write(t, report, "<report><package")

	_, _, err := MavenFileCoverage(report, "A.java")
	assert.Error(t, err)
}

const gradleSourcePage = `<html><body>
<table class="coverage" cellspacing="0" id="coveragetable">
<thead><tr><td>Element</td><td>Missed Instructions</td><td>Cov.</td></tr></thead>
<tbody>
<tr><td id="a0"><a href="Parser.java.html" class="el_source">Parser.java</a></td><td class="bar" id="b0"></td><td class="ctr2" id="c0">81%</td><td class="bar" id="d0"></td><td class="ctr2" id="e0">50%</td><td class="ctr1" id="f0">4</td><td class="ctr2" id="g0">12</td><td class="ctr1" id="h0">10</td><td class="ctr2" id="i0">40</td></tr>
<tr><td id="a1"><a href="Lexer.java.html" class="el_source">Lexer.java</a></td><td class="bar" id="b1"></td><td class="ctr2" id="c1">12%</td></tr>
</tbody>
<tfoot><tr><td>Total</td><td class="bar">1 of 2</td><td class="ctr2">50%</td></tr></tfoot>
</table></body></html>`

func TestGradleCoverage(t *testing.T) {
	root := t.TempDir()
	reportDir := filepath.Join(root, "build/reports/jacoco/test/html")
	write(t, filepath.Join(reportDir, "index.html"), "<html></html>")
	write(t, filepath.Join(reportDir, "jacoco-sessions.html"), "<html></html>")
	write(t, filepath.Join(reportDir, "org.example.core", "index.html"), "<html></html>")
	write(t, filepath.Join(reportDir, "org.example.core", "index.source.html"), gradleSourcePage)

	reports, err := FindGradleReports(root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(reportDir, "index.html")}, reports)
	assert.Equal(t, "build/reports/jacoco/test/html/index.html", ReportID(root, reports[0]))

	got, ok, err := GradleFileCoverage(reports[0], "src/main/java/org/example/core/Parser.java")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 75, got, 0.001)

	// falls back to the instruction percentage
	got, ok, err = GradleFileCoverage(reports[0], "src/main/java/org/example/core/Lexer.java")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 12, got, 0.001)

	_, ok, err = GradleFileCoverage(reports[0], "src/main/java/org/example/api/Parser.java")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindMavenReports_MultiModule(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "target/site/jacoco/jacoco.xml"), jacocoXML)
	write(t, filepath.Join(root, "api/target/site/jacoco/jacoco.xml"), jacocoXML)
	write(t, filepath.Join(root, "api/target/classes/jacoco.xml"), jacocoXML)

	reports, err := FindMavenReports(root)
	require.NoError(t, err)

	var ids []string
	for _, r := range reports {
		ids = append(ids, ReportID(root, r))
	}
	assert.ElementsMatch(t, []string{"target/site/jacoco/jacoco.xml", "api/target/site/jacoco/jacoco.xml"}, ids)
}

func TestFindMavenReports_None(t *testing.T) {
	reports, err := FindMavenReports(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, reports)
}
