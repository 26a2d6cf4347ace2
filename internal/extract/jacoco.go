package extract

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// jacocoReport mirrors the parts of the JaCoCo XML report we read.
// Aggregate reports nest packages inside groups.
type jacocoReport struct {
	XMLName  xml.Name        `xml:"report"`
	Groups   []jacocoGroup   `xml:"group"`
	Packages []jacocoPackage `xml:"package"`
}

type jacocoGroup struct {
	Name     string          `xml:"name,attr"`
	Groups   []jacocoGroup   `xml:"group"`
	Packages []jacocoPackage `xml:"package"`
}

type jacocoPackage struct {
	Name        string             `xml:"name,attr"`
	SourceFiles []jacocoSourceFile `xml:"sourcefile"`
}

type jacocoSourceFile struct {
	Name     string          `xml:"name,attr"`
	Counters []jacocoCounter `xml:"counter"`
}

type jacocoCounter struct {
	Type    string `xml:"type,attr"`
	Missed  int    `xml:"missed,attr"`
	Covered int    `xml:"covered,attr"`
}

// MavenFileCoverage returns the line coverage of file in a JaCoCo XML
// report. A source file matches when its package path and name form a
// suffix of file. ok is false when the report does not mention the file.
func MavenFileCoverage(report, file string) (percent float64, ok bool, err error) {
	data, err := os.ReadFile(report)
	if err != nil {
		return 0, false, err
	}

	var r jacocoReport
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&r); err != nil {
		return 0, false, fmt.Errorf("parsing %s: %w", report, err)
	}

	file = filepath.ToSlash(file)
	packages := collectPackages(r.Packages, r.Groups)
	for _, pkg := range packages {
		for _, sf := range pkg.SourceFiles {
			if !hasPathSuffix(file, path.Join(pkg.Name, sf.Name)) {
				continue
			}
			for _, c := range sf.Counters {
				if c.Type == "LINE" {
					return ratio(c.Covered, c.Covered+c.Missed), true, nil
				}
			}
			return 0, true, nil
		}
	}
	return 0, false, nil
}

func collectPackages(pkgs []jacocoPackage, groups []jacocoGroup) []jacocoPackage {
	all := append([]jacocoPackage(nil), pkgs...)
	for _, g := range groups {
		all = append(all, collectPackages(g.Packages, g.Groups)...)
	}
	return all
}

// GradleFileCoverage returns the line coverage of file from a JaCoCo HTML
// report rooted at index. Each package directory holds an
// index.source.html table whose cells are keyed by column letter:
// h is missed lines, i is total lines, c the instruction percentage.
func GradleFileCoverage(index, file string) (percent float64, ok bool, err error) {
	file = filepath.ToSlash(file)
	dir := filepath.Dir(index)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "jacoco-resources" {
			continue
		}
		pkgPath := strings.ReplaceAll(e.Name(), ".", "/")
		if e.Name() == "default" {
			pkgPath = ""
		}
		// cheap prefilter before opening the page
		if pkgPath != "" && !strings.Contains(file, pkgPath+"/") {
			continue
		}

		percent, ok, err := sourcePageCoverage(filepath.Join(dir, e.Name(), "index.source.html"), pkgPath, file)
		if err != nil || ok {
			return percent, ok, err
		}
	}
	return 0, false, nil
}

func sourcePageCoverage(page, pkgPath, file string) (float64, bool, error) {
	f, err := os.Open(page)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return 0, false, fmt.Errorf("parsing %s: %w", page, err)
	}

	var (
		percent float64
		found   bool
	)
	doc.Find("table.coverage tbody tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		name := strings.TrimSpace(row.Find("td").First().Text())
		if name == "" || !hasPathSuffix(file, path.Join(pkgPath, name)) {
			return true
		}
		found = true
		percent = rowCoverage(row)
		return false
	})
	return percent, found, nil
}

func rowCoverage(row *goquery.Selection) float64 {
	missed, okM := cellInt(row, "h")
	lines, okL := cellInt(row, "i")
	if okM && okL {
		return ratio(lines-missed, lines)
	}
	// older layouts only carry the instruction percentage
	text := strings.TrimSpace(cellText(row, "c"))
	text = strings.TrimSuffix(text, "%")
	if v, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return v
	}
	return 0
}

func cellText(row *goquery.Selection, column string) string {
	var text string
	row.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		id, _ := td.Attr("id")
		if strings.HasPrefix(id, column) && isDigits(id[len(column):]) {
			text = td.Text()
			return false
		}
		return true
	})
	return text
}

func cellInt(row *goquery.Selection, column string) (int, bool) {
	text := strings.TrimSpace(cellText(row, column))
	text = strings.ReplaceAll(text, ",", "")
	text = strings.ReplaceAll(text, " ", "")
	if text == "" {
		return 0, false
	}
	n, err := strconv.Atoi(text)
	return n, err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hasPathSuffix reports whether p ends with the path elements of suffix
func hasPathSuffix(p, suffix string) bool {
	if p == suffix {
		return true
	}
	return strings.HasSuffix(p, "/"+suffix)
}

func ratio(covered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(covered) / float64(total) * 100
}
