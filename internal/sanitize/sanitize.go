// Package sanitize shrinks build tool output before it is stored.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// DownloadMarker replaces a run of Maven download lines
	DownloadMarker = "[CRAB] Downloading stuff"
	// LicensesMarker follows the unapproved licenses header
	LicensesMarker = "[CRAB] List of all the unapproved licenses..."
)

var (
	downloadLine     = regexp.MustCompile(`^\[INFO\] Download(ing|ed) from`)
	licensesHeader   = regexp.MustCompile(`^\[WARNING\] Files with unapproved licenses:`)
	licensedArtifact = regexp.MustCompile(`^\s+\?/\.m2/repository`)
)

// Clean applies both passes to output. Lines outside the recognised
// blocks are kept verbatim, so output without such blocks is returned
// unchanged.
func Clean(output string) string {
	lines := strings.Split(output, "\n")
	lines = MergeDownloads(lines)
	lines = MergeUnapprovedLicenses(lines)
	return strings.Join(lines, "\n")
}

// MergeDownloads collapses each run of consecutive download lines into one marker
func MergeDownloads(lines []string) []string {
	out := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		if downloadLine.MatchString(line) {
			if !inBlock {
				out = append(out, DownloadMarker)
				inBlock = true
			}
			continue
		}
		out = append(out, line)
		inBlock = false
	}
	return out
}

// MergeUnapprovedLicenses keeps the unapproved licenses header, adds a
// marker and drops the artifact lines that follow it. Passthrough resumes
// at the first line that is not an artifact line.
func MergeUnapprovedLicenses(lines []string) []string {
	out := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		if licensesHeader.MatchString(line) {
			out = append(out, line, LicensesMarker)
			inBlock = true
			continue
		}
		if inBlock {
			if licensedArtifact.MatchString(line) {
				continue
			}
			inBlock = false
		}
		out = append(out, line)
	}
	return out
}
