//go:build integration

package integration

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLI_Detect(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "service", "build.gradle"), "")
	writeFile(t, filepath.Join(root, "api", "pom.xml"), "<project/>")

	out, err := runCLI(t, "detect", root)
	if err != nil {
		t.Fatalf("detect failed: %v\n%s", err, out)
	}
	// subdirectories are scanned in name order
	if !strings.HasPrefix(out, "maven\t"+filepath.Join(root, "api", "pom.xml")) {
		t.Errorf("detect output = %q", out)
	}
	if !strings.Contains(out, "(depth 1)") {
		t.Errorf("detect output missing depth: %q", out)
	}

	if out, err := runCLI(t, "detect", "--root-only", root); err == nil {
		t.Errorf("detect --root-only should fail without a root manifest, got %q", out)
	}
}

func TestCLI_StatusWithoutRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := createTestConfig(t, dir)

	out, err := runCLI(t, "--config", cfg, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Errorf("status output = %q", out)
	}
}

func TestCLI_RunRecordsEveryPR(t *testing.T) {
	dir := t.TempDir()
	cfg := createTestConfig(t, dir)
	candidates := filepath.Join(dir, "candidates.yaml")
	writeFile(t, candidates, `repos:
  - repo: acme/missing
    pulls:
      - number: 1
        title: first
      - number: 2
        title: second
`)
	output := filepath.Join(dir, "out.jsonl")

	out, err := runCLI(t, "--config", cfg, "run", candidates, "-o", output)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0/2 successful") {
		t.Errorf("run output = %q", out)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var reasons []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for sc.Scan() {
		var e struct {
			Metadata struct {
				PRNumber         int    `json:"pr_number"`
				Successful       bool   `json:"successful"`
				ReasonForFailure string `json:"reason_for_failure"`
			} `json:"metadata"`
		}
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		if e.Metadata.Successful {
			t.Errorf("PR #%d marked successful without a checkout", e.Metadata.PRNumber)
		}
		reasons = append(reasons, e.Metadata.ReasonForFailure)
	}
	if len(reasons) != 2 {
		t.Fatalf("entries = %d, want 2", len(reasons))
	}
	for _, r := range reasons {
		if r != "The directory is not valid" {
			t.Errorf("reason = %q", r)
		}
	}

	out, err = runCLI(t, "--config", cfg, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "The directory is not valid") {
		t.Errorf("status output = %q", out)
	}
}
