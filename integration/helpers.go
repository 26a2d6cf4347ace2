//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// binaryPath returns the crab-verify binary, building it on first use
func binaryPath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("CRAB_VERIFY_BIN"); p != "" {
		return p
	}

	abs, _ := filepath.Abs("../crab-verify")
	if _, err := os.Stat(abs); err == nil {
		return abs
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", abs, "../cmd/crab-verify")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return abs
}

// writeFile creates a file and its parent directories
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// createTestConfig writes a config using the local sandbox and a
// ledger inside dir
func createTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `[general]
repos_dir = "`+filepath.Join(dir, "repos")+`"
database_path = "`+filepath.Join(dir, "runs.db")+`"
workers = 2

[sandbox]
driver = "local"

[logging]
level = "error"
`)
	return path
}

// runCLI runs the binary and returns its combined output
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
