package observer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
)

type received struct {
	mu  sync.Mutex
	prs []int
}

func (r *received) add(entries []domain.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.prs = append(r.prs, e.Metadata.PRNumber)
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prs)
}

func waitForCount(t *testing.T, r *received, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d entries, want %d", r.count(), want)
}

func TestResultsFollower_ExistingAndAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	w, err := resultstore.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Write(domain.NewEntry("acme/widgets", domain.PullRequest{Number: 1})); err != nil {
		t.Fatal(err)
	}

	got := &received{}
	follower, err := NewResultsFollower(path, got.add, nil)
	if err != nil {
		t.Fatal(err)
	}
	follower.SetDebounce(10 * time.Millisecond)
	follower.Start(context.Background())
	defer follower.Stop()

	if got.count() != 1 {
		t.Fatalf("existing entries should be delivered on start, got %d", got.count())
	}

	for _, pr := range []int{2, 3} {
		if err := w.Write(domain.NewEntry("acme/widgets", domain.PullRequest{Number: pr})); err != nil {
			t.Fatal(err)
		}
	}
	waitForCount(t, got, 3)

	got.mu.Lock()
	defer got.mu.Unlock()
	for i, pr := range got.prs {
		if pr != i+1 {
			t.Errorf("got PRs %v, want 1 2 3 in order", got.prs)
			break
		}
	}
}

func TestResultsFollower_WaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	got := &received{}
	follower, err := NewResultsFollower(path, got.add, nil)
	if err != nil {
		t.Fatal(err)
	}
	follower.SetDebounce(10 * time.Millisecond)
	follower.Start(context.Background())
	defer follower.Stop()

	w, err := resultstore.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Write(domain.NewEntry("acme/widgets", domain.PullRequest{Number: 1})); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, got, 1)
}

func TestResultsFollower_PartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	line, err := json.Marshal(domain.NewEntry("acme/widgets", domain.PullRequest{Number: 4}))
	if err != nil {
		t.Fatal(err)
	}
	half := len(line) / 2
	if err := os.WriteFile(path, line[:half], 0644); err != nil {
		t.Fatal(err)
	}

	f := &ResultsFollower{path: path}
	entries, err := f.readNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("half a line should not decode, got %d entries", len(entries))
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	file.Write(append(line[half:], '\n'))
	file.Close()

	entries, err = f.readNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Metadata.PRNumber != 4 {
		t.Errorf("got %v, want PR 4", entries)
	}
}

func TestResultsFollower_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	first, _ := json.Marshal(domain.NewEntry("acme/widgets", domain.PullRequest{Number: 1}))
	second, _ := json.Marshal(domain.NewEntry("acme/gears", domain.PullRequest{Number: 2}))
	if err := os.WriteFile(path, append(append(first, '\n'), append(first, '\n')...), 0644); err != nil {
		t.Fatal(err)
	}

	f := &ResultsFollower{path: path}
	if entries, err := f.readNew(); err != nil || len(entries) != 2 {
		t.Fatalf("got %d entries, err %v", len(entries), err)
	}

	if err := os.WriteFile(path, append(second, '\n'), 0644); err != nil {
		t.Fatal(err)
	}
	entries, err := f.readNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Metadata.Repo != "acme/gears" {
		t.Errorf("rewritten file should be read from the start, got %v", entries)
	}
}
