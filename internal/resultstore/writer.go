// Package resultstore persists dataset entries as JSON lines and loads
// the cache of entries produced by earlier runs.
package resultstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Writer appends entries to a results file, one JSON document per line.
// Every Write is synced to disk before it returns, so an interrupted
// run keeps every entry written before the interrupt.
type Writer struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	total      int
	successful int
}

// Create truncates or creates the results file at path
func Create(path string) (*Writer, error) {
	return open(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

// Append opens the results file at path for appending
func Append(path string) (*Writer, error) {
	return open(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
}

func open(path string, flag int) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating results dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening results file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the file written to
func (w *Writer) Path() string { return w.path }

// Write appends one entry and flushes it
func (w *Writer) Write(e *domain.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s#%d: %w", e.Metadata.Repo, e.Metadata.PRNumber, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing results file: %w", err)
	}
	w.total++
	if e.Metadata.Successful {
		w.successful++
	}
	return nil
}

// Counts returns how many entries were written and how many of them
// were successful
func (w *Writer) Counts() (total, successful int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total, w.successful
}

// Close closes the file. Further writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
