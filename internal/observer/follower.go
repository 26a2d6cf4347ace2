package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// EntryCallback is called with the entries appended since the last call
type EntryCallback func(entries []domain.Entry)

// ResultsFollower streams the entries appended to a results file. It
// watches the parent directory so the file may be created or replaced
// after the follower starts.
type ResultsFollower struct {
	watcher  *fsnotify.Watcher
	path     string
	callback EntryCallback
	debounce time.Duration
	logger   *zap.Logger

	// read state, guarded by readMu
	readMu  sync.Mutex
	offset  int64
	partial []byte

	// debounce state
	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
}

// NewResultsFollower creates a follower for the results file at path
func NewResultsFollower(path string, callback EntryCallback, logger *zap.Logger) (*ResultsFollower, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &ResultsFollower{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		debounce: 200 * time.Millisecond, // batch bursts of appends
		logger:   logger,
	}, nil
}

// Start delivers the entries already in the file, then keeps watching
// for appended ones until ctx is done or Stop is called
func (f *ResultsFollower) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.flush()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-f.watcher.Events:
				if !ok {
					return
				}
				f.handleEvent(event)
			case err, ok := <-f.watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
}

// Stop stops watching for appended entries
func (f *ResultsFollower) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	f.watcher.Close()
}

// SetDebounce sets how long appends are batched before delivery
func (f *ResultsFollower) SetDebounce(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debounce = d
}

func (f *ResultsFollower) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != f.path {
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
		f.readMu.Lock()
		f.offset = 0
		f.partial = nil
		f.readMu.Unlock()
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, f.flush)
}

func (f *ResultsFollower) flush() {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	entries, err := f.readNew()
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("reading results", zap.String("path", f.path), zap.Error(err))
		}
		return
	}
	if len(entries) > 0 && f.callback != nil {
		f.callback(entries)
	}
}

// readNew decodes the complete lines written past the current offset.
// A trailing line without newline is kept until the writer finishes it.
// Must hold readMu.
func (f *ResultsFollower) readNew() ([]domain.Entry, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < f.offset {
		// truncated by a fresh run
		f.offset = 0
		f.partial = nil
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	f.offset += int64(len(data))

	data = append(f.partial, data...)
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		f.partial = data
		return nil, nil
	}
	f.partial = append([]byte(nil), data[cut+1:]...)

	var entries []domain.Entry
	for _, line := range bytes.Split(data[:cut], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e domain.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			f.logger.Warn("skipping malformed entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
