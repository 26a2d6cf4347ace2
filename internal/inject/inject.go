// Package inject adds JaCoCo instrumentation to build manifests.
//
// Injection is transactional: the manifest is rewritten, the caller's
// retry runs, and when the retry fails the original bytes are written
// back before the failure is returned.
package inject

import (
	"errors"
	"fmt"
	"os"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// JacocoVersion is the plugin version injected into manifests
const JacocoVersion = "0.8.8"

// ErrAlreadyInstrumented is returned when the manifest already carries the plugin
var ErrAlreadyInstrumented = errors.New("manifest already instrumented")

// Injector rewrites one manifest format
type Injector interface {
	// Instrumented reports whether the manifest already carries the plugin
	Instrumented(manifest []byte) bool
	// Inject returns the manifest with the plugin added
	Inject(manifest []byte) ([]byte, error)
}

// For returns the injector of a build system
func For(sys domain.BuildSystem) (Injector, error) {
	switch sys {
	case domain.BuildMaven:
		return Maven{}, nil
	case domain.BuildGradle:
		return Gradle{}, nil
	}
	return nil, fmt.Errorf("no injector for build system %q", sys)
}

// Error reports a manifest that could not be rewritten
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("injecting jacoco into %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Restore writes the original manifest back
type Restore func() error

// Apply rewrites the manifest at path and returns a func restoring it
func Apply(path string, inj Injector) (Restore, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if inj.Instrumented(original) {
		return nil, ErrAlreadyInstrumented
	}

	updated, err := inj.Inject(original)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	mode := info.Mode().Perm()
	if err := os.WriteFile(path, updated, mode); err != nil {
		// a partial write must not survive
		_ = os.WriteFile(path, original, mode)
		return nil, &Error{Path: path, Err: err}
	}

	return func() error {
		if err := os.WriteFile(path, original, mode); err != nil {
			return fmt.Errorf("restoring %s: %w", path, err)
		}
		return nil
	}, nil
}

// WithRetry injects the plugin, runs retry, and restores the manifest
// when retry fails. The retry error is returned unchanged, joined with
// the restore error if the manifest could not be put back.
func WithRetry(path string, inj Injector, retry func() error) error {
	restore, err := Apply(path, inj)
	if err != nil {
		return err
	}
	if err := retry(); err != nil {
		if rerr := restore(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}
