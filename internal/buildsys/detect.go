// Package buildsys detects the build tool of a repository checkout.
package buildsys

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/failure"
)

// precedence of manifests found at the same depth
var manifests = []domain.BuildSystem{domain.BuildMaven, domain.BuildGradle}

// Options controls detection
type Options struct {
	// Fallback enables the one-level-deep scan when the root has no manifest
	Fallback bool
}

// DefaultOptions enables the depth-1 fallback
var DefaultOptions = Options{Fallback: true}

// Detect finds the build manifest of the checkout at root. The root is
// scanned first and wins over any subdirectory. Only the filesystem is read.
func Detect(root string, opts Options) (domain.BuildDescriptor, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", root)
		}
		return domain.BuildDescriptor{}, failure.Setup(failure.NotValidDirectory, "", err)
	}

	if d, ok := scan(root, 0); ok {
		return d, nil
	}

	if opts.Fallback {
		entries, err := os.ReadDir(root)
		if err != nil {
			return domain.BuildDescriptor{}, failure.Setup(failure.NotValidDirectory, "", err)
		}
		var dirs []string
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				dirs = append(dirs, e.Name())
			}
		}
		sort.Strings(dirs)
		for _, name := range dirs {
			if d, ok := scan(filepath.Join(root, name), 1); ok {
				return d, nil
			}
		}
	}

	return domain.BuildDescriptor{}, failure.Setup(failure.CantFindBuildFile, "",
		fmt.Errorf("no pom.xml or build.gradle in %s", root))
}

func scan(dir string, depth int) (domain.BuildDescriptor, bool) {
	for _, sys := range manifests {
		path := filepath.Join(dir, sys.Manifest())
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return domain.BuildDescriptor{System: sys, ManifestPath: path, Depth: depth}, true
		}
	}
	return domain.BuildDescriptor{}, false
}
