package resultstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Cache holds finished entries of earlier runs. It is never mutated
// after loading.
type Cache map[domain.Key]domain.Entry

// Lookup returns the cached entry of a PR
func (c Cache) Lookup(repo string, pr int) (domain.Entry, bool) {
	e, ok := c[domain.Key{Repo: repo, PRNumber: pr}]
	return e, ok
}

// ForRepo returns the cached entries of one repository by PR number
func (c Cache) ForRepo(repo string) []domain.Entry {
	var out []domain.Entry
	for k, e := range c {
		if k.Repo == repo {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.PRNumber < out[j].Metadata.PRNumber })
	return out
}

// Repos returns the repositories with cached entries, sorted
func (c Cache) Repos() []string {
	seen := make(map[string]bool)
	var repos []string
	for k := range c {
		if !seen[k.Repo] {
			seen[k.Repo] = true
			repos = append(repos, k.Repo)
		}
	}
	sort.Strings(repos)
	return repos
}

// LoadCache reads entries from path, dropping placeholders of PRs that
// were still being processed. A missing file yields an empty cache.
func LoadCache(path string) (Cache, error) {
	cache := make(Cache)
	if path == "" {
		return cache, nil
	}
	entries, err := ReadEntries(path)
	if errors.Is(err, os.ErrNotExist) {
		return cache, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Placeholder() {
			continue
		}
		cache[e.Key()] = e
	}
	return cache, nil
}

// ReadEntries reads a results file. Besides JSON lines it accepts a
// single dataset document {"entries": [...]} and a plain JSON array.
func ReadEntries(path string) ([]domain.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := DecodeEntries(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return entries, nil
}

type dataset struct {
	Entries []domain.Entry `json:"entries"`
}

// DecodeEntries decodes every JSON value of r as an entry, a dataset
// document or an array of entries
func DecodeEntries(r io.Reader) ([]domain.Entry, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	var entries []domain.Entry
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}

		trimmed := bytes.TrimSpace(raw)
		switch {
		case len(trimmed) > 0 && trimmed[0] == '[':
			var list []domain.Entry
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return entries, err
			}
			entries = append(entries, list...)
		case isDataset(trimmed):
			var ds dataset
			if err := json.Unmarshal(trimmed, &ds); err != nil {
				return entries, err
			}
			entries = append(entries, ds.Entries...)
		default:
			var e domain.Entry
			if err := json.Unmarshal(trimmed, &e); err != nil {
				return entries, err
			}
			entries = append(entries, e)
		}
	}
}

func isDataset(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasEntries := probe["entries"]
	_, hasMetadata := probe["metadata"]
	return hasEntries && !hasMetadata
}
