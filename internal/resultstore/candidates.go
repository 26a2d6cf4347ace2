package resultstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

type candidatesFile struct {
	Repos []domain.RepoUnit `yaml:"repos"`
}

// LoadCandidates reads the repositories and PR descriptors to verify.
// The file is YAML or JSON, either a document with a top-level repos
// list or the list itself. Units of the same repository are merged and
// the input order of first appearance is kept.
func LoadCandidates(path string) ([]domain.RepoUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading candidates: %w", err)
	}
	return ParseCandidates(data)
}

// ParseCandidates decodes a candidates document
func ParseCandidates(data []byte) ([]domain.RepoUnit, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing candidates: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	var units []domain.RepoUnit
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&units); err != nil {
			return nil, fmt.Errorf("parsing candidates: %w", err)
		}
	case yaml.MappingNode:
		var cf candidatesFile
		if err := doc.Decode(&cf); err != nil {
			return nil, fmt.Errorf("parsing candidates: %w", err)
		}
		units = cf.Repos
	default:
		return nil, fmt.Errorf("parsing candidates: expected a list or a repos mapping")
	}

	return mergeUnits(units)
}

func mergeUnits(units []domain.RepoUnit) ([]domain.RepoUnit, error) {
	index := make(map[string]int)
	var out []domain.RepoUnit
	for _, u := range units {
		if err := domain.ValidateRepoName(u.Repo); err != nil {
			return nil, err
		}
		for _, pr := range u.Pulls {
			if pr.Number <= 0 {
				return nil, fmt.Errorf("%s: invalid PR number %d", u.Repo, pr.Number)
			}
		}
		if i, ok := index[u.Repo]; ok {
			out[i].Pulls = append(out[i].Pulls, u.Pulls...)
			if out[i].Path == "" {
				out[i].Path = u.Path
			}
			continue
		}
		index[u.Repo] = len(out)
		out = append(out, u)
	}
	return out, nil
}
