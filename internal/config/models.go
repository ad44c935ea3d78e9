package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelEntry is one selectable version of a model family.
type ModelEntry struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name"`
	Weight  int    `yaml:"weight"`
}

// ModelTable maps a model family to its weighted versions, in selection order.
type ModelTable map[string][]ModelEntry

type modelTableFile struct {
	Families ModelTable `yaml:"families"`
}

// DefaultModelTable is used when MODEL_TABLE_FILE is unset. abPercentage of
// classifier traffic goes to v2.
func DefaultModelTable(abPercentage int) ModelTable {
	return ModelTable{
		"classifier": {
			{Version: "v1", Name: "efficientnet-b4-v1", Weight: 100 - abPercentage},
			{Version: "v2", Name: "efficientnet-b4-v2", Weight: abPercentage},
		},
		"feature_extractor": {
			{Version: "v1", Name: "feature-extractor-v1", Weight: 100},
		},
		"defect_detector": {
			{Version: "v1", Name: "defect-detector-v1", Weight: 100},
		},
	}
}

// LoadModelTable reads the YAML model table at path. An empty path returns
// DefaultModelTable(abPercentage).
//
// File format:
//
//	families:
//	  classifier:
//	    - {version: v1, name: efficientnet-b4-v1, weight: 90}
//	    - {version: v2, name: efficientnet-b4-v2, weight: 10}
func LoadModelTable(path string, abPercentage int) (ModelTable, error) {
	if path == "" {
		return DefaultModelTable(abPercentage), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model table: %w", err)
	}

	var f modelTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model table: %w", err)
	}
	if err := f.Families.validate(); err != nil {
		return nil, err
	}
	return f.Families, nil
}

func (t ModelTable) validate() error {
	if len(t) == 0 {
		return fmt.Errorf("model table: no families defined")
	}
	for family, entries := range t {
		if len(entries) == 0 {
			return fmt.Errorf("model table: family %q has no versions", family)
		}
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			if e.Version == "" {
				return fmt.Errorf("model table: family %q has an entry without a version", family)
			}
			if seen[e.Version] {
				return fmt.Errorf("model table: family %q lists version %q twice", family, e.Version)
			}
			seen[e.Version] = true
			if e.Weight < 0 {
				return fmt.Errorf("model table: %s/%s has negative weight %d", family, e.Version, e.Weight)
			}
		}
	}
	return nil
}
