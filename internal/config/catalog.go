package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelCatalog maps a catalog key (the "model" input parameter) to the provider
// model that serves it.
type ModelCatalog struct {
	Models map[string]ModelEntry `yaml:"models"`
}

// ModelEntry describes one provider model.
//
// Training entries run against Owner/Name at Version and push the trained
// weights to Destination. Generation entries run Version (or the latest
// version of Owner/Name when Version is empty).
type ModelEntry struct {
	Kind        string         `yaml:"kind"`
	Owner       string         `yaml:"owner"`
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Destination string         `yaml:"destination"`
	Defaults    map[string]any `yaml:"defaults"`
}

// DefaultCatalog is used when REPLICATE_MODELS_FILE is not set.
func DefaultCatalog() *ModelCatalog {
	return &ModelCatalog{Models: map[string]ModelEntry{
		"flux-lora": {
			Kind:        "training",
			Owner:       "ostris",
			Name:        "flux-dev-lora-trainer",
			Version:     "e440909d3512c31646ee2e0c7d6f6f4923224863a6a10c494606e79fb5844497",
			Destination: "tunehub/flux-lora",
			Defaults: map[string]any{
				"steps":         1000,
				"lora_rank":     16,
				"learning_rate": 0.0004,
				"resolution":    "512,768,1024",
			},
		},
		"flux-dev": {
			Kind:  "generation",
			Owner: "black-forest-labs",
			Name:  "flux-dev",
			Defaults: map[string]any{
				"num_outputs":   1,
				"output_format": "webp",
			},
		},
	}}
}

// LoadModelCatalog reads a YAML catalog from path. An empty path yields the
// default catalog.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var cat ModelCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	for key, m := range cat.Models {
		if m.Kind != "training" && m.Kind != "generation" {
			return nil, fmt.Errorf("model %q: kind must be training or generation, got %q", key, m.Kind)
		}
		if m.Kind == "training" && (m.Owner == "" || m.Name == "" || m.Version == "") {
			return nil, fmt.Errorf("model %q: training models need owner, name and version", key)
		}
		if m.Kind == "generation" && m.Version == "" && (m.Owner == "" || m.Name == "") {
			return nil, fmt.Errorf("model %q: generation models need a version or owner and name", key)
		}
	}

	return &cat, nil
}

// Lookup returns the entry for key if it exists and serves the given kind.
func (c *ModelCatalog) Lookup(key, kind string) (ModelEntry, bool) {
	m, ok := c.Models[key]
	if !ok || m.Kind != kind {
		return ModelEntry{}, false
	}
	return m, true
}
