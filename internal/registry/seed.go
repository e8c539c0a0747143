package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/prompts"
)

// SeedPrompt is one default prompt in a seed file.
type SeedPrompt struct {
	Dimension    string         `yaml:"dimension"`
	SystemPrompt string         `yaml:"system_prompt"`
	OutputSchema map[string]any `yaml:"output_schema"`
	Temperature  float64        `yaml:"temperature"`
	MaxTokens    int            `yaml:"max_tokens"`
	Notes        string         `yaml:"notes"`
}

type seedFile struct {
	Prompts []SeedPrompt `yaml:"prompts"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) ([]SeedPrompt, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: parse seed file")
	}
	seen := make(map[string]bool, len(f.Prompts))
	for _, p := range f.Prompts {
		if seen[p.Dimension] {
			return nil, eris.Errorf("registry: seed file lists %s twice", p.Dimension)
		}
		seen[p.Dimension] = true
	}
	return f.Prompts, nil
}

// LoadSeed reads the seed file at path, or the built-in defaults when path
// is empty.
func LoadSeed(path string) ([]SeedPrompt, error) {
	if path == "" {
		return ParseSeed(prompts.Defaults)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read seed file %s", path)
	}
	return ParseSeed(data)
}

// Seed creates and activates version 1 for every seed dimension that has no
// active prompt yet. Dimensions that already have one are left alone, so
// seeding is safe to repeat. Returns the dimensions it wrote.
func (r *Registry) Seed(ctx context.Context, seeds []SeedPrompt, author string) ([]string, error) {
	var created []string
	for _, s := range seeds {
		_, err := r.store.GetActivePrompt(ctx, s.Dimension)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return created, eris.Wrapf(err, "registry: seed check %s", s.Dimension)
		}

		var schema json.RawMessage
		if s.OutputSchema != nil {
			b, err := json.Marshal(s.OutputSchema)
			if err != nil {
				return created, eris.Wrapf(err, "registry: seed schema %s", s.Dimension)
			}
			schema = b
		}
		notes := s.Notes
		if notes == "" {
			notes = "seeded default"
		}
		if _, err := r.insert(ctx, CreateParams{
			Dimension:    s.Dimension,
			SystemPrompt: s.SystemPrompt,
			OutputSchema: schema,
			Temperature:  s.Temperature,
			MaxTokens:    s.MaxTokens,
			Notes:        notes,
			Author:       author,
		}, true, "prompt.seed"); err != nil {
			return created, err
		}
		created = append(created, s.Dimension)
	}
	if len(created) > 0 {
		zap.L().Info("registry: seeded prompts", zap.Strings("dimensions", created))
	}
	return created, nil
}
