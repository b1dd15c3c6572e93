package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samsaffron/toolstream/internal/llm"
)

// Manifest declares tools whose schemas are fixed ahead of time. Entries
// default to client-side mode; the caller executes them and resumes the
// conversation with their results.
//
//	tools:
//	  - name: get_location
//	    description: Return the user's current city
//	    schema:
//	      type: object
//	      properties: {}
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool is one declared tool.
type ManifestTool struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Mode        string                 `yaml:"mode"`
	Schema      map[string]interface{} `yaml:"schema"`
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse tool manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Tools))
	for i, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool manifest entry %d: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tool manifest: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	return &m, nil
}

// Registrations converts the manifest into registrations. Auto-execute
// entries are rejected since a manifest cannot carry a handler.
func (m *Manifest) Registrations() ([]llm.ToolRegistration, error) {
	regs := make([]llm.ToolRegistration, 0, len(m.Tools))
	for _, t := range m.Tools {
		mode := llm.ModeClientSide
		if t.Mode != "" {
			parsed, err := llm.ParseToolMode(t.Mode)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", t.Name, err)
			}
			if parsed != llm.ModeClientSide {
				return nil, fmt.Errorf("tool %q: manifest tools must be client-side", t.Name)
			}
		}
		regs = append(regs, llm.ToolRegistration{
			Name:        t.Name,
			Description: t.Description,
			Mode:        mode,
			Schema:      t.Schema,
		})
	}
	return regs, nil
}
