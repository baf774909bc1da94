package engine

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed engines.yaml
var defaultTableYAML string

// TableDef represents a parsed engine table
type TableDef struct {
	Engines []EngineDef `yaml:"engines"`
}

// EngineDef represents one engine entry in the table
type EngineDef struct {
	ID              string              `yaml:"id"`
	Name            string              `yaml:"name"`
	Description     string              `yaml:"description"`
	Command         []string            `yaml:"command"`
	CommandByTarget map[string][]string `yaml:"command_by_target"`
	Conversions     map[string][]string `yaml:"conversions"`
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Parse parses a YAML engine table
func Parse(yamlContent string) (*TableDef, error) {
	var table TableDef
	if err := yaml.Unmarshal([]byte(yamlContent), &table); err != nil {
		return nil, fmt.Errorf("failed to parse engine table YAML: %w", err)
	}
	if err := Validate(&table); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate validates an engine table
func Validate(table *TableDef) error {
	if len(table.Engines) == 0 {
		return fmt.Errorf("at least one engine is required")
	}

	seen := make(map[string]bool, len(table.Engines))
	for i, def := range table.Engines {
		if def.ID == "" {
			return fmt.Errorf("engine %d: id is required", i+1)
		}
		if !validID.MatchString(def.ID) {
			return fmt.Errorf("engine %d (%s): id must contain only alphanumeric characters, hyphens, and underscores", i+1, def.ID)
		}
		if seen[def.ID] {
			return fmt.Errorf("engine %d (%s): duplicate id", i+1, def.ID)
		}
		seen[def.ID] = true

		if len(def.Conversions) == 0 {
			return fmt.Errorf("engine %d (%s): at least one conversion is required", i+1, def.ID)
		}
		for from, to := range def.Conversions {
			if Normalize(from) == "" {
				return fmt.Errorf("engine %d (%s): empty input format", i+1, def.ID)
			}
			if len(to) == 0 {
				return fmt.Errorf("engine %d (%s): input format %s has no outputs", i+1, def.ID, from)
			}
		}
	}
	return nil
}

// Build converts a parsed table into engines
func (t *TableDef) Build() []*Engine {
	engines := make([]*Engine, 0, len(t.Engines))
	for _, def := range t.Engines {
		e := New(def.ID, def.Name, def.Description).WithCommand(def.Command...)
		for from, to := range def.Conversions {
			e.AddConversion(from, to...)
		}
		for target, argv := range def.CommandByTarget {
			e.CommandByTarget[Normalize(target)] = argv
		}
		engines = append(engines, e)
	}
	return engines
}

// NewRegistryFromYAML builds a registry from YAML content
func NewRegistryFromYAML(yamlContent string) (*Registry, error) {
	table, err := Parse(yamlContent)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, e := range table.Build() {
		r.Register(e)
	}
	return r, nil
}

// NewDefaultRegistry builds the registry from the built-in engine table
func NewDefaultRegistry() *Registry {
	r, err := NewRegistryFromYAML(defaultTableYAML)
	if err != nil {
		// The embedded table is covered by tests; failing here is a build defect.
		panic(fmt.Sprintf("invalid built-in engine table: %v", err))
	}
	return r
}

// LoadFile builds a registry from an engine table file.
// An empty path yields the built-in table.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return NewDefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine table: %w", err)
	}
	return NewRegistryFromYAML(string(data))
}
