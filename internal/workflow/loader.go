package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads one graph definition from a YAML or JSON file and validates
// it. The format is chosen by extension; anything that is not .json is parsed
// as YAML.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Graph
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &g)
	} else {
		err = yaml.Unmarshal(data, &g)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: parsing %s: %w", path, err)
	}
	if g.ID == "" {
		g.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return &g, nil
}

// LoadDir loads every .yaml, .yml and .json graph definition in dir, keyed by
// graph ID. Subdirectories are not descended into. A duplicate ID across
// files is an error.
func LoadDir(dir string) (map[string]*Graph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	graphs := make(map[string]*Graph)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		g, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := graphs[g.ID]; dup {
			return nil, fmt.Errorf("workflow: duplicate graph ID %q in %s", g.ID, e.Name())
		}
		graphs[g.ID] = g
	}
	return graphs, nil
}
