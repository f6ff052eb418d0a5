// Package feeders loads configuration documents from files and the process
// environment into a generic map[string]any tree rather than unmarshalling
// straight into one giant struct, since configsvc normalizes and
// re-validates per module fragment afterwards.
package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLFeeder reads a YAML document from disk into a map[string]any tree.
type YAMLFeeder struct {
	Path string
}

// NewYAMLFeeder builds a YAMLFeeder for path.
func NewYAMLFeeder(path string) YAMLFeeder { return YAMLFeeder{Path: path} }

// Feed reads y.Path and unmarshals it into a new map tree. A missing file is
// not an error: it yields an empty tree, since every layer but the defaults
// layer is optional.
func (y YAMLFeeder) Feed() (map[string]any, error) {
	data, err := os.ReadFile(y.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("feeders: read yaml %s: %w", y.Path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("feeders: parse yaml %s: %w", y.Path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return normalizeKeys(tree), nil
}
