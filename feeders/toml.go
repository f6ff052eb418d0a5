package feeders

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TOMLFeeder reads a TOML document from disk into a map[string]any tree.
// configsvc uses it exclusively for the secrets document, which must be
// mode 0600.
type TOMLFeeder struct {
	Path string
}

// NewTOMLFeeder builds a TOMLFeeder for path.
func NewTOMLFeeder(path string) TOMLFeeder { return TOMLFeeder{Path: path} }

// RequireSecureMode stats t.Path and returns an error if its permission bits
// are looser than 0600 for owner-only access: a secrets file readable by
// group or world is never trusted.
func (t TOMLFeeder) RequireSecureMode() error {
	info, err := os.Stat(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("feeders: stat secrets %s: %w", t.Path, err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("feeders: secrets file %s must not be group/world accessible (mode %04o)", t.Path, info.Mode().Perm())
	}
	return nil
}

// Feed reads t.Path and unmarshals it into a new map tree. A missing file
// yields an empty tree.
func (t TOMLFeeder) Feed() (map[string]any, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("feeders: read toml %s: %w", t.Path, err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("feeders: parse toml %s: %w", t.Path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return normalizeKeys(tree), nil
}
