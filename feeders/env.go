package feeders

import (
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// EnvFeeder applies OS environment variable overrides onto a map tree. Each
// entry in Mappings associates a dotted config path with the environment
// variable name that overrides it, e.g. {"dedupe.window_seconds": "SENTRYD_DEDUPE_WINDOW_SECONDS"}.
//
// sentryd's configuration tree is heterogeneous (per-module fragments keyed
// by id) so overrides are declared by path rather than discovered by
// reflecting over a single destination struct.
type EnvFeeder struct {
	Mappings map[string]string
}

// NewEnvFeeder builds an EnvFeeder from explicit path->variable mappings.
func NewEnvFeeder(mappings map[string]string) EnvFeeder {
	return EnvFeeder{Mappings: mappings}
}

// Feed returns a sparse tree containing only the paths whose backing
// environment variable is set. base supplies the destination type for each
// path's existing value (if any), so a numeric default stays numeric rather
// than being overwritten by string value; a path absent from base is kept
// as a plain string.
func (e EnvFeeder) Feed(base map[string]any) map[string]any {
	tree := map[string]any{}
	for path, varName := range e.Mappings {
		raw, ok := os.LookupEnv(varName)
		if !ok {
			continue
		}
		SetPath(tree, path, coerceScalar(raw, path, base))
	}
	return tree
}

// coerceScalar casts an environment variable's raw string into the type of
// the existing value at path within base, via golobby/cast.
func coerceScalar(raw, path string, base map[string]any) any {
	existing, ok := GetPath(base, path)
	if !ok || existing == nil {
		return raw
	}
	converted, err := cast.FromType(raw, reflect.TypeOf(existing))
	if err != nil {
		return raw
	}
	return converted
}

// SetPath sets a dotted path (e.g. "process.dedupe.window_seconds") within
// tree, creating intermediate maps as needed.
func SetPath(tree map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	cur := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

// GetPath reads a dotted path from tree. ok is false when any segment is
// missing or not traversable.
func GetPath(tree map[string]any, path string) (value any, ok bool) {
	segments := strings.Split(path, ".")
	var cur any = tree
	for _, seg := range segments {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		v, exists := m[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
