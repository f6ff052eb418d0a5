package secretval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meshguard/sentryd/feeders"
)

// ErrUnresolvedSecret is returned when a "secrets.<path>" reference has no
// matching entry in the loaded secrets document.
var ErrUnresolvedSecret = errors.New("secretval: reference does not resolve to a secret")

// refPrefix is the indirection marker used in the configuration document,
// e.g. "token_ref: secrets.telegram.bot_token".
const refPrefix = "secrets."

// IsReference reports whether raw looks like a "secrets.<dotted.path>"
// indirection rather than a literal value.
func IsReference(raw string) bool {
	return strings.HasPrefix(raw, refPrefix)
}

// Resolver resolves "secrets.<dotted.path>" references against a secrets
// document tree loaded from a 0600 TOML file.
type Resolver struct {
	tree map[string]any
}

// NewResolver wraps an already-loaded secrets tree.
func NewResolver(tree map[string]any) *Resolver {
	return &Resolver{tree: tree}
}

// Resolve looks up ref (e.g. "secrets.telegram.bot_token") and returns a
// redacting Value. ref must carry the "secrets." prefix.
func (r *Resolver) Resolve(ref string) (Value, error) {
	if !IsReference(ref) {
		return Value{}, fmt.Errorf("secretval: %q is not a secrets reference", ref)
	}
	path := strings.TrimPrefix(ref, refPrefix)
	v, ok := feeders.GetPath(r.tree, path)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnresolvedSecret, ref)
	}
	str, ok := v.(string)
	if !ok {
		return Value{}, fmt.Errorf("secretval: secret at %s is not a string", ref)
	}
	return New(path, str), nil
}
