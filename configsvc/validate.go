package configsvc

import "github.com/meshguard/sentryd/feeders"

// Validator validates one module's configuration fragment. Implementations
// live alongside the module they validate (see stages/dedupe, stages/ratelimit,
// shims) and are registered against the fragment path from that module's
// contracts.Capability.ConfigFragment.
type Validator interface {
	Validate(fragment map[string]any) error
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc func(fragment map[string]any) error

func (f ValidatorFunc) Validate(fragment map[string]any) error { return f(fragment) }

// validateAll runs every registered validator against its slice of tree:
// every apply_changes call revalidates the complete fragment set, not only
// the touched path. An empty fragment (nothing registered at that path yet)
// is treated as valid: a module that hasn't been provisioned yet has
// nothing to violate.
func validateAll(tree map[string]any, validators map[string]Validator) []string {
	var diagnostics []string
	for path, v := range validators {
		fragment, ok := feeders.GetPath(tree, path)
		if !ok {
			continue
		}
		fragmentMap, ok := fragment.(map[string]any)
		if !ok {
			diagnostics = append(diagnostics, path+": fragment is not an object")
			continue
		}
		if err := v.Validate(fragmentMap); err != nil {
			diagnostics = append(diagnostics, path+": "+err.Error())
		}
	}
	return diagnostics
}
