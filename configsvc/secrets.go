package configsvc

import (
	"fmt"

	"github.com/meshguard/sentryd/feeders"
	"github.com/meshguard/sentryd/internal/secretval"
)

// loadSecrets reads the secrets TOML document, refusing a path whose mode is
// looser than 0600, and returns a Resolver over its contents. A missing
// secrets file is not an error: deployments with no secret-backed modules
// need none.
func loadSecrets(path string) (*secretval.Resolver, error) {
	if path == "" {
		return secretval.NewResolver(map[string]any{}), nil
	}
	tf := feeders.NewTOMLFeeder(path)
	if err := tf.RequireSecureMode(); err != nil {
		return nil, fmt.Errorf("configsvc: %w", err)
	}
	tree, err := tf.Feed()
	if err != nil {
		return nil, fmt.Errorf("configsvc: load secrets: %w", err)
	}
	return secretval.NewResolver(tree), nil
}
