// Package configsvc implements a typed, layered configuration tree with
// snapshot/version history, validated merge-with-rollback, and broadcast of
// accepted snapshots over the bus.
package configsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the fully validated, normalized configuration tree at a
// specific version, as held in ConfigService's bounded history.
type Snapshot struct {
	Version     int
	Tree        map[string]any
	Fingerprint string
	Timestamp   time.Time
}

// fingerprint computes a stable content hash of tree, used by rollback
// drills to assert before/after equality and by persisted history entries.
func fingerprint(tree map[string]any) (string, error) {
	canonical, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("configsvc: fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// newSnapshot builds a Snapshot, computing its fingerprint from tree.
func newSnapshot(version int, tree map[string]any) (Snapshot, error) {
	fp, err := fingerprint(tree)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Version: version, Tree: tree, Fingerprint: fp, Timestamp: time.Now().UTC()}, nil
}

// clone deep-copies a tree via its own JSON representation, so a working
// copy used for validation can be discarded on rejection without mutating
// the committed snapshot's tree.
func clone(tree map[string]any) (map[string]any, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("configsvc: clone: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("configsvc: clone: %w", err)
	}
	return out, nil
}
