package configsvc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02T15:04:05.000Z07:00", s)
}

// historyFile is the persisted state layout: the last MaxHistory snapshots,
// as {version, fingerprint, payload, timestamp} entries, in a single
// snapshots.json file under the configuration directory.
type historyFile struct {
	Entries []historyEntry `json:"entries"`
}

type historyEntry struct {
	Version     int            `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Payload     map[string]any `json:"payload"`
	Timestamp   string         `json:"timestamp"`
}

func snapshotsPath(configDir string) string {
	return filepath.Join(configDir, "snapshots.json")
}

// persistHistory writes history (oldest first) to snapshots.json. It is
// called after every accepted commit or rollback so that a restart resumes
// from the last broadcast version.
func persistHistory(configDir string, history []Snapshot) error {
	if configDir == "" {
		return nil
	}
	hf := historyFile{Entries: make([]historyEntry, 0, len(history))}
	for _, s := range history {
		hf.Entries = append(hf.Entries, historyEntry{
			Version:     s.Version,
			Fingerprint: s.Fingerprint,
			Payload:     s.Tree,
			Timestamp:   s.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	data, err := json.MarshalIndent(hf, "", "  ")
	if err != nil {
		return fmt.Errorf("configsvc: marshal history: %w", err)
	}
	if err := os.WriteFile(snapshotsPath(configDir), data, 0600); err != nil {
		return fmt.Errorf("configsvc: persist history: %w", err)
	}
	return nil
}

// loadHistory reads a previously persisted snapshots.json, if any. A
// missing file yields an empty history so a first boot starts clean.
func loadHistory(configDir string) ([]Snapshot, error) {
	if configDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(snapshotsPath(configDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("configsvc: read history: %w", err)
	}
	var hf historyFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("configsvc: parse history: %w", err)
	}
	out := make([]Snapshot, 0, len(hf.Entries))
	for _, e := range hf.Entries {
		ts, parseErr := parseTimestamp(e.Timestamp)
		if parseErr != nil {
			return nil, fmt.Errorf("configsvc: parse history timestamp: %w", parseErr)
		}
		out = append(out, Snapshot{Version: e.Version, Tree: e.Payload, Fingerprint: e.Fingerprint, Timestamp: ts})
	}
	return out, nil
}
