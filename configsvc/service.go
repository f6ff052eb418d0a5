package configsvc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/feeders"
	"github.com/meshguard/sentryd/internal/secretval"
)

// MaxHistory bounds the retained snapshot history.
const MaxHistory = 8

// Paths bundles the on-disk layout Load reads from.
type Paths struct {
	Defaults        string // required: the base YAML document
	EnvironmentFile string // optional: per-environment override YAML
	SecretsFile     string // optional: 0600 TOML secrets document
	HistoryDir      string // optional: directory snapshots.json is persisted under
}

// Service is the concrete ConfigService: a layered loader built on a feeder
// chain, a validated merge-with-rollback store, and a broadcaster of
// accepted snapshots.
type Service struct {
	logger *zap.Logger
	paths  Paths
	envs   feeders.EnvFeeder

	mu         sync.Mutex
	history    []Snapshot // oldest first, len <= MaxHistory
	validators map[string]Validator
	resolver   *secretval.Resolver

	bus contracts.Bus
	seq uint64
}

// Option configures a new Service.
type Option func(*Service)

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithEnvOverrides installs the dotted-path -> environment variable mapping
// consulted by Load after the defaults and environment-file layers.
func WithEnvOverrides(mappings map[string]string) Option {
	return func(s *Service) { s.envs = feeders.NewEnvFeeder(mappings) }
}

// New constructs a Service. Call Load before ApplyChanges or Rollback.
func New(paths Paths, opts ...Option) *Service {
	s := &Service{
		logger:     zap.NewNop(),
		paths:      paths,
		validators: make(map[string]Validator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterValidator associates fragmentPath (a Capability.ConfigFragment
// value) with v. ApplyChanges re-runs every registered validator on every
// call.
func (s *Service) RegisterValidator(fragmentPath string, v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[fragmentPath] = v
}

// Load builds the initial configuration tree by layering defaults,
// environment-specific overrides, then environment variables, loads the
// secrets resolver, validates, and commits version 1 (or resumes from
// persisted history when present). It must be called exactly once, before
// the service is attached to the bus.
func (s *Service) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := loadHistory(s.paths.HistoryDir)
	if err != nil {
		return nil, err
	}
	resolver, err := loadSecrets(s.paths.SecretsFile)
	if err != nil {
		return nil, err
	}
	s.resolver = resolver

	if len(history) > 0 {
		s.history = history
		latest := history[len(history)-1]
		s.logger.Info("configsvc: resumed from persisted history", zap.Int("version", latest.Version))
		return &latest, nil
	}

	base, err := feeders.NewYAMLFeeder(s.paths.Defaults).Feed()
	if err != nil {
		return nil, fmt.Errorf("configsvc: load defaults: %w", err)
	}
	if s.paths.EnvironmentFile != "" {
		override, err := feeders.NewYAMLFeeder(s.paths.EnvironmentFile).Feed()
		if err != nil {
			return nil, fmt.Errorf("configsvc: load environment overrides: %w", err)
		}
		base = feeders.Merge(base, override)
	}
	if s.envs.Mappings != nil {
		base = feeders.Merge(base, s.envs.Feed(base))
	}

	if diags := validateAll(base, s.validators); len(diags) > 0 {
		return nil, fmt.Errorf("%w: %v", contracts.ErrConfigInvalid, diags)
	}

	snap, err := newSnapshot(1, base)
	if err != nil {
		return nil, err
	}
	s.history = []Snapshot{snap}
	if err := persistHistory(s.paths.HistoryDir, s.history); err != nil {
		return nil, err
	}
	return &snap, nil
}

// current returns the most recently committed snapshot. Callers must hold
// s.mu.
func (s *Service) current() Snapshot {
	return s.history[len(s.history)-1]
}

// reloadFromDisk re-layers defaults, environment overrides and environment
// variables, validates the result, and commits it as a new version if it
// differs from the current tree, broadcasting the result on
// contracts.TopicConfigSnapshot exactly as ApplyChanges does. Called by
// Watcher on a file-change event.
func (s *Service) reloadFromDisk(ctx context.Context) (*Snapshot, error) {
	base, err := feeders.NewYAMLFeeder(s.paths.Defaults).Feed()
	if err != nil {
		return nil, fmt.Errorf("configsvc: reload defaults: %w", err)
	}
	if s.paths.EnvironmentFile != "" {
		override, err := feeders.NewYAMLFeeder(s.paths.EnvironmentFile).Feed()
		if err != nil {
			return nil, fmt.Errorf("configsvc: reload environment overrides: %w", err)
		}
		base = feeders.Merge(base, override)
	}
	if s.envs.Mappings != nil {
		base = feeders.Merge(base, s.envs.Feed(base))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if diags := validateAll(base, s.validators); len(diags) > 0 {
		s.publishLocked(ctx, contracts.TopicStatusContract, contracts.ConfigRejected{Diagnostics: diags})
		return nil, fmt.Errorf("%w: %v", contracts.ErrConfigInvalid, diags)
	}

	cur := s.current()
	next, err := newSnapshot(cur.Version+1, base)
	if err != nil {
		return nil, err
	}
	if next.Fingerprint == cur.Fingerprint {
		return &cur, nil
	}
	s.commitLocked(next)
	if err := persistHistory(s.paths.HistoryDir, s.history); err != nil {
		return nil, err
	}
	s.publishLocked(ctx, contracts.TopicConfigSnapshot, contracts.ConfigSnapshotPayload{Version: next.Version, Tree: next.Tree})
	return &next, nil
}

// ApplyChanges validates and, if accepted, commits a new snapshot built by
// applying updates onto the current tree. Every registered validator runs
// against the full resulting tree, not only the touched fragments. An empty
// updates slice is a true no-op: it neither bumps the version nor broadcasts.
func (s *Service) ApplyChanges(ctx context.Context, updates []contracts.ConfigUpdate) (*Snapshot, []string, error) {
	if len(updates) == 0 {
		s.mu.Lock()
		cur := s.current()
		s.mu.Unlock()
		return &cur, nil, nil
	}
	for _, u := range updates {
		if err := contracts.ValidateConfigUpdate(u, contracts.SchemaVersion); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := clone(s.current().Tree)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range updates {
		feeders.SetPath(working, u.Path, u.Value)
	}

	if diags := validateAll(working, s.validators); len(diags) > 0 {
		rejected := contracts.ConfigRejected{Updates: updates, Diagnostics: diags}
		s.publishLocked(ctx, contracts.TopicStatusContract, rejected)
		return nil, diags, fmt.Errorf("%w: %v", contracts.ErrConfigInvalid, diags)
	}

	next, err := newSnapshot(s.current().Version+1, working)
	if err != nil {
		return nil, nil, err
	}
	s.commitLocked(next)

	if err := persistHistory(s.paths.HistoryDir, s.history); err != nil {
		return nil, nil, err
	}
	s.publishLocked(ctx, contracts.TopicConfigSnapshot, contracts.ConfigSnapshotPayload{Version: next.Version, Tree: next.Tree})
	return &next, nil, nil
}

// Rollback restores the tree of a prior version as a brand new snapshot:
// rollback itself advances the version counter rather than rewinding it, so
// the history remains monotonic and auditable.
func (s *Service) Rollback(ctx context.Context, version int) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Snapshot
	for i := range s.history {
		if s.history[i].Version == version {
			target = &s.history[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("configsvc: version %d is not in history", version)
	}

	before := s.current()
	restoredTree, err := clone(target.Tree)
	if err != nil {
		return nil, err
	}
	next, err := newSnapshot(before.Version+1, restoredTree)
	if err != nil {
		return nil, err
	}
	s.commitLocked(next)

	if err := persistHistory(s.paths.HistoryDir, s.history); err != nil {
		return nil, err
	}
	s.publishLocked(ctx, contracts.TopicConfigSnapshot, contracts.ConfigSnapshotPayload{Version: next.Version, Tree: next.Tree})
	s.publishLocked(ctx, contracts.TopicStatusContract, contracts.ConfigRollbackPayload{
		PreviousVersion:   before.Version,
		CurrentVersion:    next.Version,
		BeforeFingerprint: before.Fingerprint,
		AfterFingerprint:  next.Fingerprint,
	})
	return &next, nil
}

// commitLocked appends snap to history, evicting the oldest entry once
// MaxHistory is exceeded. Callers must hold s.mu.
func (s *Service) commitLocked(snap Snapshot) {
	s.history = append(s.history, snap)
	if len(s.history) > MaxHistory {
		s.history = s.history[len(s.history)-MaxHistory:]
	}
}

// AttachBus installs bus as the broadcast target for future ApplyChanges
// and Rollback calls. A Service with no attached bus can still Load and
// validate, which is how configuration tooling exercises it without a
// running core.
func (s *Service) AttachBus(bus contracts.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

func (s *Service) publishLocked(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("configsvc: publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Resolver returns the secrets resolver loaded by Load, for modules that
// need to resolve a "secrets.<path>" reference found in their fragment.
func (s *Service) Resolver() *secretval.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver
}

// History returns a defensive copy of the retained snapshot history,
// oldest first.
func (s *Service) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Current returns the most recently committed snapshot.
func (s *Service) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

// CurrentVersionFingerprint satisfies orchestrator.RollbackDriller without
// exposing the full Snapshot, so the orchestrator package never needs to
// import configsvc's Snapshot type.
func (s *Service) CurrentVersionFingerprint() (int, string) {
	cur := s.Current()
	return cur.Version, cur.Fingerprint
}

// ApplyNoop performs the no-op apply_changes cycle a rollback drill uses to
// assert recovery: per the "apply_changes([]) ⇒ no snapshot, no version
// change" idempotence law, this never advances the version, so a healthy
// drill always reports before == after.
func (s *Service) ApplyNoop(ctx context.Context) (int, string, error) {
	snap, _, err := s.ApplyChanges(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	return snap.Version, snap.Fingerprint, nil
}
