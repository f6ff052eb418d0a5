// Package orchestrator implements the module registry, the per-module
// lifecycle state machine (configure/start/stop/reconfigure with
// transactional rollback), the health aggregation loop, staged shutdown,
// and scheduled rollback drills. It is the control-plane counterpart to the
// bus's data-plane, driving the registered module set through a
// deterministic sequence on every lifecycle transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// State is a module's lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateConfigured State = "configured"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateQuarantined State = "quarantined"
)

// Errors specific to the orchestrator.
var (
	ErrUnknownModule      = errors.New("orchestrator: unknown module id")
	ErrDuplicateModule    = errors.New("orchestrator: module id already registered")
	ErrModuleQuarantined  = errors.New("orchestrator: module is quarantined")
)

// record is the orchestrator-owned bookkeeping for one registered module.
type record struct {
	module      contracts.Module
	cap         contracts.Capability
	state       State
	fragment    map[string]any
	lastHealth  contracts.HealthStatus
	quarantined bool
	degraded    bool // set when a reconfigure failed and was rolled back; cleared by the next successful reconfigure
}

// Factory constructs a module instance for the given id. Registered against
// a fragment's "type" field by RegisterFactory, and invoked by Boot once per
// id/type-tagged fragment found under a reserved configuration section.
type Factory func(id string) contracts.Module

// ReservedSections are the top-level configuration sections Boot scans for
// id/type-tagged module fragments, named in the order staged shutdown visits
// their corresponding categories.
var ReservedSections = []string{
	"cameras", "process", "event", "outputs", "storage", "analytics", "dashboards", "status", "resilience",
}

// Orchestrator drives registered modules through configure/start/stop and
// reconfigure, aggregates health, and runs staged shutdown.
type Orchestrator struct {
	logger *zap.Logger
	bus    contracts.Bus

	lifecycleDeadline time.Duration
	healthInterval    time.Duration
	summaryInterval   time.Duration
	healthDeadline    time.Duration

	mu        sync.Mutex
	records   map[string]*record
	order     []string // registration order, for deterministic configure/start
	factories map[string]Factory

	observers []Observer

	stopHealth context.CancelFunc
	wg         sync.WaitGroup
}

// Defaults for lifecycle deadlines and health polling cadence.
const (
	DefaultLifecycleDeadline = 10 * time.Second
	DefaultHealthInterval    = 5 * time.Second
	DefaultSummaryInterval   = 10 * time.Second
	DefaultHealthDeadline    = 2 * time.Second
)

// Option configures a new Orchestrator.
type Option func(*Orchestrator)

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithLifecycleDeadline overrides DefaultLifecycleDeadline.
func WithLifecycleDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.lifecycleDeadline = d }
}

// WithHealthInterval overrides DefaultHealthInterval.
func WithHealthInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.healthInterval = d }
}

// WithSummaryInterval overrides DefaultSummaryInterval.
func WithSummaryInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.summaryInterval = d }
}

// New constructs an Orchestrator bound to bus for publishing telemetry and
// dispatching bus-attached modules.
func New(bus contracts.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:            zap.NewNop(),
		bus:               bus,
		lifecycleDeadline: DefaultLifecycleDeadline,
		healthInterval:    DefaultHealthInterval,
		summaryInterval:   DefaultSummaryInterval,
		healthDeadline:    DefaultHealthDeadline,
		records:           make(map[string]*record),
		factories:         make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterObserver installs obs on the orchestrator's notification channel.
// Observers are invoked synchronously, best-effort, alongside bus
// publication; a panicking observer is recovered and logged.
func (o *Orchestrator) RegisterObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Register adds module to the registry in StateCreated. It must be called
// before Configure.
func (o *Orchestrator) Register(module contracts.Module) error {
	cap := module.Capability()
	if cap.ID == "" {
		return fmt.Errorf("orchestrator: module capability has empty ID")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[cap.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, cap.ID)
	}
	o.records[cap.ID] = &record{module: module, cap: cap, state: StateCreated}
	o.order = append(o.order, cap.ID)
	return nil
}

// RegisterFactory associates moduleType with factory, so Boot can construct
// one instance per fragment whose "type" field names moduleType. The factory
// registry is an explicit mapping: there is no inheritance or type-prefix
// guessing, just this lookup table.
func (o *Orchestrator) RegisterFactory(moduleType string, factory Factory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[moduleType] = factory
}

// Boot walks tree's reserved top-level sections, and for every fragment
// carrying both an "id" and a "type" field, looks up the factory registered
// for that type and Registers the module it constructs. A fragment whose
// type has no registered factory is skipped rather than treated as an
// error: deployment-specific wiring registers camera/detector/notifier/
// storage/dashboard modules directly via Register, since those factories
// need externally-supplied collaborators (drivers, senders, gateways) Boot
// has no way to construct on its own.
func (o *Orchestrator) Boot(tree map[string]any) error {
	for _, section := range ReservedSections {
		v, ok := tree[section]
		if !ok {
			continue
		}
		for _, fragment := range sectionEntries(v) {
			id, _ := fragment["id"].(string)
			moduleType, _ := fragment["type"].(string)
			if id == "" || moduleType == "" {
				continue
			}
			o.mu.Lock()
			factory, ok := o.factories[moduleType]
			o.mu.Unlock()
			if !ok {
				continue
			}
			if err := o.Register(factory(id)); err != nil {
				return fmt.Errorf("orchestrator: boot %s (type %s): %w", id, moduleType, err)
			}
		}
	}
	return nil
}

// sectionEntries normalizes one reserved section's value into a flat slice
// of fragments: cameras is an array of fragments, every other section is a
// map of id -> fragment.
func sectionEntries(v any) []map[string]any {
	switch sv := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range sv {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		var out []map[string]any
		for _, item := range sv {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// Configure runs Configure on every registered module with its owned
// fragment from tree, in registration order. A module whose Configure call
// fails is quarantined rather than aborting the boot of the rest.
func (o *Orchestrator) Configure(ctx context.Context, tree map[string]any) error {
	o.mu.Lock()
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.configureOne(ctx, id, tree); err != nil {
			o.logger.Error("module configure failed", zap.String("module", id), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) configureOne(ctx context.Context, id string, tree map[string]any) error {
	o.mu.Lock()
	rec, ok := o.records[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}

	fragment := fragmentFor(tree, rec.cap.ConfigFragment)
	cctx, cancel := context.WithTimeout(ctx, o.lifecycleDeadline)
	defer cancel()

	if err := rec.module.Configure(cctx, fragment); err != nil {
		o.mu.Lock()
		rec.state = StateQuarantined
		rec.quarantined = true
		o.mu.Unlock()
		o.notifyLifecycle(ctx, id, "configure_failed", err)
		return fmt.Errorf("%w: module %s: %w", contracts.ErrModuleConfigureFailed, id, err)
	}

	o.mu.Lock()
	rec.fragment = fragment
	rec.state = StateConfigured
	o.mu.Unlock()
	o.notifyLifecycle(ctx, id, "configured", nil)
	return nil
}

// Start runs Start on every configured module, in registration order, wires
// it to the bus, and launches the health loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, id := range ids {
		o.mu.Lock()
		rec, ok := o.records[id]
		o.mu.Unlock()
		if !ok || rec.quarantined {
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, o.lifecycleDeadline)
		err := rec.module.Start(sctx, o.bus)
		cancel()
		if err != nil {
			o.mu.Lock()
			rec.state = StateQuarantined
			rec.quarantined = true
			o.mu.Unlock()
			o.logger.Error("module start failed", zap.String("module", id), zap.Error(err))
			o.notifyLifecycle(ctx, id, "start_failed", err)
			continue
		}

		o.mu.Lock()
		rec.state = StateRunning
		o.mu.Unlock()
		o.notifyLifecycle(ctx, id, "started", nil)
	}

	healthCtx, cancel := context.WithCancel(ctx)
	o.stopHealth = cancel
	o.wg.Add(1)
	go o.healthLoop(healthCtx)
	return nil
}

// Reconfigure re-runs Configure for every module whose owned fragment
// changed in newTree, rolling a module back to its prior fragment and
// marking it degraded if the new Configure call fails. Modules implementing
// contracts.RestartOnConfigureFailure are additionally cycled through
// stop/configure/start with the prior fragment on that failure path, so
// they end up running again rather than left stopped.
func (o *Orchestrator) Reconfigure(ctx context.Context, newTree map[string]any) error {
	o.mu.Lock()
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, id := range ids {
		o.mu.Lock()
		rec, ok := o.records[id]
		o.mu.Unlock()
		if !ok {
			continue
		}
		newFragment := fragmentFor(newTree, rec.cap.ConfigFragment)
		if fragmentsEqual(rec.fragment, newFragment) {
			continue
		}

		if err := o.reconfigureOne(ctx, rec, newFragment); err != nil {
			o.logger.Warn("module reconfigure rolled back", zap.String("module", id), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) reconfigureOne(ctx context.Context, rec *record, newFragment map[string]any) error {
	cctx, cancel := context.WithTimeout(ctx, o.lifecycleDeadline)
	defer cancel()

	prior := rec.fragment

	if err := rec.module.Configure(cctx, newFragment); err != nil {
		return o.recoverFromFailedReconfigure(ctx, cctx, rec, prior, err)
	}

	o.mu.Lock()
	rec.fragment = newFragment
	rec.degraded = false
	o.mu.Unlock()
	o.notifyLifecycle(ctx, rec.cap.ID, "reconfigured", nil)
	return nil
}

// recoverFromFailedReconfigure implements the failed-reconfigure recovery
// protocol: mark the module degraded and publish a module-scoped rollback,
// then, only for modules declaring RequiresRestartOnConfigureFailure, cycle
// stopped -> configure(prior) -> start so the module ends up running again
// under its prior fragment instead of left stopped. A module that does not
// require restart is simply re-configured with prior in place, without ever
// being stopped.
func (o *Orchestrator) recoverFromFailedReconfigure(ctx, cctx context.Context, rec *record, prior map[string]any, cause error) error {
	restartable, wantsRestart := rec.module.(contracts.RestartOnConfigureFailure)
	if !wantsRestart || !restartable.RequiresRestartOnConfigureFailure() {
		if rollbackErr := rec.module.Configure(cctx, prior); rollbackErr != nil {
			o.mu.Lock()
			rec.state = StateQuarantined
			rec.quarantined = true
			o.mu.Unlock()
			return fmt.Errorf("reconfigure failed and rollback failed: %w (rollback: %v)", cause, rollbackErr)
		}
		o.mu.Lock()
		rec.degraded = true
		o.mu.Unlock()
		o.notifyLifecycle(ctx, rec.cap.ID, "reconfigure_rolled_back", cause)
		o.publishModuleRollback(ctx, rec.cap.ID, cause)
		return fmt.Errorf("%w: %w", contracts.ErrModuleConfigureFailed, cause)
	}

	o.mu.Lock()
	rec.state = StateStopped
	o.mu.Unlock()
	if stopErr := rec.module.Stop(cctx); stopErr != nil {
		o.logger.Warn("module stop during restart-on-failure recovery failed", zap.String("module", rec.cap.ID), zap.Error(stopErr))
	}
	if rollbackErr := rec.module.Configure(cctx, prior); rollbackErr != nil {
		o.mu.Lock()
		rec.state = StateQuarantined
		rec.quarantined = true
		o.mu.Unlock()
		return fmt.Errorf("reconfigure failed and rollback failed: %w (rollback: %v)", cause, rollbackErr)
	}
	if startErr := rec.module.Start(cctx, o.bus); startErr != nil {
		o.mu.Lock()
		rec.state = StateQuarantined
		rec.quarantined = true
		o.mu.Unlock()
		return fmt.Errorf("%w: %w", contracts.ErrModuleStartFailed, startErr)
	}

	o.mu.Lock()
	rec.state = StateRunning
	rec.fragment = prior
	rec.degraded = true
	o.mu.Unlock()
	o.notifyLifecycle(ctx, rec.cap.ID, "reconfigure_rolled_back", cause)
	o.publishModuleRollback(ctx, rec.cap.ID, cause)
	return fmt.Errorf("%w: %w", contracts.ErrModuleConfigureFailed, cause)
}

// publishModuleRollback reports a module-scoped rollback: unlike the
// global rollback configsvc.Service.Rollback publishes, ModuleID is set and
// there is no snapshot version pair to report, since the module rolled back
// to its own prior fragment without the configuration tree as a whole
// moving.
func (o *Orchestrator) publishModuleRollback(ctx context.Context, moduleID string, cause error) {
	if o.bus == nil {
		return
	}
	payload := contracts.ConfigRollbackPayload{
		ModuleID:    moduleID,
		Diagnostics: []string{cause.Error()},
	}
	if err := o.bus.Publish(ctx, contracts.TopicStatusContract, payload); err != nil {
		o.logger.Warn("failed to publish module rollback", zap.String("module", moduleID), zap.Error(err))
	}
}

// fragmentFor extracts the fragment a module owns from tree, addressed by
// path (a module's Capability.ConfigFragment, normally just its id). A flat
// dotted-path lookup is tried first, for trees built directly at that path
// (as plain test fixtures do); if that misses, every reserved section is
// searched for a fragment keyed (or self-identified, for the cameras array)
// by path, matching how Boot actually lays fragments out under tree. A
// missing fragment yields an empty map so Configure never sees a nil map.
func fragmentFor(tree map[string]any, path string) map[string]any {
	if path == "" {
		return map[string]any{}
	}
	if f := dottedLookup(tree, path); f != nil {
		return f
	}
	for _, section := range ReservedSections {
		v, ok := tree[section]
		if !ok {
			continue
		}
		for _, fragment := range sectionEntries(v) {
			if id, _ := fragment["id"].(string); id == path {
				return fragment
			}
		}
	}
	return map[string]any{}
}

func dottedLookup(tree map[string]any, path string) map[string]any {
	cur := any(tree)
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// fragmentsEqual is a cheap structural comparison sufficient for deciding
// whether a module needs reconfiguring; it is not used for persistence.
func fragmentsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aIsMap != bIsMap {
			return false
		}
		if aIsMap {
			if !fragmentsEqual(am, bm) {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// Health returns the orchestrator's current best-known HealthStatus for id.
func (o *Orchestrator) Health(id string) (contracts.HealthStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return contracts.HealthStatus{}, false
	}
	return rec.lastHealth, true
}

// ModuleIDs returns the registered module ids in registration order.
func (o *Orchestrator) ModuleIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) notifyLifecycle(ctx context.Context, moduleID, event string, err error) {
	o.mu.Lock()
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		o.safeNotify(ctx, obs, moduleID, event, err)
	}
}

func (o *Orchestrator) safeNotify(ctx context.Context, obs Observer, moduleID, event string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", zap.Any("recover", r))
		}
	}()
	obs.OnModuleLifecycle(ctx, moduleID, event, err)
}

// NotifyConfigChange informs every registered Observer that a new
// configuration snapshot was committed. It is driven externally, from
// whoever observes config.snapshot, since every path that commits a
// snapshot (an accepted update, a rollback, a file-triggered hot reload)
// broadcasts on that same topic regardless of which component initiated it.
func (o *Orchestrator) NotifyConfigChange(ctx context.Context, version int, fingerprint string) {
	o.mu.Lock()
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		o.safeNotifyConfigChange(ctx, obs, version, fingerprint)
	}
}

func (o *Orchestrator) safeNotifyConfigChange(ctx context.Context, obs Observer, version int, fingerprint string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", zap.Any("recover", r))
		}
	}()
	obs.OnConfigChange(ctx, version, fingerprint)
}
