package orchestrator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/orchestrator"
)

// fakeModule is a minimal contracts.Module for lifecycle testing.
type fakeModule struct {
	id               string
	category         string
	configErr        error
	configureFn      func(fragment map[string]any) error // takes priority over configErr when set
	startErr         error
	stopErr          error
	stopSleep        time.Duration
	restartOnFailure bool
	configCalls      atomic.Int64
	startCalls       atomic.Int64
	stopCalls        atomic.Int64
	lastFragment     map[string]any
}

func (m *fakeModule) RequiresRestartOnConfigureFailure() bool { return m.restartOnFailure }

func (m *fakeModule) Capability() contracts.Capability {
	return contracts.Capability{ID: m.id, Category: m.category, ConfigFragment: m.id}
}

func (m *fakeModule) Configure(ctx context.Context, fragment map[string]any) error {
	m.configCalls.Add(1)
	m.lastFragment = fragment
	if m.configureFn != nil {
		return m.configureFn(fragment)
	}
	return m.configErr
}

func (m *fakeModule) Start(ctx context.Context, bus contracts.Bus) error {
	m.startCalls.Add(1)
	return m.startErr
}

func (m *fakeModule) Stop(ctx context.Context) error {
	m.stopCalls.Add(1)
	if m.stopSleep > 0 {
		select {
		case <-time.After(m.stopSleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.stopErr
}

func (m *fakeModule) Health(ctx context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{ModuleID: m.id, State: contracts.HealthStateHealthy}
}

func startedBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithTelemetryInterval(time.Hour))
	require.NoError(t, b.Start(context.Background()))
	return b, func() { _ = b.Stop(context.Background()) }
}

func TestConfigureThenStartBringsModuleToRunning(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	o := orchestrator.New(b, orchestrator.WithHealthInterval(time.Hour), orchestrator.WithSummaryInterval(time.Hour))
	m := &fakeModule{id: "cam1", category: contracts.CategoryInput}
	require.NoError(t, o.Register(m))

	tree := map[string]any{"cam1": map[string]any{"fps": int64(5)}}
	require.NoError(t, o.Configure(context.Background(), tree))
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, int64(1), m.configCalls.Load())
	assert.Equal(t, int64(1), m.startCalls.Load())
	assert.EqualValues(t, 5, m.lastFragment["fps"])
}

func TestConfigureFailureQuarantinesModuleWithoutAbortingOthers(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	o := orchestrator.New(b, orchestrator.WithHealthInterval(time.Hour), orchestrator.WithSummaryInterval(time.Hour))
	bad := &fakeModule{id: "bad", category: contracts.CategoryProcess, configErr: assertErr("boom")}
	good := &fakeModule{id: "good", category: contracts.CategoryProcess}
	require.NoError(t, o.Register(bad))
	require.NoError(t, o.Register(good))

	require.NoError(t, o.Configure(context.Background(), map[string]any{}))
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, int64(0), bad.startCalls.Load())
	assert.Equal(t, int64(1), good.startCalls.Load())
}

func TestShutdownVisitsPhasesInDeclaredOrder(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	var phases []string
	_, err := b.Subscribe(contracts.TopicStatusShutdown, func(ctx context.Context, env contracts.Envelope) error {
		phases = append(phases, env.Payload.(contracts.ShutdownProgress).Phase)
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	o := orchestrator.New(b, orchestrator.WithHealthInterval(time.Hour), orchestrator.WithSummaryInterval(time.Hour))
	input := &fakeModule{id: "in", category: contracts.CategoryInput}
	proc := &fakeModule{id: "proc", category: contracts.CategoryProcess}
	require.NoError(t, o.Register(input))
	require.NoError(t, o.Register(proc))
	require.NoError(t, o.Configure(context.Background(), map[string]any{}))
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Shutdown(context.Background()))

	require.Eventually(t, func() bool { return len(phases) == len(contracts.ShutdownPhaseOrder) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, contracts.ShutdownPhaseOrder, phases)
	assert.Equal(t, int64(1), input.stopCalls.Load())
	assert.Equal(t, int64(1), proc.stopCalls.Load())
}

func TestHealthSummaryReflectsWorstModuleState(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	summaries := make(chan contracts.HealthSummary, 4)
	_, err := b.Subscribe(contracts.TopicStatusHealth, func(ctx context.Context, env contracts.Envelope) error {
		summaries <- env.Payload.(contracts.HealthSummary)
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	o := orchestrator.New(b, orchestrator.WithHealthInterval(10*time.Millisecond), orchestrator.WithSummaryInterval(20*time.Millisecond))
	m := &fakeModule{id: "flaky", category: contracts.CategoryProcess}
	require.NoError(t, o.Register(m))
	require.NoError(t, o.Configure(context.Background(), map[string]any{}))
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	select {
	case s := <-summaries:
		assert.Equal(t, contracts.HealthStateHealthy, s.Overall)
	case <-time.After(time.Second):
		t.Fatal("no health summary published")
	}
}

func TestReconfigureFailureRollsBackAndMarksModuleDegraded(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	var rollbacks []contracts.ConfigRollbackPayload
	_, err := b.Subscribe(contracts.TopicStatusContract, func(ctx context.Context, env contracts.Envelope) error {
		if p, ok := env.Payload.(contracts.ConfigRollbackPayload); ok {
			rollbacks = append(rollbacks, p)
		}
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	o := orchestrator.New(b, orchestrator.WithHealthInterval(10*time.Millisecond), orchestrator.WithSummaryInterval(time.Hour))
	m := &fakeModule{id: "proc", category: contracts.CategoryProcess}
	m.configureFn = func(fragment map[string]any) error {
		if fragment["bad"] == true {
			return assertErr("rejected")
		}
		return nil
	}
	require.NoError(t, o.Register(m))
	require.NoError(t, o.Configure(context.Background(), map[string]any{"proc": map[string]any{}}))
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	require.NoError(t, o.Reconfigure(context.Background(), map[string]any{"proc": map[string]any{"bad": true}}))

	require.Eventually(t, func() bool {
		status, ok := o.Health("proc")
		return ok && status.State == contracts.HealthStateDegraded
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(rollbacks) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "proc", rollbacks[0].ModuleID)
}

func TestBootInstantiatesModulesFromFactoryRegistryByTypeField(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	o := orchestrator.New(b, orchestrator.WithHealthInterval(time.Hour), orchestrator.WithSummaryInterval(time.Hour))

	var built []*fakeModule
	o.RegisterFactory("fake", func(id string) contracts.Module {
		m := &fakeModule{id: id, category: contracts.CategoryProcess}
		built = append(built, m)
		return m
	})

	tree := map[string]any{
		"process": map[string]any{
			"worker-a": map[string]any{"id": "worker-a", "type": "fake", "setting": int64(1)},
			"worker-b": map[string]any{"id": "worker-b", "type": "unregistered-type"},
		},
	}
	require.NoError(t, o.Boot(tree))

	require.Len(t, built, 1)
	assert.Equal(t, []string{"worker-a"}, o.ModuleIDs())

	require.NoError(t, o.Configure(context.Background(), tree))
	assert.EqualValues(t, 1, built[0].lastFragment["setting"])
}

func TestReconfigureFailureWithRestartCyclesStopConfigureStartAndEndsRunning(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	var rollbacks []contracts.ConfigRollbackPayload
	_, err := b.Subscribe(contracts.TopicStatusContract, func(ctx context.Context, env contracts.Envelope) error {
		if p, ok := env.Payload.(contracts.ConfigRollbackPayload); ok {
			rollbacks = append(rollbacks, p)
		}
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	o := orchestrator.New(b, orchestrator.WithHealthInterval(10*time.Millisecond), orchestrator.WithSummaryInterval(time.Hour))
	m := &fakeModule{id: "restartable", category: contracts.CategoryProcess, restartOnFailure: true}
	m.configureFn = func(fragment map[string]any) error {
		if fragment["bad"] == true {
			return assertErr("rejected")
		}
		return nil
	}
	require.NoError(t, o.Register(m))
	require.NoError(t, o.Configure(context.Background(), map[string]any{"restartable": map[string]any{"ok": true}}))
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	assert.Equal(t, int64(1), m.startCalls.Load())
	assert.Equal(t, int64(0), m.stopCalls.Load())

	// A successful reconfigure never stops or restarts the module.
	require.NoError(t, o.Reconfigure(context.Background(), map[string]any{"restartable": map[string]any{"ok": false}}))
	assert.Equal(t, int64(0), m.stopCalls.Load())
	assert.Equal(t, int64(1), m.startCalls.Load())

	priorFragment := map[string]any{"ok": false}

	// A failed reconfigure cycles stop -> configure(prior) -> start, ending
	// the module running again rather than left stopped.
	require.NoError(t, o.Reconfigure(context.Background(), map[string]any{"restartable": map[string]any{"bad": true}}))

	require.Eventually(t, func() bool {
		status, ok := o.Health("restartable")
		return ok && status.State == contracts.HealthStateDegraded
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), m.stopCalls.Load())
	assert.Equal(t, int64(2), m.startCalls.Load())
	assert.Equal(t, priorFragment, m.lastFragment)

	require.Eventually(t, func() bool { return len(rollbacks) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "restartable", rollbacks[0].ModuleID)
}

func TestNotifyConfigChangeInvokesRegisteredObservers(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	o := orchestrator.New(b, orchestrator.WithHealthInterval(time.Hour), orchestrator.WithSummaryInterval(time.Hour))
	obs := &recordingObserver{}
	o.RegisterObserver(obs)

	o.NotifyConfigChange(context.Background(), 3, "fp-abc")

	require.Len(t, obs.configChanges, 1)
	assert.Equal(t, 3, obs.configChanges[0].version)
	assert.Equal(t, "fp-abc", obs.configChanges[0].fingerprint)
}

type recordingObserver struct {
	configChanges []configChangeCall
}

type configChangeCall struct {
	version     int
	fingerprint string
}

func (o *recordingObserver) OnModuleLifecycle(ctx context.Context, moduleID, event string, err error) {}

func (o *recordingObserver) OnConfigChange(ctx context.Context, version int, fingerprint string) {
	o.configChanges = append(o.configChanges, configChangeCall{version: version, fingerprint: fingerprint})
}

func (o *recordingObserver) OnShutdownPhase(ctx context.Context, phase string, modulesRemaining int, elapsed time.Duration) {
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
