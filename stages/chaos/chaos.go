// Package chaos implements a bus interceptor that injects latency or drops
// envelopes for topics matching an operator-specified glob, toggled at
// runtime via ControlCommand messages published by dashboards.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
)

// CommandToggle is the ControlCommand.Command value this module acts on.
const CommandToggle = "resilience.toggle"

// Errors specific to the chaos interceptor.
var (
	ErrMissingTopicGlob = errors.New("chaos: topic_glob argument is required")
	ErrUnknownCommand   = errors.New("chaos: unsupported command")
)

// scenario is one active resilience.toggle injection.
type scenario struct {
	topicGlob   string
	latency     time.Duration
	dropRate    float64
}

// Interceptor injects latency/drops per active scenario and reports every
// toggle on status.resilience.event. It implements both contracts.Module
// (for orchestrator-managed lifecycle) and bus.Interceptor (for installation
// on the bus's interception chain).
type Interceptor struct {
	logger *zap.Logger
	id     string
	rng    *rand.Rand

	mu         sync.Mutex
	scenarios  map[string]scenario // scenario id -> scenario
	bus        *bus.Bus
	ctrlHandle contracts.Handle
	intHandle  contracts.Handle
}

// New constructs an Interceptor. id becomes the Capability.ID.
func New(id string, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		logger:    logger,
		id:        id,
		rng:       rand.New(rand.NewSource(1)),
		scenarios: make(map[string]scenario),
	}
}

// Capability describes this module's bus surface.
func (i *Interceptor) Capability() contracts.Capability {
	return contracts.Capability{
		ID:             i.id,
		Category:       contracts.CategoryCore,
		Subscribes:     []string{contracts.TopicDashboardControl},
		Publishes:      []string{contracts.TopicStatusResilience},
		ConfigFragment: i.id,
	}
}

// Configure is a no-op: the chaos interceptor has no static configuration,
// only runtime ControlCommand toggles.
func (i *Interceptor) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to dashboard.control.command and installs itself as a bus
// interceptor. b must be a *bus.Bus: the interceptor chain is not part of
// the generic contracts.Bus surface, since it is a sentryd-specific
// extension point rather than a cross-transport concern.
func (i *Interceptor) Start(ctx context.Context, b contracts.Bus) error {
	concrete, ok := b.(*bus.Bus)
	if !ok {
		return fmt.Errorf("chaos: bus does not support interception")
	}

	handle, err := b.Subscribe(contracts.TopicDashboardControl, i.handleControl, contracts.WithCapacity(32))
	if err != nil {
		return fmt.Errorf("chaos: subscribe: %w", err)
	}

	i.mu.Lock()
	i.bus = concrete
	i.ctrlHandle = handle
	i.intHandle = concrete.Intercept(i)
	i.mu.Unlock()
	return nil
}

// Stop removes the interceptor and unsubscribes from control commands.
func (i *Interceptor) Stop(ctx context.Context) error {
	i.mu.Lock()
	b, ctrlHandle, intHandle := i.bus, i.ctrlHandle, i.intHandle
	i.mu.Unlock()
	if b == nil {
		return nil
	}
	b.RemoveInterceptor(intHandle)
	return b.Unsubscribe(ctrlHandle)
}

// Health reports the count of active scenarios.
func (i *Interceptor) Health(ctx context.Context) contracts.HealthStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return contracts.HealthStatus{
		ModuleID: i.id,
		State:    contracts.HealthStateHealthy,
		Detail:   map[string]any{"active_scenarios": len(i.scenarios)},
		LastSeen: time.Now(),
	}
}

func (i *Interceptor) handleControl(ctx context.Context, env contracts.Envelope) error {
	cmd, ok := env.Payload.(contracts.ControlCommand)
	if !ok {
		return fmt.Errorf("chaos: unexpected payload type %T", env.Payload)
	}
	if err := contracts.ValidateControlCommand(cmd, env.SchemaVersion); err != nil {
		return err
	}
	if cmd.Command != CommandToggle {
		return nil
	}

	glob, _ := cmd.Arguments["topic_glob"].(string)
	if glob == "" {
		return ErrMissingTopicGlob
	}
	if _, err := filepath.Match(glob, "probe"); err != nil {
		return fmt.Errorf("chaos: invalid topic_glob %q: %w", glob, err)
	}

	action := contracts.ResilienceActionInjected
	scenarioID := cmd.Target
	if scenarioID == "" {
		scenarioID = glob
	}

	clear, _ := cmd.Arguments["clear"].(bool)
	var latency time.Duration
	var dropRate float64

	i.mu.Lock()
	if clear {
		delete(i.scenarios, scenarioID)
		action = contracts.ResilienceActionCleared
	} else {
		if ms, ok := toFloat(cmd.Arguments["latency_ms"]); ok {
			latency = time.Duration(ms) * time.Millisecond
		}
		if dr, ok := toFloat(cmd.Arguments["drop_rate"]); ok {
			dropRate = dr
		}
		i.scenarios[scenarioID] = scenario{topicGlob: glob, latency: latency, dropRate: dropRate}
	}
	i.mu.Unlock()

	return i.bus.Publish(ctx, contracts.TopicStatusResilience, contracts.ResilienceEvent{
		ScenarioID: scenarioID,
		Action:     action,
		TopicGlob:  glob,
		Parameters: cmd.Arguments,
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Intercept implements bus.Interceptor: it sleeps for the matching
// scenario's latency, then randomly drops the envelope per the scenario's
// drop_rate. Multiple matching scenarios compose: latency sums, drop
// probabilities are evaluated independently in scenario-map iteration order.
func (i *Interceptor) Intercept(ctx context.Context, env contracts.Envelope) (contracts.Envelope, bool) {
	i.mu.Lock()
	matching := make([]scenario, 0, len(i.scenarios))
	for _, sc := range i.scenarios {
		if ok, _ := filepath.Match(sc.topicGlob, env.Topic); ok {
			matching = append(matching, sc)
		}
	}
	i.mu.Unlock()

	if len(matching) == 0 {
		return env, true
	}

	for _, sc := range matching {
		if sc.latency > 0 {
			select {
			case <-time.After(sc.latency):
			case <-ctx.Done():
				return env, false
			}
		}
		if sc.dropRate > 0 {
			i.mu.Lock()
			roll := i.rng.Float64()
			i.mu.Unlock()
			if roll < sc.dropRate {
				return env, false
			}
		}
	}
	return env, true
}
