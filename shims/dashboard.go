package shims

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Gateway is the external HTTP/WebSocket collaborator that renders status
// and analytics topics to connected dashboard clients. The core only
// routes envelopes to it; it never renders HTML or manages sockets itself.
type Gateway interface {
	Broadcast(ctx context.Context, topic string, payload any) error
}

// DashboardShim forwards status/analytics topics to a Gateway, and gives
// that same Gateway a narrow, validated path back onto the bus for operator
// actions (control commands, config updates) submitted by connected clients.
type DashboardShim struct {
	*base
	sourceTopics []string
	gateway      Gateway
}

// NewDashboardShim constructs a DashboardShim.
func NewDashboardShim(id string, sourceTopics []string, gateway Gateway, logger *zap.Logger) *DashboardShim {
	return &DashboardShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryDashboard,
			Subscribes:     sourceTopics,
			Publishes:      []string{contracts.TopicDashboardControl, contracts.TopicConfigUpdate},
			ConfigFragment: id,
		}),
		sourceTopics: sourceTopics,
		gateway:      gateway,
	}
}

// Configure is a no-op: gateway listen address and TLS material are the
// Gateway's own concern, injected at construction.
func (d *DashboardShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to every configured status/analytics topic.
func (d *DashboardShim) Start(ctx context.Context, bus contracts.Bus) error {
	for _, topic := range d.sourceTopics {
		if err := d.subscribe(bus, topic, d.handleStatus, contracts.WithCapacity(64)); err != nil {
			return err
		}
	}
	d.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (d *DashboardShim) handleStatus(ctx context.Context, env contracts.Envelope) error {
	if err := d.gateway.Broadcast(ctx, env.Topic, env.Payload); err != nil {
		return fmt.Errorf("shims: gateway broadcast: %w", err)
	}
	return nil
}

// SubmitControlCommand publishes an operator-issued ControlCommand onto
// dashboard.control.command on behalf of a connected client. It is the
// Gateway's only write path back onto the bus.
func (d *DashboardShim) SubmitControlCommand(ctx context.Context, cmd contracts.ControlCommand) error {
	if err := contracts.ValidateControlCommand(cmd, contracts.SchemaVersion); err != nil {
		return fmt.Errorf("shims: invalid control command: %w", err)
	}
	d.base.mu.Lock()
	bus := d.base.bus
	d.base.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("shims: dashboard shim not started")
	}
	return bus.Publish(ctx, contracts.TopicDashboardControl, cmd)
}

// SubmitConfigUpdate publishes operator-issued ConfigUpdates onto
// config.update on behalf of a connected client.
func (d *DashboardShim) SubmitConfigUpdate(ctx context.Context, updates []contracts.ConfigUpdate) error {
	for _, u := range updates {
		if err := contracts.ValidateConfigUpdate(u, contracts.SchemaVersion); err != nil {
			return fmt.Errorf("shims: invalid config update: %w", err)
		}
	}
	d.base.mu.Lock()
	bus := d.base.bus
	d.base.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("shims: dashboard shim not started")
	}
	return bus.Publish(ctx, contracts.TopicConfigUpdate, updates)
}

// Stop unsubscribes from every source topic.
func (d *DashboardShim) Stop(ctx context.Context) error { return d.stop(ctx) }
