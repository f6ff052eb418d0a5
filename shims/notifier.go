package shims

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Sender is the external delivery collaborator: it hands an
// AlertNotification to whatever wire protocol it implements (Telegram,
// SMTP, a generic webhook). The core never touches those protocols.
type Sender interface {
	Send(ctx context.Context, notification contracts.AlertNotification) error
}

// NotifierShim subscribes to event topics (typically already rate-limited)
// and hands each AlertNotification to a Sender.
type NotifierShim struct {
	*base
	sourceTopics []string
	sender       Sender
}

// NewNotifierShim constructs a NotifierShim.
func NewNotifierShim(id string, sourceTopics []string, sender Sender, logger *zap.Logger) *NotifierShim {
	return &NotifierShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryOutput,
			Subscribes:     sourceTopics,
			ConfigFragment: id,
		}),
		sourceTopics: sourceTopics,
		sender:       sender,
	}
}

// Configure is a no-op: transport credentials and endpoints are the
// Sender's own concern, injected at construction.
func (n *NotifierShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to every configured event topic.
func (n *NotifierShim) Start(ctx context.Context, bus contracts.Bus) error {
	for _, topic := range n.sourceTopics {
		if err := n.subscribe(bus, topic, n.handleEvent, contracts.WithCapacity(32)); err != nil {
			return err
		}
	}
	n.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (n *NotifierShim) handleEvent(ctx context.Context, env contracts.Envelope) error {
	notification, ok := env.Payload.(contracts.AlertNotification)
	if !ok {
		return fmt.Errorf("shims: unexpected payload type %T", env.Payload)
	}
	if err := contracts.ValidateAlertNotification(notification, env.SchemaVersion); err != nil {
		return fmt.Errorf("shims: invalid notification: %w", err)
	}
	if err := n.sender.Send(ctx, notification); err != nil {
		n.setState(contracts.HealthStateDegraded, map[string]any{"last_error": err.Error()})
		return fmt.Errorf("shims: send: %w", err)
	}
	n.setState(contracts.HealthStateHealthy, nil)
	return nil
}

// Stop unsubscribes from every source topic.
func (n *NotifierShim) Stop(ctx context.Context) error { return n.stop(ctx) }
