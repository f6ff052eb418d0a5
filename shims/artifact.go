package shims

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Builder is the external media-encoding collaborator: given a
// DetectionEvent it produces zero or more artifacts (snapshots, GIFs,
// clips). The core never encodes media itself.
type Builder interface {
	Build(ctx context.Context, detection contracts.DetectionEvent) ([]contracts.MediaArtifact, error)
}

// ArtifactShim subscribes to detection topics and publishes a Builder's
// output MediaArtifacts to a destination event topic.
type ArtifactShim struct {
	*base
	sourceTopics      []string
	destinationTopic  string
	builder           Builder
}

// NewArtifactShim constructs an ArtifactShim.
func NewArtifactShim(id string, sourceTopics []string, destinationTopic string, builder Builder, logger *zap.Logger) *ArtifactShim {
	return &ArtifactShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryEvent,
			Subscribes:     sourceTopics,
			Publishes:      []string{destinationTopic},
			ConfigFragment: id,
		}),
		sourceTopics:     sourceTopics,
		destinationTopic: destinationTopic,
		builder:          builder,
	}
}

// Configure is a no-op: encoder parameters (resolution, format, bitrate) are
// the builder's own concern, injected at construction.
func (a *ArtifactShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to every configured detection topic.
func (a *ArtifactShim) Start(ctx context.Context, bus contracts.Bus) error {
	for _, topic := range a.sourceTopics {
		if err := a.subscribe(bus, topic, a.handleDetection, contracts.WithCapacity(32)); err != nil {
			return err
		}
	}
	a.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (a *ArtifactShim) handleDetection(ctx context.Context, env contracts.Envelope) error {
	detection, ok := env.Payload.(contracts.DetectionEvent)
	if !ok {
		return fmt.Errorf("shims: unexpected payload type %T", env.Payload)
	}
	artifacts, err := a.builder.Build(ctx, detection)
	if err != nil {
		return fmt.Errorf("shims: build artifact: %w", err)
	}
	for _, art := range artifacts {
		if err := contracts.ValidateMediaArtifact(art, env.SchemaVersion); err != nil {
			a.logger.Warn("shims: dropping invalid artifact", zap.Error(err))
			continue
		}
		if err := a.base.bus.Publish(ctx, a.destinationTopic, art, contracts.WithCorrelationID(env.CorrelationID)); err != nil {
			a.logger.Debug("shims: publish artifact failed", zap.Error(err))
		}
	}
	return nil
}

// Stop unsubscribes from every source topic.
func (a *ArtifactShim) Stop(ctx context.Context) error { return a.stop(ctx) }
