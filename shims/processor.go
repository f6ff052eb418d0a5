package shims

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Detector is the external model-inference collaborator: given a Frame it
// returns zero or more DetectionEvents. The core does not interpret model
// outputs beyond the canonical DetectionEvent schema.
type Detector interface {
	Detect(ctx context.Context, frame contracts.Frame) ([]contracts.DetectionEvent, error)
}

// ProcessorShim subscribes to one or more camera frame topics and publishes
// a Detector's output to a destination topic (e.g. "process.motion.detected").
type ProcessorShim struct {
	*base
	sourceTopics    []string
	destinationTopic string
	detector        Detector
}

// NewProcessorShim constructs a ProcessorShim.
func NewProcessorShim(id string, sourceTopics []string, destinationTopic string, detector Detector, logger *zap.Logger) *ProcessorShim {
	return &ProcessorShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryProcess,
			Subscribes:     sourceTopics,
			Publishes:      []string{destinationTopic},
			ConfigFragment: id,
		}),
		sourceTopics:     sourceTopics,
		destinationTopic: destinationTopic,
		detector:         detector,
	}
}

// Configure is a no-op: the detector model's own parameters are injected at
// construction, not hot-reloaded through the core's config tree.
func (p *ProcessorShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to every configured source topic.
func (p *ProcessorShim) Start(ctx context.Context, bus contracts.Bus) error {
	for _, topic := range p.sourceTopics {
		if err := p.subscribe(bus, topic, p.handleFrame, contracts.WithCapacity(64)); err != nil {
			return err
		}
	}
	p.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (p *ProcessorShim) handleFrame(ctx context.Context, env contracts.Envelope) error {
	frame, ok := env.Payload.(contracts.Frame)
	if !ok {
		return fmt.Errorf("shims: unexpected payload type %T", env.Payload)
	}
	detections, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("shims: detect: %w", err)
	}
	for _, d := range detections {
		if err := contracts.ValidateDetectionEvent(d, env.SchemaVersion); err != nil {
			p.logger.Warn("shims: dropping invalid detection", zap.Error(err))
			continue
		}
		if err := p.base.bus.Publish(ctx, p.destinationTopic, d, contracts.WithCorrelationID(env.CorrelationID)); err != nil {
			p.logger.Debug("shims: publish detection failed", zap.Error(err))
		}
	}
	return nil
}

// Stop unsubscribes from every source topic.
func (p *ProcessorShim) Stop(ctx context.Context) error { return p.stop(ctx) }
