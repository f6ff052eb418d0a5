package shims

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Persister is the external storage collaborator: given a MediaArtifact it
// writes it to a filesystem, object store, or database and reports back the
// opaque location it landed at. The core never touches storage internals.
type Persister interface {
	Persist(ctx context.Context, artifact contracts.MediaArtifact) (contracts.StorageRecord, error)
}

// StorageShim subscribes to event topics and persists each MediaArtifact
// through a Persister, publishing a confirmation StorageRecord.
type StorageShim struct {
	*base
	sourceTopics     []string
	destinationTopic string
	persister        Persister
}

// NewStorageShim constructs a StorageShim.
func NewStorageShim(id string, sourceTopics []string, destinationTopic string, persister Persister, logger *zap.Logger) *StorageShim {
	return &StorageShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryStorage,
			Subscribes:     sourceTopics,
			Publishes:      []string{destinationTopic},
			ConfigFragment: id,
		}),
		sourceTopics:     sourceTopics,
		destinationTopic: destinationTopic,
		persister:        persister,
	}
}

// Configure is a no-op: backend credentials and retention parameters are
// the Persister's own concern, injected at construction.
func (s *StorageShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start subscribes to every configured event topic.
func (s *StorageShim) Start(ctx context.Context, bus contracts.Bus) error {
	for _, topic := range s.sourceTopics {
		if err := s.subscribe(bus, topic, s.handleArtifact, contracts.WithCapacity(32)); err != nil {
			return err
		}
	}
	s.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (s *StorageShim) handleArtifact(ctx context.Context, env contracts.Envelope) error {
	artifact, ok := env.Payload.(contracts.MediaArtifact)
	if !ok {
		return fmt.Errorf("shims: unexpected payload type %T", env.Payload)
	}
	record, err := s.persister.Persist(ctx, artifact)
	if err != nil {
		s.setState(contracts.HealthStateDegraded, map[string]any{"last_error": err.Error()})
		return fmt.Errorf("shims: persist: %w", err)
	}
	s.setState(contracts.HealthStateHealthy, nil)
	if err := contracts.ValidateStorageRecord(record, env.SchemaVersion); err != nil {
		return fmt.Errorf("shims: persister returned invalid record: %w", err)
	}
	if err := s.base.bus.Publish(ctx, s.destinationTopic, record, contracts.WithCorrelationID(env.CorrelationID)); err != nil {
		s.logger.Debug("shims: publish storage record failed", zap.Error(err))
	}
	return nil
}

// Stop unsubscribes from every source topic.
func (s *StorageShim) Stop(ctx context.Context) error { return s.stop(ctx) }
