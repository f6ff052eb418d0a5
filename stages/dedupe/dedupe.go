// Package dedupe implements a bus stage that subscribes to a detection
// topic and suppresses repeated DetectionEvents sharing a key within a
// configurable window, forwarding the rest to a derived topic.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Defaults for the suppression window and LRU cache size.
const (
	DefaultWindowSeconds = 30
	DefaultCacheSize      = 4096
)

var defaultAttributes = []string{"camera_id", "kind", "label"}

// Errors specific to the dedupe stage.
var (
	ErrMissingSourceTopic     = errors.New("dedupe: source_topic is required")
	ErrMissingDestinationTopic = errors.New("dedupe: destination_topic is required")
)

// seen is the LRU-cached record of a previously accepted key: the envelope
// timestamp it was accepted at and the sequence number, so an identical
// re-publication (same sequence) is always suppressed regardless of clock.
type seen struct {
	at       time.Time
	sequence uint64
}

// Stage is one configured dedupe instance. It implements contracts.Module so
// the orchestrator can manage it like any other component.
type Stage struct {
	logger *zap.Logger

	mu               sync.Mutex
	id               string
	sourceTopic      string
	destinationTopic string
	attributes       []string
	windowSeconds    int
	cacheSize        int
	cache            *lru.Cache

	bus     contracts.Bus
	handle  contracts.Handle
}

// New constructs a Stage. id becomes both the Capability.ID and the
// Capability.ConfigFragment this stage owns (e.g. "dedupe-motion").
func New(id string, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New(DefaultCacheSize)
	return &Stage{
		logger:        logger,
		id:            id,
		attributes:    defaultAttributes,
		windowSeconds: DefaultWindowSeconds,
		cacheSize:     DefaultCacheSize,
		cache:         cache,
	}
}

// Capability describes this stage's bus surface.
func (s *Stage) Capability() contracts.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contracts.Capability{
		ID:             s.id,
		Category:       contracts.CategoryProcess,
		Publishes:      []string{s.destinationTopic},
		Subscribes:     []string{s.sourceTopic},
		ConfigFragment: s.id,
	}
}

// fragment is the dedupe stage's owned configuration slice.
type fragment struct {
	SourceTopic      string
	DestinationTopic string
	Attributes       []string
	WindowSeconds    int
	CacheSize        int
}

func parseFragment(m map[string]any) (fragment, error) {
	f := fragment{Attributes: defaultAttributes, WindowSeconds: DefaultWindowSeconds, CacheSize: DefaultCacheSize}
	if v, ok := m["source_topic"].(string); ok {
		f.SourceTopic = v
	}
	if v, ok := m["destination_topic"].(string); ok {
		f.DestinationTopic = v
	}
	if v, ok := m["window_seconds"]; ok {
		switch n := v.(type) {
		case int64:
			f.WindowSeconds = int(n)
		case float64:
			f.WindowSeconds = int(n)
		}
	}
	if v, ok := m["cache_size"]; ok {
		switch n := v.(type) {
		case int64:
			f.CacheSize = int(n)
		case float64:
			f.CacheSize = int(n)
		}
	}
	if rawAttrs, ok := m["attributes"].([]any); ok {
		attrs := make([]string, 0, len(rawAttrs))
		for _, a := range rawAttrs {
			if s, ok := a.(string); ok {
				attrs = append(attrs, s)
			}
		}
		if len(attrs) > 0 {
			f.Attributes = attrs
		}
	}
	if f.SourceTopic == "" {
		return fragment{}, ErrMissingSourceTopic
	}
	if f.DestinationTopic == "" {
		return fragment{}, ErrMissingDestinationTopic
	}
	if f.WindowSeconds < 0 {
		return fragment{}, fmt.Errorf("dedupe: window_seconds must not be negative")
	}
	return f, nil
}

// Configure validates and applies fragment. Idempotent: reconfiguring with
// the same topics keeps the existing cache rather than discarding it, since
// a changed window_seconds should not forget recently-seen keys.
func (s *Stage) Configure(ctx context.Context, raw map[string]any) error {
	f, err := parseFragment(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CacheSize > 0 && f.CacheSize != s.cacheSize {
		cache, err := lru.New(f.CacheSize)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		s.cache = cache
		s.cacheSize = f.CacheSize
	}
	s.sourceTopic = f.SourceTopic
	s.destinationTopic = f.DestinationTopic
	s.attributes = f.Attributes
	s.windowSeconds = f.WindowSeconds
	return nil
}

// Start subscribes to the configured source topic.
func (s *Stage) Start(ctx context.Context, bus contracts.Bus) error {
	s.mu.Lock()
	s.bus = bus
	topic := s.sourceTopic
	s.mu.Unlock()

	handle, err := bus.Subscribe(topic, s.handleEnvelope, contracts.WithCapacity(256))
	if err != nil {
		return fmt.Errorf("dedupe: subscribe %s: %w", topic, err)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes. The LRU cache is retained in memory but no longer
// consulted; a fresh Start rebuilds the subscription.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	bus, handle := s.bus, s.handle
	s.mu.Unlock()
	if bus == nil || handle == "" {
		return nil
	}
	return bus.Unsubscribe(handle)
}

// Health reports healthy unconditionally: the stage has no external
// dependency whose failure would degrade it.
func (s *Stage) Health(ctx context.Context) contracts.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contracts.HealthStatus{
		ModuleID: s.id,
		State:    contracts.HealthStateHealthy,
		Detail:   map[string]any{"cache_len": s.cache.Len()},
		LastSeen: time.Now(),
	}
}

func (s *Stage) handleEnvelope(ctx context.Context, env contracts.Envelope) error {
	det, ok := env.Payload.(contracts.DetectionEvent)
	if !ok {
		return fmt.Errorf("dedupe: unexpected payload type %T", env.Payload)
	}
	if err := contracts.ValidateDetectionEvent(det, env.SchemaVersion); err != nil {
		return err
	}

	s.mu.Lock()
	key := s.keyFor(det)
	window := time.Duration(s.windowSeconds) * time.Second
	dest := s.destinationTopic
	cache := s.cache
	s.mu.Unlock()

	// Clock: envelope timestamp, not wall clock, so replay is deterministic.
	now := env.PublishedAt

	if prior, ok := cache.Get(key); ok {
		p := prior.(seen)
		if p.sequence == env.Sequence {
			return nil
		}
		if now.Sub(p.at) < window {
			return nil
		}
	}
	cache.Add(key, seen{at: now, sequence: env.Sequence})

	return s.bus.Publish(ctx, dest, det, contracts.WithCorrelationID(env.CorrelationID))
}

func (s *Stage) keyFor(det contracts.DetectionEvent) string {
	parts := make([]string, 0, len(s.attributes))
	for _, attr := range s.attributes {
		switch attr {
		case "camera_id":
			parts = append(parts, det.CameraID)
		case "kind":
			parts = append(parts, string(det.Kind))
		case "label":
			parts = append(parts, det.Label)
		default:
			if v, ok := det.Attributes[attr]; ok {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
		}
	}
	return strings.Join(parts, "\x1f")
}
