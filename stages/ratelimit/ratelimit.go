// Package ratelimit implements a per-key token bucket stage: it subscribes
// to one topic and forwards envelopes to a derived topic only while the
// token bucket for their key has capacity, dropping the rest.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meshguard/sentryd/contracts"
)

// Defaults chosen to be permissive; real limits are always operator-set.
const (
	DefaultCapacity   = 10
	DefaultRefillRate = 1.0 // tokens/second
	DefaultKeyTTL     = 5 * time.Minute
)

// Errors specific to the rate-limit stage.
var (
	ErrMissingSourceTopic     = errors.New("ratelimit: source_topic is required")
	ErrMissingDestinationTopic = errors.New("ratelimit: destination_topic is required")
)

// KeyFunc extracts the rate-limit key from an envelope, e.g. grouping by
// camera id or notification channel. Defaults to extracting camera_id.
type KeyFunc func(env contracts.Envelope) string

// CameraKeyFunc is the default KeyFunc: it extracts camera_id from the
// envelope's payload, so that, say, a dual-camera deployment rate-limits
// each camera independently rather than sharing one bucket across every
// source. Payloads carrying no CameraID (e.g. an AlertNotification
// addressed to a channel, not a camera) fall back to a single shared key.
func CameraKeyFunc(env contracts.Envelope) string {
	switch p := env.Payload.(type) {
	case contracts.Frame:
		return cameraKey(p.CameraID)
	case contracts.DetectionEvent:
		return cameraKey(p.CameraID)
	case contracts.MediaArtifact:
		return cameraKey(p.CameraID)
	case contracts.StorageRecord:
		return cameraKey(p.CameraID)
	default:
		return "default"
	}
}

func cameraKey(cameraID string) string {
	if cameraID == "" {
		return "default"
	}
	return cameraID
}

// bucketEntry pairs a limiter with the last time it was touched, so idle
// keys can be evicted instead of accumulating forever.
type bucketEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// Stage is one configured rate-limit instance, implementing contracts.Module.
type Stage struct {
	logger  *zap.Logger
	keyFunc KeyFunc

	mu               sync.Mutex
	id               string
	sourceTopic      string
	destinationTopic string
	capacity         int
	refillPerSecond  float64
	buckets          map[string]*bucketEntry

	bus    contracts.Bus
	handle contracts.Handle
}

// New constructs a Stage. A nil keyFunc selects CameraKeyFunc.
func New(id string, keyFunc KeyFunc, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyFunc == nil {
		keyFunc = CameraKeyFunc
	}
	return &Stage{
		logger:          logger,
		keyFunc:         keyFunc,
		id:              id,
		capacity:        DefaultCapacity,
		refillPerSecond: DefaultRefillRate,
		buckets:         make(map[string]*bucketEntry),
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

type fragment struct {
	SourceTopic      string
	DestinationTopic string
	Capacity         int
	RefillPerSecond  float64
}

func parseFragment(m map[string]any) (fragment, error) {
	f := fragment{Capacity: DefaultCapacity, RefillPerSecond: DefaultRefillRate}
	if v, ok := m["source_topic"].(string); ok {
		f.SourceTopic = v
	}
	if v, ok := m["destination_topic"].(string); ok {
		f.DestinationTopic = v
	}
	if v, ok := m["capacity"]; ok {
		switch n := v.(type) {
		case int64:
			f.Capacity = int(n)
		case float64:
			f.Capacity = int(n)
		}
	}
	if v, ok := m["refill_per_second"]; ok {
		switch n := v.(type) {
		case int64:
			f.RefillPerSecond = float64(n)
		case float64:
			f.RefillPerSecond = n
		}
	}
	if f.SourceTopic == "" {
		return fragment{}, ErrMissingSourceTopic
	}
	if f.DestinationTopic == "" {
		return fragment{}, ErrMissingDestinationTopic
	}
	if f.Capacity <= 0 {
		return fragment{}, fmt.Errorf("ratelimit: capacity must be positive")
	}
	if f.RefillPerSecond <= 0 {
		return fragment{}, fmt.Errorf("ratelimit: refill_per_second must be positive")
	}
	return f, nil
}

// Configure validates and applies fragment. Existing per-key buckets are
// kept: a capacity/refill change takes effect on their next refill, not
// retroactively.
func (s *Stage) Configure(ctx context.Context, raw map[string]any) error {
	f, err := parseFragment(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceTopic = f.SourceTopic
	s.destinationTopic = f.DestinationTopic
	s.capacity = f.Capacity
	s.refillPerSecond = f.RefillPerSecond
	for _, b := range s.buckets {
		b.limiter.SetLimit(rate.Limit(f.RefillPerSecond))
		b.limiter.SetBurst(f.Capacity)
	}
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
		return fmt.Errorf("ratelimit: subscribe %s: %w", topic, err)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes and discards all per-key buckets.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	bus, handle := s.bus, s.handle
	s.buckets = make(map[string]*bucketEntry)
	s.mu.Unlock()
	if bus == nil || handle == "" {
		return nil
	}
	return bus.Unsubscribe(handle)
}

// Health reports the count of live per-key buckets.
func (s *Stage) Health(ctx context.Context) contracts.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contracts.HealthStatus{
		ModuleID: s.id,
		State:    contracts.HealthStateHealthy,
		Detail:   map[string]any{"bucket_count": len(s.buckets)},
		LastSeen: time.Now(),
	}
}

func (s *Stage) handleEnvelope(ctx context.Context, env contracts.Envelope) error {
	key := s.keyFunc(env)

	s.mu.Lock()
	s.evictIdleLocked(env.PublishedAt)
	b, ok := s.buckets[key]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(s.refillPerSecond), s.capacity)}
		s.buckets[key] = b
	}
	b.lastUse = env.PublishedAt
	dest := s.destinationTopic
	s.mu.Unlock()

	if !b.limiter.Allow() {
		return nil
	}
	return s.bus.Publish(ctx, dest, env.Payload, contracts.WithCorrelationID(env.CorrelationID))
}

// evictIdleLocked drops buckets untouched for longer than DefaultKeyTTL.
// Callers must hold s.mu.
func (s *Stage) evictIdleLocked(now time.Time) {
	for key, b := range s.buckets {
		if now.Sub(b.lastUse) > DefaultKeyTTL {
			delete(s.buckets, key)
		}
	}
}
