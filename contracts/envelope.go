package contracts

import (
	"sync/atomic"
	"time"
)

// SchemaVersion is the current schema version stamped on new envelopes.
// Breaking payload changes are introduced as a new topic name (e.g.
// "process.detected.v2"), never by bumping this number in place.
const SchemaVersion = 1

// Envelope wraps every payload published on the bus. Envelopes are immutable
// once published: nothing downstream of publish may mutate Sequence, Topic,
// PublishedAt, CorrelationID, SchemaVersion, or Payload.
type Envelope struct {
	Sequence       uint64
	Topic          string
	PublishedAt    time.Time
	CorrelationID  string
	SchemaVersion  int
	Payload        any
	Metadata       map[string]any
}

// SequenceSource issues strictly increasing sequence numbers scoped to a
// single bus instance. The zero value is usable; the first issued sequence
// is 1 so that 0 can mean "no envelope observed yet".
type SequenceSource struct {
	counter uint64
}

// Next returns the next sequence number. Safe for concurrent use.
func (s *SequenceSource) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// NewEnvelope builds an envelope from a sequence source, topic and payload.
// correlationID may be empty when the publisher has none to propagate.
func NewEnvelope(seq *SequenceSource, topic string, payload any, correlationID string, metadata map[string]any) Envelope {
	return Envelope{
		Sequence:      seq.Next(),
		Topic:         topic,
		PublishedAt:   time.Now().UTC(),
		CorrelationID: correlationID,
		SchemaVersion: SchemaVersion,
		Payload:       payload,
		Metadata:      metadata,
	}
}
