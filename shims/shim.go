// Package shims provides thin adapters, one per category of external,
// out-of-core collaborator (camera driver, detector model, artifact
// encoder, notifier transport, storage backend, dashboard gateway),
// presenting each to the orchestrator through contracts.Module and
// translating its external calls to and from bus topics. The core never
// interprets Frame bytes, detector outputs, encoded media, or external
// wire protocols; that work lives entirely behind the interfaces this
// package declares.
package shims

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// base holds the bookkeeping every shim needs: its capability descriptor,
// bus handle, and a health state a subclass can update as it runs. A small
// embeddable struct does the interface plumbing so each shim only
// implements its category-specific translation.
type base struct {
	logger *zap.Logger
	cap    contracts.Capability

	mu      sync.Mutex
	bus     contracts.Bus
	handles []contracts.Handle
	state   contracts.HealthState
	detail  map[string]any
}

func newBase(logger *zap.Logger, cap contracts.Capability) *base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{logger: logger, cap: cap, state: contracts.HealthStateStarting}
}

func (b *base) Capability() contracts.Capability { return b.cap }

func (b *base) Health(ctx context.Context) contracts.HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return contracts.HealthStatus{ModuleID: b.cap.ID, State: b.state, Detail: b.detail, LastSeen: time.Now()}
}

func (b *base) setState(state contracts.HealthState, detail map[string]any) {
	b.mu.Lock()
	b.state = state
	b.detail = detail
	b.mu.Unlock()
}

func (b *base) subscribe(bus contracts.Bus, topic string, handler contracts.Handler, opts ...contracts.SubscribeOption) error {
	handle, err := bus.Subscribe(topic, handler, opts...)
	if err != nil {
		return fmt.Errorf("shims: subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	b.bus = bus
	b.handles = append(b.handles, handle)
	b.mu.Unlock()
	return nil
}

func (b *base) stop(ctx context.Context) error {
	b.mu.Lock()
	bus, handles := b.bus, b.handles
	b.handles = nil
	b.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := bus.Unsubscribe(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.setState(contracts.HealthStateStopped, nil)
	return firstErr
}
