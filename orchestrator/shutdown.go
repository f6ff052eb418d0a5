package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Shutdown runs staged shutdown: inputs stop first to halt new frames, then
// processors, then event builders, then outputs, then storage, then
// dashboards, then core services. Each phase emits one
// ShutdownProgress with the phase name, modules remaining across all later
// phases, and elapsed time since Shutdown was called. A module that misses
// its lifecycle deadline is marked error and abandoned rather than blocking
// the remaining phases.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.stopHealth != nil {
		o.stopHealth()
	}

	start := time.Now()
	byCategory := o.groupByCategory()

	remaining := 0
	for _, phase := range contracts.ShutdownPhaseOrder {
		remaining += len(byCategory[phase])
	}

	var firstErr error
	for _, phase := range contracts.ShutdownPhaseOrder {
		ids := byCategory[phase]
		for _, id := range ids {
			if err := o.stopOne(ctx, id); err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
		}

		elapsed := time.Since(start)
		o.publishShutdownProgress(ctx, phase, remaining, elapsed)
		o.notifyShutdownPhase(ctx, phase, remaining, elapsed)
	}

	o.wg.Wait()
	return firstErr
}

func (o *Orchestrator) groupByCategory() map[string][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string][]string)
	for _, id := range o.order {
		rec := o.records[id]
		out[rec.cap.Category] = append(out[rec.cap.Category], id)
	}
	return out
}

func (o *Orchestrator) stopOne(ctx context.Context, id string) error {
	o.mu.Lock()
	rec, ok := o.records[id]
	o.mu.Unlock()
	if !ok || rec.state == StateStopped {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, o.lifecycleDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.module.Stop(sctx) }()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = contracts.ErrShutdownDeadlineExceeded
	}

	o.mu.Lock()
	if err != nil {
		rec.state = StateQuarantined
		rec.lastHealth = contracts.HealthStatus{ModuleID: id, State: contracts.HealthStateError, LastSeen: time.Now()}
	} else {
		rec.state = StateStopped
		rec.lastHealth = contracts.HealthStatus{ModuleID: id, State: contracts.HealthStateStopped, LastSeen: time.Now()}
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("module stop failed", zap.String("module", id), zap.Error(err))
	}
	o.notifyLifecycle(ctx, id, "stopped", err)
	return err
}

func (o *Orchestrator) publishShutdownProgress(ctx context.Context, phase string, remaining int, elapsed time.Duration) {
	if o.bus == nil {
		return
	}
	progress := contracts.ShutdownProgress{Phase: phase, ModulesRemaining: remaining, Elapsed: elapsed}
	if err := o.bus.Publish(ctx, contracts.TopicStatusShutdown, progress); err != nil {
		o.logger.Debug("failed to publish shutdown progress", zap.Error(err))
	}
}

func (o *Orchestrator) notifyShutdownPhase(ctx context.Context, phase string, remaining int, elapsed time.Duration) {
	o.mu.Lock()
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		obs.OnShutdownPhase(ctx, phase, remaining, elapsed)
	}
}
