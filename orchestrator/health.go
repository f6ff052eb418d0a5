package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// healthLoop polls every registered module's Health at healthInterval and
// publishes a HealthSummary on status.health.summary every summaryInterval.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	pollTicker := time.NewTicker(o.healthInterval)
	defer pollTicker.Stop()
	summaryTicker := time.NewTicker(o.summaryInterval)
	defer summaryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			o.pollHealth(ctx)
		case <-summaryTicker.C:
			o.publishSummary(ctx)
		}
	}
}

func (o *Orchestrator) pollHealth(ctx context.Context) {
	o.mu.Lock()
	recs := make([]*record, 0, len(o.records))
	for _, r := range o.records {
		recs = append(recs, r)
	}
	o.mu.Unlock()

	for _, rec := range recs {
		hctx, cancel := context.WithTimeout(ctx, o.healthDeadline)
		status := o.safeHealth(hctx, rec)
		cancel()

		o.mu.Lock()
		rec.lastHealth = status
		o.mu.Unlock()
	}
}

func (o *Orchestrator) safeHealth(ctx context.Context, rec *record) (status contracts.HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = contracts.HealthStatus{
				ModuleID: rec.cap.ID,
				State:    contracts.HealthStateError,
				Detail:   map[string]any{"panic": r},
				LastSeen: time.Now(),
			}
		}
	}()
	if rec.quarantined {
		return contracts.HealthStatus{ModuleID: rec.cap.ID, State: contracts.HealthStateError, LastSeen: time.Now()}
	}
	if rec.degraded {
		return contracts.HealthStatus{
			ModuleID: rec.cap.ID,
			State:    contracts.HealthStateDegraded,
			Detail:   map[string]any{"reason": "reconfigure_rolled_back"},
			LastSeen: time.Now(),
		}
	}
	status = rec.module.Health(ctx)
	if status.ModuleID == "" {
		status.ModuleID = rec.cap.ID
	}
	if status.LastSeen.IsZero() {
		status.LastSeen = time.Now()
	}
	return status
}

// publishSummary aggregates the last-known HealthStatus of every module and
// publishes a HealthSummary. Overall state is the worst of children under
// the ordering stopped < error < degraded < starting < healthy.
func (o *Orchestrator) publishSummary(ctx context.Context) {
	o.mu.Lock()
	modules := make(map[string]contracts.HealthStatus, len(o.records))
	states := make([]contracts.HealthState, 0, len(o.records))
	for id, rec := range o.records {
		modules[id] = rec.lastHealth
		states = append(states, rec.lastHealth.State)
	}
	o.mu.Unlock()

	summary := contracts.HealthSummary{
		Overall:   contracts.WorstHealthState(states...),
		Modules:   modules,
		SampledAt: time.Now(),
	}
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, contracts.TopicStatusHealth, summary); err != nil {
		o.logger.Debug("failed to publish health summary", zap.Error(err))
	}
}
