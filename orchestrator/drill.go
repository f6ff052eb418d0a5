package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// RollbackDriller is the slice of configsvc.Service a rollback drill needs:
// capture the current fingerprint, perform a no-op apply_changes cycle, and
// report the before/after comparison. Declared here rather than imported
// directly so orchestrator never depends on configsvc's concrete type.
type RollbackDriller interface {
	CurrentVersionFingerprint() (version int, fingerprint string)
	ApplyNoop(ctx context.Context) (version int, fingerprint string, err error)
}

// RollbackDrill schedules a recurring no-op apply_changes cycle on a
// standard cron schedule, asserting that recovery produces the same
// fingerprint it started from. Disabled by default; cmd/sentryd enables it
// with a weekly cadence in production.
type RollbackDrill struct {
	logger *zap.Logger
	bus    contracts.Bus
	svc    RollbackDriller
	cron   *cron.Cron
}

// NewRollbackDrill builds a RollbackDrill. Call Start with a cron spec (e.g.
// "0 3 * * 0" for weekly) to begin scheduling.
func NewRollbackDrill(svc RollbackDriller, bus contracts.Bus, logger *zap.Logger) *RollbackDrill {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollbackDrill{logger: logger, bus: bus, svc: svc, cron: cron.New()}
}

// Start schedules the drill at spec (standard five-field cron syntax) and
// begins running it.
func (d *RollbackDrill) Start(spec string) error {
	_, err := d.cron.AddFunc(spec, func() {
		d.run(context.Background())
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (d *RollbackDrill) Stop() {
	<-d.cron.Stop().Done()
}

// run captures the before fingerprint, performs a no-op apply_changes
// cycle, and publishes a ConfigRollbackPayload carrying both fingerprints so
// dashboards can assert recovery KPIs. A drill where before != after is
// itself a finding, not a crash: the orchestrator reports it and moves on.
func (d *RollbackDrill) run(ctx context.Context) {
	beforeVersion, beforeFingerprint := d.svc.CurrentVersionFingerprint()

	afterVersion, afterFingerprint, err := d.svc.ApplyNoop(ctx)
	if err != nil {
		d.logger.Error("rollback drill failed", zap.Error(err))
		return
	}

	d.logger.Info("rollback drill completed",
		zap.Int("before_version", beforeVersion),
		zap.Int("after_version", afterVersion),
		zap.Bool("fingerprint_match", beforeFingerprint == afterFingerprint),
	)

	if d.bus == nil {
		return
	}
	payload := contracts.ConfigRollbackPayload{
		PreviousVersion:   beforeVersion,
		CurrentVersion:    afterVersion,
		BeforeFingerprint: beforeFingerprint,
		AfterFingerprint:  afterFingerprint,
	}
	if err := d.bus.Publish(ctx, contracts.TopicStatusContract, payload); err != nil {
		d.logger.Warn("failed to publish rollback drill result", zap.Error(err))
	}
}
