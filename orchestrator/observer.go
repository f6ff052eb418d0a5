package orchestrator

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer is the orchestrator's out-of-bus introspection surface:
// embedding applications can watch lifecycle transitions, config changes
// and shutdown phases without subscribing to the bus. It is strictly
// additive: it never gates or replaces bus delivery.
type Observer interface {
	OnModuleLifecycle(ctx context.Context, moduleID, event string, err error)
	OnConfigChange(ctx context.Context, version int, fingerprint string)
	OnShutdownPhase(ctx context.Context, phase string, modulesRemaining int, elapsed time.Duration)
}

// CloudEventsLogger is the default Observer registered by cmd/sentryd: it
// wraps every notification as a CloudEvent and logs it.
type CloudEventsLogger struct {
	logger *zap.Logger
	source string
}

// NewCloudEventsLogger builds a CloudEventsLogger; source identifies the
// CloudEvents source attribute; cmd/sentryd passes "sentryd/core".
func NewCloudEventsLogger(logger *zap.Logger, source string) *CloudEventsLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudEventsLogger{logger: logger, source: source}
}

func (c *CloudEventsLogger) emit(eventType string, data map[string]any) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(c.source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		c.logger.Warn("cloudevents: set data failed", zap.Error(err))
		return
	}
	c.logger.Info("orchestrator event", zap.String("type", eventType), zap.String("id", event.ID()))
}

func (c *CloudEventsLogger) OnModuleLifecycle(ctx context.Context, moduleID, event string, err error) {
	data := map[string]any{"module": moduleID, "event": event}
	if err != nil {
		data["error"] = err.Error()
	}
	c.emit("sentryd.module."+event, data)
}

func (c *CloudEventsLogger) OnConfigChange(ctx context.Context, version int, fingerprint string) {
	c.emit("sentryd.config.changed", map[string]any{"version": version, "fingerprint": fingerprint})
}

func (c *CloudEventsLogger) OnShutdownPhase(ctx context.Context, phase string, modulesRemaining int, elapsed time.Duration) {
	c.emit("sentryd.shutdown.phase", map[string]any{
		"phase":             phase,
		"modules_remaining": modulesRemaining,
		"elapsed_ms":        elapsed.Milliseconds(),
	})
}
