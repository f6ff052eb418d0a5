package shims

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Driver is the external camera collaborator: it produces a channel of
// Frames until ctx is cancelled. The core never interprets Frame.Encoded.
type Driver interface {
	Frames(ctx context.Context) (<-chan contracts.Frame, error)
}

// CameraShim publishes a Driver's frames onto camera.<id>.frame. It
// implements contracts.Module so the orchestrator manages its lifecycle
// like any other component.
type CameraShim struct {
	*base
	cameraID string
	driver   Driver

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCameraShim constructs a CameraShim for cameraID, backed by driver.
func NewCameraShim(id, cameraID string, driver Driver, logger *zap.Logger) *CameraShim {
	return &CameraShim{
		base: newBase(logger, contracts.Capability{
			ID:             id,
			Category:       contracts.CategoryInput,
			Publishes:      []string{contracts.CameraFrameTopic(cameraID)},
			ConfigFragment: id,
		}),
		cameraID: cameraID,
		driver:   driver,
	}
}

// Configure is a no-op: camera driver parameters (resolution, fps) are the
// driver's own concern, injected at construction rather than hot-reloaded.
func (c *CameraShim) Configure(ctx context.Context, fragment map[string]any) error { return nil }

// Start begins forwarding driver frames onto the bus until Stop is called.
// The run loop outlives ctx, which the orchestrator only holds open for the
// duration of this call; Stop is the sole way to tear it down.
func (c *CameraShim) Start(ctx context.Context, bus contracts.Bus) error {
	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := c.driver.Frames(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("shims: camera driver %s: %w", c.cameraID, err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.base.mu.Lock()
	c.base.bus = bus
	c.base.mu.Unlock()

	go c.forward(runCtx, bus, frames)
	c.setState(contracts.HealthStateHealthy, nil)
	return nil
}

func (c *CameraShim) forward(ctx context.Context, bus contracts.Bus, frames <-chan contracts.Frame) {
	defer close(c.done)
	topic := contracts.CameraFrameTopic(c.cameraID)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := contracts.ValidateFrame(frame, contracts.SchemaVersion); err != nil {
				c.logger.Warn("shims: dropping invalid frame", zap.String("camera", c.cameraID), zap.Error(err))
				continue
			}
			if err := bus.Publish(ctx, topic, frame); err != nil {
				c.logger.Debug("shims: publish frame failed", zap.String("camera", c.cameraID), zap.Error(err))
			}
		}
	}
}

// Stop cancels the driver loop and waits for it to exit.
func (c *CameraShim) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.setState(contracts.HealthStateStopped, nil)
	return nil
}
