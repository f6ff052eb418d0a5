package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/stages/ratelimit"
)

func startedBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithTelemetryInterval(time.Hour))
	require.NoError(t, b.Start(context.Background()))
	return b, func() { _ = b.Stop(context.Background()) }
}

func TestBurstWithinCapacityAllPassThrough(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	stage := ratelimit.New("rl-notify", nil, nil)
	require.NoError(t, stage.Configure(context.Background(), map[string]any{
		"source_topic":      "notify.alert.raw",
		"destination_topic": "notify.alert.limited",
		"capacity":          int64(5),
		"refill_per_second": int64(1),
	}))
	require.NoError(t, stage.Start(context.Background(), b))
	defer func() { _ = stage.Stop(context.Background()) }()

	var delivered atomic.Int64
	_, err := b.Subscribe("notify.alert.limited", func(ctx context.Context, env contracts.Envelope) error {
		delivered.Add(1)
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "notify.alert.raw", i))
	}

	require.Eventually(t, func() bool { return delivered.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestBurstExceedingCapacityIsThrottled(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	stage := ratelimit.New("rl-notify", nil, nil)
	require.NoError(t, stage.Configure(context.Background(), map[string]any{
		"source_topic":      "notify.alert.raw",
		"destination_topic": "notify.alert.limited",
		"capacity":          int64(2),
		"refill_per_second": int64(1),
	}))
	require.NoError(t, stage.Start(context.Background(), b))
	defer func() { _ = stage.Stop(context.Background()) }()

	var delivered atomic.Int64
	_, err := b.Subscribe("notify.alert.limited", func(ctx context.Context, env contracts.Envelope) error {
		delivered.Add(1)
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "notify.alert.raw", i))
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, delivered.Load(), int64(3))
}

func TestDualCameraFanOutRateLimitsEachCameraIndependently(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	stage := ratelimit.New("rl-notify", ratelimit.CameraKeyFunc, nil)
	require.NoError(t, stage.Configure(context.Background(), map[string]any{
		"source_topic":      "process.motion.detected",
		"destination_topic": "event.motion.throttled",
		"capacity":          int64(1),
		"refill_per_second": int64(1),
	}))
	require.NoError(t, stage.Start(context.Background(), b))
	defer func() { _ = stage.Stop(context.Background()) }()

	delivered := map[string]int{}
	var mu sync.Mutex
	_, err := b.Subscribe("event.motion.throttled", func(ctx context.Context, env contracts.Envelope) error {
		mu.Lock()
		delivered[env.Payload.(contracts.DetectionEvent).CameraID]++
		mu.Unlock()
		return nil
	}, contracts.WithCapacity(16))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "process.motion.detected", contracts.DetectionEvent{
			CameraID: "cam-a", Kind: contracts.DetectionKindMotion,
		}))
		require.NoError(t, b.Publish(context.Background(), "process.motion.detected", contracts.DetectionEvent{
			CameraID: "cam-b", Kind: contracts.DetectionKindMotion,
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered["cam-a"] == 1 && delivered["cam-b"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMissingDestinationTopicRejected(t *testing.T) {
	stage := ratelimit.New("rl-notify", nil, nil)
	err := stage.Configure(context.Background(), map[string]any{
		"source_topic": "notify.alert.raw",
		"capacity":     int64(2),
	})
	assert.ErrorIs(t, err, ratelimit.ErrMissingDestinationTopic)
}
