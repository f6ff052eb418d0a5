package chaos_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/stages/chaos"
)

func startedBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithTelemetryInterval(time.Hour))
	require.NoError(t, b.Start(context.Background()))
	return b, func() { _ = b.Stop(context.Background()) }
}

func TestToggleDropAllSuppressesMatchingTopic(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	interceptor := chaos.New("chaos-1", nil)
	require.NoError(t, interceptor.Start(context.Background(), b))
	defer func() { _ = interceptor.Stop(context.Background()) }()

	var delivered atomic.Int64
	_, err := b.Subscribe("camera.cam1.frame", func(ctx context.Context, env contracts.Envelope) error {
		delivered.Add(1)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	events := make(chan contracts.ResilienceEvent, 4)
	_, err = b.Subscribe(contracts.TopicStatusResilience, func(ctx context.Context, env contracts.Envelope) error {
		events <- env.Payload.(contracts.ResilienceEvent)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), contracts.TopicDashboardControl, contracts.ControlCommand{
		Command: chaos.CommandToggle,
		Target:  "drop-camera",
		Arguments: map[string]any{
			"topic_glob": "camera.*.frame",
			"drop_rate":  float64(1),
		},
	}))

	select {
	case ev := <-events:
		assert.Equal(t, contracts.ResilienceActionInjected, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("no resilience event received")
	}

	require.NoError(t, b.Publish(context.Background(), "camera.cam1.frame", "frame"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), delivered.Load())
}

func TestNonMatchingTopicIsUnaffected(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	interceptor := chaos.New("chaos-1", nil)
	require.NoError(t, interceptor.Start(context.Background(), b))
	defer func() { _ = interceptor.Stop(context.Background()) }()

	var delivered atomic.Int64
	_, err := b.Subscribe("status.bus", func(ctx context.Context, env contracts.Envelope) error {
		delivered.Add(1)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), contracts.TopicDashboardControl, contracts.ControlCommand{
		Command: chaos.CommandToggle,
		Arguments: map[string]any{
			"topic_glob": "camera.*.frame",
			"drop_rate":  float64(1),
		},
	}))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), "status.bus", contracts.BusStatus{}))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
}
