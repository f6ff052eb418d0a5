package dedupe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/stages/dedupe"
)

func startedBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithTelemetryInterval(time.Hour))
	require.NoError(t, b.Start(context.Background()))
	return b, func() { _ = b.Stop(context.Background()) }
}

func TestDuplicateDetectionWithinWindowIsSuppressed(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	stage := dedupe.New("dedupe-motion", nil)
	require.NoError(t, stage.Configure(context.Background(), map[string]any{
		"source_topic":      "process.motion.detected",
		"destination_topic": "process.motion.unique",
		"window_seconds":    int64(30),
	}))
	require.NoError(t, stage.Start(context.Background(), b))
	defer func() { _ = stage.Stop(context.Background()) }()

	var mu sync.Mutex
	var received int
	_, err := b.Subscribe("process.motion.unique", func(ctx context.Context, env contracts.Envelope) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	det := contracts.DetectionEvent{CameraID: "cam1", Kind: contracts.DetectionKindMotion, Label: "person", Confidence: 0.9}
	require.NoError(t, b.Publish(context.Background(), "process.motion.detected", det))
	require.NoError(t, b.Publish(context.Background(), "process.motion.detected", det))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

func TestDetectionOutsideWindowIsForwardedAgain(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	stage := dedupe.New("dedupe-motion", nil)
	require.NoError(t, stage.Configure(context.Background(), map[string]any{
		"source_topic":      "process.motion.detected",
		"destination_topic": "process.motion.unique",
		"window_seconds":    int64(0),
	}))
	require.NoError(t, stage.Start(context.Background(), b))
	defer func() { _ = stage.Stop(context.Background()) }()

	var mu sync.Mutex
	var received int
	_, err := b.Subscribe("process.motion.unique", func(ctx context.Context, env contracts.Envelope) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	det := contracts.DetectionEvent{CameraID: "cam1", Kind: contracts.DetectionKindMotion, Label: "person", Confidence: 0.9}
	require.NoError(t, b.Publish(context.Background(), "process.motion.detected", det))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), "process.motion.detected", det))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMissingSourceTopicRejected(t *testing.T) {
	stage := dedupe.New("dedupe-motion", nil)
	err := stage.Configure(context.Background(), map[string]any{"destination_topic": "process.motion.unique"})
	assert.ErrorIs(t, err, dedupe.ErrMissingSourceTopic)
}
