package shims_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/sentryd/bus"
	"github.com/meshguard/sentryd/contracts"
	"github.com/meshguard/sentryd/shims"
)

func startedBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithTelemetryInterval(time.Hour))
	require.NoError(t, b.Start(context.Background()))
	return b, func() { _ = b.Stop(context.Background()) }
}

type fakeDriver struct {
	frames chan contracts.Frame
}

func (f *fakeDriver) Frames(ctx context.Context) (<-chan contracts.Frame, error) {
	return f.frames, nil
}

func TestCameraShimForwardsValidFramesOnly(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	driver := &fakeDriver{frames: make(chan contracts.Frame, 2)}
	shim := shims.NewCameraShim("cam-1", "cam1", driver, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	received := make(chan contracts.Frame, 2)
	_, err := b.Subscribe(contracts.CameraFrameTopic("cam1"), func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.Frame)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	driver.frames <- contracts.Frame{} // missing CameraID: dropped
	driver.frames <- contracts.Frame{CameraID: "cam1", Width: 640, Height: 480}

	select {
	case f := <-received:
		assert.Equal(t, "cam1", f.CameraID)
	case <-time.After(time.Second):
		t.Fatal("expected valid frame to be forwarded")
	}

	select {
	case <-received:
		t.Fatal("invalid frame should not have been forwarded")
	case <-time.After(20 * time.Millisecond):
	}
}

type fakeDetector struct {
	detections []contracts.DetectionEvent
}

func (f *fakeDetector) Detect(ctx context.Context, frame contracts.Frame) ([]contracts.DetectionEvent, error) {
	return f.detections, nil
}

func TestProcessorShimPublishesDetections(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	detector := &fakeDetector{detections: []contracts.DetectionEvent{
		{CameraID: "cam1", Kind: contracts.DetectionKindMotion, Confidence: 0.9},
	}}
	shim := shims.NewProcessorShim("proc-1", []string{contracts.CameraFrameTopic("cam1")}, "process.motion.detected", detector, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	received := make(chan contracts.DetectionEvent, 1)
	_, err := b.Subscribe("process.motion.detected", func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.DetectionEvent)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), contracts.CameraFrameTopic("cam1"), contracts.Frame{CameraID: "cam1"}))

	select {
	case d := <-received:
		assert.Equal(t, contracts.DetectionKindMotion, d.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected detection to be published")
	}
}

type fakeBuilder struct{ err error }

func (f *fakeBuilder) Build(ctx context.Context, d contracts.DetectionEvent) ([]contracts.MediaArtifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []contracts.MediaArtifact{{Kind: contracts.ArtifactKindSnapshot, Path: "/tmp/a.jpg", CameraID: d.CameraID}}, nil
}

func TestArtifactShimPublishesBuiltArtifacts(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	shim := shims.NewArtifactShim("art-1", []string{"process.motion.detected"}, "event.motion.snapshot", &fakeBuilder{}, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	received := make(chan contracts.MediaArtifact, 1)
	_, err := b.Subscribe("event.motion.snapshot", func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.MediaArtifact)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "process.motion.detected", contracts.DetectionEvent{CameraID: "cam1"}))

	select {
	case a := <-received:
		assert.Equal(t, contracts.ArtifactKindSnapshot, a.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected artifact to be published")
	}
}

type fakeSender struct {
	sent chan contracts.AlertNotification
	err  error
}

func (f *fakeSender) Send(ctx context.Context, n contracts.AlertNotification) error {
	if f.err != nil {
		return f.err
	}
	f.sent <- n
	return nil
}

func TestNotifierShimDegradesOnSendError(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	sender := &fakeSender{sent: make(chan contracts.AlertNotification, 1), err: errors.New("smtp down")}
	shim := shims.NewNotifierShim("notify-1", []string{"event.motion.alert"}, sender, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	require.NoError(t, b.Publish(context.Background(), "event.motion.alert", contracts.AlertNotification{Channel: "telegram"}))
	require.Eventually(t, func() bool {
		return shim.Health(context.Background()).State == contracts.HealthStateDegraded
	}, time.Second, 5*time.Millisecond)
}

type fakePersister struct{}

func (fakePersister) Persist(ctx context.Context, a contracts.MediaArtifact) (contracts.StorageRecord, error) {
	return contracts.StorageRecord{ArtifactKind: a.Kind, Location: "s3://bucket/key", CameraID: a.CameraID}, nil
}

func TestStorageShimPublishesRecordOnPersist(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	shim := shims.NewStorageShim("storage-1", []string{"event.motion.snapshot"}, "storage.motion.saved", fakePersister{}, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	received := make(chan contracts.StorageRecord, 1)
	_, err := b.Subscribe("storage.motion.saved", func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.StorageRecord)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "event.motion.snapshot", contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, Path: "/tmp/a.jpg"}))

	select {
	case r := <-received:
		assert.Equal(t, "s3://bucket/key", r.Location)
	case <-time.After(time.Second):
		t.Fatal("expected storage record to be published")
	}
}

type fakeGateway struct {
	broadcasts chan string
}

func (g *fakeGateway) Broadcast(ctx context.Context, topic string, payload any) error {
	g.broadcasts <- topic
	return nil
}

func TestDashboardShimBroadcastsAndSubmitsControlCommand(t *testing.T) {
	b, cleanup := startedBus(t)
	defer cleanup()

	gw := &fakeGateway{broadcasts: make(chan string, 1)}
	shim := shims.NewDashboardShim("dash-1", []string{contracts.TopicStatusHealth}, gw, nil)
	require.NoError(t, shim.Start(context.Background(), b))
	defer func() { _ = shim.Stop(context.Background()) }()

	require.NoError(t, b.Publish(context.Background(), contracts.TopicStatusHealth, contracts.HealthSummary{}))
	select {
	case topic := <-gw.broadcasts:
		assert.Equal(t, contracts.TopicStatusHealth, topic)
	case <-time.After(time.Second):
		t.Fatal("expected status to be broadcast to gateway")
	}

	received := make(chan contracts.ControlCommand, 1)
	_, err := b.Subscribe(contracts.TopicDashboardControl, func(ctx context.Context, env contracts.Envelope) error {
		received <- env.Payload.(contracts.ControlCommand)
		return nil
	}, contracts.WithCapacity(8))
	require.NoError(t, err)

	require.NoError(t, shim.SubmitControlCommand(context.Background(), contracts.ControlCommand{Command: "resilience.toggle"}))
	select {
	case cmd := <-received:
		assert.Equal(t, "resilience.toggle", cmd.Command)
	case <-time.After(time.Second):
		t.Fatal("expected control command to reach the bus")
	}
}
