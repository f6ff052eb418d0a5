package contracts

import (
	"errors"
	"fmt"
	"time"
)

// DetectionKind enumerates the kinds of DetectionEvent.
type DetectionKind string

const (
	DetectionKindMotion DetectionKind = "motion"
	DetectionKindObject DetectionKind = "object"
)

// ArtifactKind enumerates the kinds of MediaArtifact.
type ArtifactKind string

const (
	ArtifactKindSnapshot ArtifactKind = "snapshot"
	ArtifactKindGIF      ArtifactKind = "gif"
	ArtifactKindClip     ArtifactKind = "clip"
)

// HealthState is the per-module and aggregate health state. Ordering for
// "worst of children" is defined by HealthStateRank, from worst to best:
// stopped < error < degraded < starting < healthy.
type HealthState string

const (
	HealthStateStopped  HealthState = "stopped"
	HealthStateError    HealthState = "error"
	HealthStateDegraded HealthState = "degraded"
	HealthStateStarting HealthState = "starting"
	HealthStateHealthy  HealthState = "healthy"
)

// HealthStateRank orders HealthState from worst (lowest) to best (highest).
var HealthStateRank = map[HealthState]int{
	HealthStateStopped:  0,
	HealthStateError:    1,
	HealthStateDegraded: 2,
	HealthStateStarting: 3,
	HealthStateHealthy:  4,
}

// WorstHealthState returns the state with the lowest rank among states.
// An empty slice yields HealthStateHealthy, the vacuous "nothing is wrong" case.
func WorstHealthState(states ...HealthState) HealthState {
	worst := HealthStateHealthy
	worstRank := HealthStateRank[worst]
	for _, s := range states {
		if r, ok := HealthStateRank[s]; ok && r < worstRank {
			worst = s
			worstRank = r
		}
	}
	return worst
}

// Frame is produced by input (camera) modules. The core never interprets
// Encoded; it is an opaque buffer handle from the core's point of view.
type Frame struct {
	CameraID   string
	Timestamp  time.Time
	Width      int
	Height     int
	Encoded    []byte
	Attributes map[string]any
}

// DetectionEvent is produced by processor modules.
type DetectionEvent struct {
	CameraID   string
	Timestamp  time.Time
	Kind       DetectionKind
	Label      string
	Confidence float64
	BBox       [4]float64
	Attributes map[string]any
}

// MediaArtifact is produced by artifact builder modules.
type MediaArtifact struct {
	Kind      ArtifactKind
	Path      string
	Handle    string
	CameraID  string
	Timestamp time.Time
	Metadata  map[string]any
}

// AlertNotification is consumed by notifier modules.
type AlertNotification struct {
	Channel    string
	Caption    string
	Artifact   MediaArtifact
	Recipients []string
}

// StorageRecord is published by storage modules once an artifact has been
// durably persisted. The core never touches the filesystem or object store
// directly; Location is an opaque string from the core's point of view
// (a path, a bucket key, whatever the storage backend uses).
type StorageRecord struct {
	ArtifactKind ArtifactKind
	Location     string
	CameraID     string
	Timestamp    time.Time
	SizeBytes    int64
	Metadata     map[string]any
}

// ControlCommand is published by dashboards onto dashboard.control.command.
type ControlCommand struct {
	Command   string
	Target    string
	Arguments map[string]any
}

// ConfigUpdate is a single dotted-path change accepted by ConfigService.
type ConfigUpdate struct {
	Path      string
	Value     any
	Requester string
}

// ConfigSnapshotPayload is broadcast on config.snapshot after every
// successful merge. Secrets are never embedded here, only their references.
type ConfigSnapshotPayload struct {
	Version int
	Tree    map[string]any
}

// ConfigRollbackPayload is broadcast on a rollback, global or module-scoped.
type ConfigRollbackPayload struct {
	PreviousVersion int
	CurrentVersion  int
	ModuleID        string // empty for a global rollback
	Diagnostics     []string
	BeforeFingerprint string
	AfterFingerprint  string
}

// ConfigRejected is published on status.contract when apply_changes rejects
// an update.
type ConfigRejected struct {
	Updates     []ConfigUpdate
	Diagnostics []string
}

// HealthStatus is one module's health, as seen by the orchestrator's health
// loop or self-reported on status.*.
type HealthStatus struct {
	ModuleID   string
	State      HealthState
	Detail     map[string]any
	LastSeen   time.Time
}

// HealthSummary aggregates all known HealthStatus records.
type HealthSummary struct {
	Overall   HealthState
	Modules   map[string]HealthStatus
	SampledAt time.Time
}

// BusStatus is the periodic telemetry snapshot published on status.bus.
type BusStatus struct {
	SampledAt       time.Time
	TotalPublished  uint64
	Subscriptions   []SubscriptionStatus
}

// SubscriptionStatus is one subscription's slice of a BusStatus snapshot.
type SubscriptionStatus struct {
	SubscriberID  string
	Topic         string
	Depth         int
	Capacity      int
	Delivered     uint64
	Dropped       uint64
	OldestAge     time.Duration
	Degraded      bool
}

// ShutdownProgress is emitted once per staged-shutdown phase.
type ShutdownProgress struct {
	Phase            string
	ModulesRemaining int
	Elapsed          time.Duration
}

// ResilienceAction enumerates chaos interceptor toggle actions.
type ResilienceAction string

const (
	ResilienceActionInjected ResilienceAction = "injected"
	ResilienceActionCleared  ResilienceAction = "cleared"
)

// ResilienceEvent is chaos telemetry published on status.resilience.event.
type ResilienceEvent struct {
	ScenarioID string
	Action     ResilienceAction
	TopicGlob  string
	Parameters map[string]any
}

// Capability is the static descriptor every module advertises: what it is,
// what it talks on the bus, and which configuration fragment it owns.
type Capability struct {
	ID             string
	Category       string
	Publishes      []string
	Subscribes     []string
	ConfigFragment string
}

// Validation errors for payload schemas.
var (
	ErrFrameMissingCameraID        = errors.New("contracts: Frame.CameraID is required")
	ErrDetectionMissingCameraID    = errors.New("contracts: DetectionEvent.CameraID is required")
	ErrDetectionInvalidKind        = errors.New("contracts: DetectionEvent.Kind is not motion or object")
	ErrDetectionConfidenceRange    = errors.New("contracts: DetectionEvent.Confidence must be within [0,1]")
	ErrArtifactInvalidKind         = errors.New("contracts: MediaArtifact.Kind is not snapshot, gif or clip")
	ErrArtifactMissingLocation     = errors.New("contracts: MediaArtifact needs a Path or Handle")
	ErrAlertMissingChannel         = errors.New("contracts: AlertNotification.Channel is required")
	ErrControlMissingCommand       = errors.New("contracts: ControlCommand.Command is required")
	ErrConfigUpdateMissingPath     = errors.New("contracts: ConfigUpdate.Path is required")
	ErrStorageMissingLocation      = errors.New("contracts: StorageRecord.Location is required")
)

// ValidateFrame is the canonical validator for Frame. schemaVersion lets
// tolerant parsing ignore unknown fields carried by a newer producer; this
// implementation validates fields directly rather than round-tripping
// through an intermediate map, so there is nothing further to drop.
func ValidateFrame(f Frame, schemaVersion int) error {
	if f.CameraID == "" {
		return ErrFrameMissingCameraID
	}
	return nil
}

// ValidateDetectionEvent is the canonical validator for DetectionEvent.
func ValidateDetectionEvent(d DetectionEvent, schemaVersion int) error {
	if d.CameraID == "" {
		return ErrDetectionMissingCameraID
	}
	if d.Kind != DetectionKindMotion && d.Kind != DetectionKindObject {
		return fmt.Errorf("%w: %q", ErrDetectionInvalidKind, d.Kind)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrDetectionConfidenceRange, d.Confidence)
	}
	return nil
}

// ValidateMediaArtifact is the canonical validator for MediaArtifact.
func ValidateMediaArtifact(a MediaArtifact, schemaVersion int) error {
	switch a.Kind {
	case ArtifactKindSnapshot, ArtifactKindGIF, ArtifactKindClip:
	default:
		return fmt.Errorf("%w: %q", ErrArtifactInvalidKind, a.Kind)
	}
	if a.Path == "" && a.Handle == "" {
		return ErrArtifactMissingLocation
	}
	return nil
}

// ValidateAlertNotification is the canonical validator for AlertNotification.
func ValidateAlertNotification(a AlertNotification, schemaVersion int) error {
	if a.Channel == "" {
		return ErrAlertMissingChannel
	}
	return nil
}

// ValidateStorageRecord is the canonical validator for StorageRecord.
func ValidateStorageRecord(r StorageRecord, schemaVersion int) error {
	if r.Location == "" {
		return ErrStorageMissingLocation
	}
	return nil
}

// ValidateControlCommand is the canonical validator for ControlCommand.
func ValidateControlCommand(c ControlCommand, schemaVersion int) error {
	if c.Command == "" {
		return ErrControlMissingCommand
	}
	return nil
}

// ValidateConfigUpdate is the canonical validator for ConfigUpdate.
func ValidateConfigUpdate(u ConfigUpdate, schemaVersion int) error {
	if u.Path == "" {
		return ErrConfigUpdateMissingPath
	}
	return nil
}
