// Package types holds the value types krustletd tracks locally that have no
// direct analog in k8s.io/api — the pieces of the data model in §3 of the
// spec that are internal bookkeeping rather than cluster-visible objects.
package types

import "time"

// ContainerState mirrors the Waiting/Running/Terminated vocabulary a real
// kubelet reports in a pod's container statuses.
type ContainerState string

const (
	ContainerStateWaiting    ContainerState = "Waiting"
	ContainerStateRunning    ContainerState = "Running"
	ContainerStateTerminated ContainerState = "Terminated"
)

// WaitingReason is the stable reason string surfaced for a waiting container.
type WaitingReason string

const (
	WaitingReasonContainerCreating WaitingReason = "ContainerCreating"
	WaitingReasonImagePullBackOff  WaitingReason = "ImagePullBackOff"
	WaitingReasonErrImagePull      WaitingReason = "ErrImagePull"
)

// ContainerRuntimeStatus is the locally-held mirror of one container's
// execution state, distinct from the corev1.ContainerStatus patched to the
// API server — this is what the Provider reports to the pod state machine
// before it is translated into the wire type.
type ContainerRuntimeStatus struct {
	Name          string
	State         ContainerState
	WaitingReason WaitingReason
	Message       string
	RestartCount  int32
	ExitCode      int32
	StartedAt     time.Time
	FinishedAt    time.Time
}

// ModuleBlob is a content-addressed WASM module pulled from an OCI registry
// or the local filesystem ("fs://" references), cached under
// $DATA_DIR/modules/<digest>.
type ModuleBlob struct {
	Digest    string
	MediaType string
	Size      int64
	Path      string
}

// PluginType distinguishes the two kinds of socket-based plugin the plugin
// registrar discovers (§4.6).
type PluginType string

const (
	PluginTypeCSI    PluginType = "CSIPlugin"
	PluginTypeDevice PluginType = "DevicePlugin"
)

// PluginInfo is what the registrar learns about a plugin after GetInfo.
type PluginInfo struct {
	Name             string
	Type             PluginType
	Endpoint         string
	SupportedVersion []string
	SocketPath       string
}

// CSIVolumeAttachment tracks one volume-id's stage/publish state on this
// node, per the Testable Properties in §8: stage at-most-once per node,
// unstage strictly after the final unpublish. RefCount counts outstanding
// publishes; PodUID and TargetPath hold the most recent publish's values.
type CSIVolumeAttachment struct {
	VolumeID     string
	PodUID       string
	Driver       string
	StagingPath  string
	TargetPath   string
	AccessMode   string
	MountOptions []string
	RefCount     int
	Staged       bool
}

// DeviceAllocation records one device-plugin Allocate() result for a pod.
type DeviceAllocation struct {
	PodUID       string
	ResourceName string
	DeviceIDs    []string
	Mounts       map[string]string
	Env          map[string]string
	Annotations  map[string]string
}
