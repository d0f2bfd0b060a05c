// Package metrics exposes krustletd's prometheus series: pod phases, image
// pulls, CSI RPC latency, and plugin registrations. Non-goal "does not
// attempt to be a Kubernetes controller-manager" excludes cluster-scheduling
// metrics, not node-local ones — this package only ever reports on what this
// one node is doing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PodsByPhase tracks the number of pods this node is running, by phase.
	PodsByPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "krustletd_pods",
		Help: "Number of pods assigned to this node, by phase.",
	}, []string{"phase"})

	// ContainersByState tracks container counts by runtime state.
	ContainersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "krustletd_containers",
		Help: "Number of containers tracked by this node, by state.",
	}, []string{"state"})

	// ImagePullsTotal counts module pulls by outcome.
	ImagePullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krustletd_image_pulls_total",
		Help: "WASM module pulls, by registry and result.",
	}, []string{"registry", "result"})

	// ImagePullDuration measures module pull latency.
	ImagePullDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "krustletd_image_pull_duration_seconds",
		Help:    "Module pull duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"registry"})

	// CSIRequestDuration measures CSI gRPC call latency by method and code.
	CSIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "krustletd_csi_request_duration_seconds",
		Help:    "CSI RPC duration in seconds, by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "code"})

	// PluginsRegistered tracks currently registered plugins by type.
	PluginsRegistered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "krustletd_plugins_registered",
		Help: "Number of plugins currently registered with this node, by type.",
	}, []string{"type"})

	// DeviceAllocationsTotal counts device-plugin Allocate calls by outcome.
	DeviceAllocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krustletd_device_allocations_total",
		Help: "Device-plugin allocations, by resource name and result.",
	}, []string{"resource", "result"})

	// NodeHeartbeatsTotal counts Lease renewals by outcome.
	NodeHeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krustletd_node_heartbeats_total",
		Help: "Node lease renewal attempts, by result.",
	}, []string{"result"})

	// PodReconcileDuration times one pass of the pod state machine's
	// transition function.
	PodReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "krustletd_pod_reconcile_duration_seconds",
		Help:    "Time spent in a single pod state transition, by state.",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		PodsByPhase,
		ContainersByState,
		ImagePullsTotal,
		ImagePullDuration,
		CSIRequestDuration,
		PluginsRegistered,
		DeviceAllocationsTotal,
		NodeHeartbeatsTotal,
		PodReconcileDuration,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
