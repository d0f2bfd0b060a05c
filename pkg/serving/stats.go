package serving

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/krustlet/krustlet/pkg/log"
)

// Summary is this node's /stats/summary payload, shaped after the real
// kubelet's stats/v1alpha1.Summary (node-level stats plus a list of
// per-pod stats, each with its containers) without importing that package
// directly: its exact field layout isn't available anywhere in this
// module's reference material to ground an import against, so this is a
// local type matching the same conceptual shape instead of a guessed
// binding to an unverified external struct.
type Summary struct {
	Node NodeStats  `json:"node"`
	Pods []PodStats `json:"pods"`
}

// NodeStats is node-level resource usage.
type NodeStats struct {
	NodeName  string       `json:"nodeName"`
	StartTime metav1.Time  `json:"startTime"`
	Memory    *MemoryStats `json:"memory,omitempty"`
}

// PodStats is one pod's resource usage and its containers'.
type PodStats struct {
	PodRef     PodReference     `json:"podRef"`
	StartTime  metav1.Time      `json:"startTime"`
	Containers []ContainerStats `json:"containers"`
}

// PodReference identifies the pod a PodStats entry belongs to.
type PodReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid"`
}

// ContainerStats is one container's resource usage. CPU and Memory are
// left nil: a wazero-hosted WASI module has no cgroup to read cumulative
// usage from, so per-container accounting is unavailable.
type ContainerStats struct {
	Name      string       `json:"name"`
	StartTime metav1.Time  `json:"startTime"`
	Memory    *MemoryStats `json:"memory,omitempty"`
}

// MemoryStats mirrors the one field this node can actually report: process
// working-set bytes, sampled from runtime.MemStats.
type MemoryStats struct {
	Time            metav1.Time `json:"time"`
	WorkingSetBytes uint64      `json:"workingSetBytes"`
}

// handleStatsSummary implements GET /stats/summary: a node-level memory
// sample plus the list of pods this node is running, one entry per
// container. There is no per-pod/per-container CPU or memory accounting
// available for WASI modules (no cgroup), so those fields are reported at
// the node level only.
func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	now := metav1.NewTime(time.Now())

	pods, err := s.cfg.Clientset.CoreV1().Pods(corev1.NamespaceAll).List(r.Context(), metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + s.cfg.NodeName,
	})
	if err != nil {
		servingLogger := log.WithComponent("serving")
		servingLogger.Warn().Err(err).Msg("listing pods for stats summary failed")
		http.Error(w, "listing pods", http.StatusServiceUnavailable)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	summary := Summary{
		Node: NodeStats{
			NodeName:  s.cfg.NodeName,
			StartTime: now,
			Memory: &MemoryStats{
				Time:            now,
				WorkingSetBytes: memStats.Sys,
			},
		},
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		podStat := PodStats{
			PodRef: PodReference{
				Name:      pod.Name,
				Namespace: pod.Namespace,
				UID:       string(pod.UID),
			},
			StartTime: now,
		}
		for _, c := range pod.Spec.Containers {
			podStat.Containers = append(podStat.Containers, ContainerStats{Name: c.Name, StartTime: now})
		}
		summary.Pods = append(summary.Pods, podStat)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}
