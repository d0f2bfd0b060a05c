// Package nodemanager owns the single Node object and its Lease — the
// bookkeeping teacher's heartbeatLoop performed for cluster membership,
// retargeted here from a custom gRPC heartbeat RPC to a
// coordinationv1.Lease renewTime patch, and generalized from one node
// among many to the single node this kubelet ever reports.
package nodemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/rs/zerolog"

	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/metrics"
)

const leaseInterval = 10 * time.Second

// wasmArch is the taint value advertised for this node's architecture,
// distinguishing it from OS-container nodes in mixed clusters.
const wasmArch = "wasm32-wasi"

// leaseNamespace is where kubelet leases live in a real cluster.
const leaseNamespace = "kube-node-lease"

// Options configures the Node object this manager creates and maintains.
type Options struct {
	NodeName string
	NodeIP   string
	Hostname string
	Labels   map[string]string
	MaxPods  int64
}

// Manager owns the Node object and its Lease for the lifetime of the
// process.
type Manager struct {
	clientset kubernetes.Interface
	recorder  *events.Recorder
	opts      Options

	mu             sync.Mutex
	extendedRes    map[string]int64
	debounceTimer  *time.Timer
	consecutiveBad int
}

// New creates a Manager. Call EnsureNode then StartHeartbeat.
func New(clientset kubernetes.Interface, recorder *events.Recorder, opts Options) *Manager {
	return &Manager{
		clientset:   clientset,
		recorder:    recorder,
		opts:        opts,
		extendedRes: make(map[string]int64),
	}
}

// EnsureNode creates the Node object if it does not already exist
// (idempotent), with the configured labels, the default WASM-architecture
// taint, and initial status.
func (m *Manager) EnsureNode(ctx context.Context) error {
	logger := log.WithNode(m.opts.NodeName)

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   m.opts.NodeName,
			Labels: m.opts.Labels,
		},
		Spec: corev1.NodeSpec{
			Taints: []corev1.Taint{{
				Key:    "kubernetes.io/arch",
				Value:  wasmArch,
				Effect: corev1.TaintEffectNoExecute,
			}},
		},
		Status: corev1.NodeStatus{
			Capacity:    m.resourceList(),
			Allocatable: m.resourceList(),
			Addresses:   m.addresses(),
			NodeInfo: corev1.NodeSystemInfo{
				Architecture:    wasmArch,
				OperatingSystem: "linux",
			},
			Conditions: []corev1.NodeCondition{
				readyCondition(false, "Initializing", "node credentials not yet established"),
			},
		},
	}

	_, err := m.clientset.CoreV1().Nodes().Create(ctx, node, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		logger.Info().Msg("node object already exists, reusing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating node object: %w", err)
	}

	logger.Info().Msg("node object created")
	return nil
}

// MarkReady patches the node's Ready condition to True, called once
// credentials and the plugin registrar have initialized.
func (m *Manager) MarkReady(ctx context.Context) error {
	return m.patchCondition(ctx, readyCondition(true, "KubeletReady", "kubelet is posting ready status"))
}

// MarkNotReady patches the node's Ready condition to False with the given
// reason, used both for heartbeat failure and graceful shutdown.
func (m *Manager) MarkNotReady(ctx context.Context, reason, message string) error {
	return m.patchCondition(ctx, readyCondition(false, reason, message))
}

func (m *Manager) patchCondition(ctx context.Context, cond corev1.NodeCondition) error {
	node, err := m.clientset.CoreV1().Nodes().Get(ctx, m.opts.NodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("fetching node for status patch: %w", err)
	}

	replaced := false
	for i, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			node.Status.Conditions[i] = cond
			replaced = true
			break
		}
	}
	if !replaced {
		node.Status.Conditions = append(node.Status.Conditions, cond)
	}

	_, err = m.clientset.CoreV1().Nodes().UpdateStatus(ctx, node, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("patching node status: %w", err)
	}
	return nil
}

func readyCondition(ready bool, reason, message string) corev1.NodeCondition {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return corev1.NodeCondition{
		Type:               corev1.NodeReady,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: metav1.Now(),
		LastHeartbeatTime:  metav1.Now(),
	}
}

func (m *Manager) resourceList() corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourcePods: *resourceQuantity(m.opts.MaxPods),
	}
}

func (m *Manager) addresses() []corev1.NodeAddress {
	addrs := []corev1.NodeAddress{{Type: corev1.NodeHostName, Address: m.opts.Hostname}}
	if m.opts.NodeIP != "" {
		addrs = append(addrs, corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: m.opts.NodeIP})
	}
	return addrs
}

// StartHeartbeat renews the node's Lease every leaseInterval until ctx is
// canceled. Two consecutive failed renewals mark the node Ready=False
// locally (and reflected to the API) while retries continue.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	logger := log.WithNode(m.opts.NodeName)

	if err := m.ensureLease(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to create initial lease")
	}

	ticker := time.NewTicker(leaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.renewLease(ctx, logger)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) ensureLease(ctx context.Context) error {
	holder := m.opts.NodeName
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.opts.NodeName,
			Namespace: leaseNamespace,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: int32Ptr(int32(leaseInterval.Seconds()) * 4),
			RenewTime:            &metav1.MicroTime{Time: time.Now()},
		},
	}

	_, err := m.clientset.CoordinationV1().Leases(leaseNamespace).Create(ctx, lease, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (m *Manager) renewLease(ctx context.Context, logger zerolog.Logger) {
	lease, err := m.clientset.CoordinationV1().Leases(leaseNamespace).Get(ctx, m.opts.NodeName, metav1.GetOptions{})
	if err == nil {
		lease.Spec.RenewTime = &metav1.MicroTime{Time: time.Now()}
		_, err = m.clientset.CoordinationV1().Leases(leaseNamespace).Update(ctx, lease, metav1.UpdateOptions{})
	}

	m.mu.Lock()
	if err != nil {
		m.consecutiveBad++
		bad := m.consecutiveBad
		m.mu.Unlock()

		metrics.NodeHeartbeatsTotal.WithLabelValues("failure").Inc()
		logger.Warn().Err(err).Int("consecutive_failures", bad).Msg("lease renewal failed")

		if bad == 2 {
			if mErr := m.MarkNotReady(ctx, "NodeLeaseRenewalFailed", "two consecutive lease renewals failed"); mErr != nil {
				logger.Warn().Err(mErr).Msg("failed to mark node not ready after missed heartbeats")
			}
		}
		return
	}
	m.consecutiveBad = 0
	m.mu.Unlock()

	metrics.NodeHeartbeatsTotal.WithLabelValues("success").Inc()
}

// UpdateExtendedResources merges resourceName → count updates from the
// device manager and plugin registrar into the node's advertised capacity,
// debouncing writes by 1s so a burst of plugin registrations produces one
// status patch instead of many.
func (m *Manager) UpdateExtendedResources(ctx context.Context, resourceName string, count int64) {
	m.mu.Lock()
	m.extendedRes[resourceName] = count
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(time.Second, func() {
		if err := m.flushExtendedResources(ctx); err != nil {
			nodeLogger := log.WithNode(m.opts.NodeName)
			nodeLogger.Warn().Err(err).Msg("failed to patch extended resource capacity")
		}
	})
	m.mu.Unlock()
}

func (m *Manager) flushExtendedResources(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[string]int64, len(m.extendedRes))
	for k, v := range m.extendedRes {
		snapshot[k] = v
	}
	m.mu.Unlock()

	node, err := m.clientset.CoreV1().Nodes().Get(ctx, m.opts.NodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("fetching node for capacity patch: %w", err)
	}

	for name, count := range snapshot {
		q := resourceQuantity(count)
		node.Status.Capacity[corev1.ResourceName(name)] = *q
		node.Status.Allocatable[corev1.ResourceName(name)] = *q
	}

	_, err = m.clientset.CoreV1().Nodes().UpdateStatus(ctx, node, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("patching node capacity: %w", err)
	}
	return nil
}

// Shutdown patches the Node's Ready condition to False with reason
// NodeShutdown and deletes the Lease, the graceful-termination sequence
// the spec names.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.MarkNotReady(ctx, "NodeShutdown", "kubelet is shutting down"); err != nil {
		return err
	}
	err := m.clientset.CoordinationV1().Leases(leaseNamespace).Delete(ctx, m.opts.NodeName, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting lease: %w", err)
	}
	return nil
}

func int32Ptr(v int32) *int32 { return &v }

func resourceQuantity(v int64) *resource.Quantity {
	q := resource.NewQuantity(v, resource.DecimalSI)
	return q
}
