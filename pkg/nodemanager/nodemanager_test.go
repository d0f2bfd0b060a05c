package nodemanager

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustlet/krustlet/pkg/events"
)

func newTestManager() (*Manager, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	recorder := events.NewRecorder()
	mgr := New(clientset, recorder, Options{
		NodeName: "test-node",
		NodeIP:   "10.0.0.5",
		Hostname: "test-node",
		Labels:   map[string]string{"tier": "edge"},
		MaxPods:  110,
	})
	return mgr, clientset
}

func TestEnsureNodeCreatesNode(t *testing.T) {
	mgr, clientset := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureNode(ctx))

	node, err := clientset.CoreV1().Nodes().Get(ctx, "test-node", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "edge", node.Labels["tier"])
	assert.Equal(t, "kubernetes.io/arch", node.Spec.Taints[0].Key)
	assert.Equal(t, wasmArch, node.Spec.Taints[0].Value)
	assert.Equal(t, corev1.TaintEffectNoExecute, node.Spec.Taints[0].Effect)

	var readyCond *corev1.NodeCondition
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == corev1.NodeReady {
			readyCond = &node.Status.Conditions[i]
		}
	}
	require.NotNil(t, readyCond)
	assert.Equal(t, corev1.ConditionFalse, readyCond.Status)
}

func TestEnsureNodeIdempotent(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureNode(ctx))
	require.NoError(t, mgr.EnsureNode(ctx))
}

func TestMarkReadyPatchesCondition(t *testing.T) {
	mgr, clientset := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureNode(ctx))
	require.NoError(t, mgr.MarkReady(ctx))

	node, err := clientset.CoreV1().Nodes().Get(ctx, "test-node", metav1.GetOptions{})
	require.NoError(t, err)

	var readyCond *corev1.NodeCondition
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == corev1.NodeReady {
			readyCond = &node.Status.Conditions[i]
		}
	}
	require.NotNil(t, readyCond)
	assert.Equal(t, corev1.ConditionTrue, readyCond.Status)
	assert.Equal(t, "KubeletReady", readyCond.Reason)
}

func TestShutdownMarksNotReadyAndDeletesLease(t *testing.T) {
	mgr, clientset := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureNode(ctx))
	require.NoError(t, mgr.ensureLease(ctx))
	require.NoError(t, mgr.Shutdown(ctx))

	node, err := clientset.CoreV1().Nodes().Get(ctx, "test-node", metav1.GetOptions{})
	require.NoError(t, err)
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			assert.Equal(t, "NodeShutdown", c.Reason)
		}
	}

	_, err = clientset.CoordinationV1().Leases(leaseNamespace).Get(ctx, "test-node", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestUpdateExtendedResourcesDebouncesAndPatches(t *testing.T) {
	mgr, clientset := newTestManager()
	ctx := context.Background()
	require.NoError(t, mgr.EnsureNode(ctx))

	mgr.UpdateExtendedResources(ctx, "example.com/widget", 4)
	require.Eventually(t, func() bool {
		node, err := clientset.CoreV1().Nodes().Get(ctx, "test-node", metav1.GetOptions{})
		if err != nil {
			return false
		}
		q, ok := node.Status.Capacity["example.com/widget"]
		return ok && q.Value() == 4
	}, 2*time.Second, 10*time.Millisecond)
}
