package pod

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/provider"
)

// stubProvider lets each test script its own state graph without needing
// a real runtime engine underneath.
type stubProvider struct {
	initial     provider.StateID
	failure     provider.StateID
	transitions map[provider.StateID]provider.TransitionFunc
}

func (s *stubProvider) NodeArchitecture() string       { return "test" }
func (s *stubProvider) InitialState() provider.StateID { return s.initial }
func (s *stubProvider) FailureState() provider.StateID { return s.failure }
func (s *stubProvider) Transition(state provider.StateID) (provider.TransitionFunc, bool) {
	fn, ok := s.transitions[state]
	return fn, ok
}
func (s *stubProvider) Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error) {
	return nil, provider.ErrNotRunning
}
func (s *stubProvider) Exec(ctx context.Context, podUID, container string, command []string) error {
	return provider.ErrUnsupported
}

func testPod(name, uid string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			UID:       types.UID(uid),
		},
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "example.com/app:latest"}}},
	}
}

func TestEngineRunsToCompletion(t *testing.T) {
	var seen []provider.StateID
	var mu sync.Mutex

	p := &stubProvider{initial: "A", failure: "Error"}
	p.transitions = map[provider.StateID]provider.TransitionFunc{
		"A": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			mu.Lock()
			seen = append(seen, "A")
			mu.Unlock()
			return provider.Transition("B")
		},
		"B": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			mu.Lock()
			seen = append(seen, "B")
			mu.Unlock()
			return provider.Complete()
		},
	}

	clientset := fake.NewSimpleClientset()
	pod := testPod("widget", "abc")
	_, err := clientset.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	e := New(p, clientset, events.NewRecorder())
	e.HandlePod(context.Background(), pod)

	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []provider.StateID{"A", "B"}, seen)
}

func TestEngineRoutesErrorToFailureState(t *testing.T) {
	var failureEntered bool
	var mu sync.Mutex

	p := &stubProvider{initial: "A", failure: "Error"}
	p.transitions = map[provider.StateID]provider.TransitionFunc{
		"A": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			return provider.Failed(fmt.Errorf("boom"))
		},
		"Error": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			mu.Lock()
			failureEntered = true
			mu.Unlock()
			return provider.Complete()
		},
	}

	clientset := fake.NewSimpleClientset()
	pod := testPod("widget", "def")
	_, err := clientset.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	e := New(p, clientset, events.NewRecorder())
	e.HandlePod(context.Background(), pod)

	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, failureEntered)
}

func TestEngineIgnoresDuplicateHandlePodForSameUID(t *testing.T) {
	var calls int
	var mu sync.Mutex
	started := make(chan struct{})
	release := make(chan struct{})

	p := &stubProvider{initial: "A", failure: "Error"}
	p.transitions = map[provider.StateID]provider.TransitionFunc{
		"A": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			mu.Lock()
			calls++
			mu.Unlock()
			close(started)
			<-release
			return provider.Complete()
		},
	}

	clientset := fake.NewSimpleClientset()
	pod := testPod("widget", "ghi")
	_, err := clientset.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	e := New(p, clientset, events.NewRecorder())
	e.HandlePod(context.Background(), pod)
	<-started
	e.HandlePod(context.Background(), pod) // must be a no-op; machine already running
	close(release)

	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEngineCancelsOnHandleDelete(t *testing.T) {
	canceled := make(chan struct{})

	p := &stubProvider{initial: "A", failure: "Error"}
	p.transitions = map[provider.StateID]provider.TransitionFunc{
		"A": func(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
			<-ctx.Done()
			close(canceled)
			return provider.Complete()
		},
	}

	clientset := fake.NewSimpleClientset()
	pod := testPod("widget", "jkl")
	_, err := clientset.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	e := New(p, clientset, events.NewRecorder())
	e.HandlePod(context.Background(), pod)
	e.HandleDelete(context.Background(), pod.Namespace, pod.Name, "jkl")

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("transition function was never canceled")
	}
}

func TestPhaseForStateMapsKnownStates(t *testing.T) {
	phase, reason := phaseForState("Running", false)
	assert.Equal(t, corev1.PodRunning, phase)
	assert.Empty(t, reason)

	phase, reason = phaseForState("Terminated", false)
	assert.Equal(t, corev1.PodSucceeded, phase)
	assert.Equal(t, "Completed", reason)

	phase, _ = phaseForState(provider.StateID("SomeUnknownState"), false)
	assert.Equal(t, corev1.PodPending, phase)
}

func TestPhaseForStateReportsFailedWhenDrainingFromError(t *testing.T) {
	phase, reason := phaseForState("Terminating", true)
	assert.Equal(t, corev1.PodFailed, phase)
	assert.Equal(t, "Terminating", reason)

	phase, reason = phaseForState("Terminated", true)
	assert.Equal(t, corev1.PodFailed, phase)
	assert.Equal(t, "Error", reason)

	phase, reason = phaseForState("Terminating", false)
	assert.Equal(t, corev1.PodRunning, phase)
	assert.Equal(t, "Terminating", reason)
}
