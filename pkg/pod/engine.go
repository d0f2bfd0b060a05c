// Package pod implements the generic pod state machine engine (spec §4.4):
// a driver parameterized by a provider.Provider that walks a pod through
// its provider-supplied state graph, patching status on every transition,
// honoring cancellation on pod deletion or shutdown, and abandoning any
// state function that ignores cancellation for more than the wedge
// timeout.
//
// Grounded on _examples/original_source/crates/kubelet/src/state/mod.rs
// (the tag-dispatched transition loop driving a StateResult enum) and
// teacher's pkg/reconciler.go for the ticker-driven status reconciliation
// idiom, translated from periodic whole-cluster sweeps into one
// goroutine per pod driven by dispatcher.Handler events instead of a
// ticker.
package pod

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/provider"
)

// wedgeTimeout is how long a transition function may keep running after
// its context is canceled before the machine is abandoned, per spec §4.4.
const wedgeTimeout = 30 * time.Second

// Engine drives every pod's state machine, implementing
// dispatcher.Handler.
type Engine struct {
	provider  provider.Provider
	clientset kubernetes.Interface
	events    *events.Recorder

	mu       sync.Mutex
	machines map[string]*machine
}

// New creates an Engine bound to p, patching status through clientset and
// emitting lifecycle events through recorder.
func New(p provider.Provider, clientset kubernetes.Interface, recorder *events.Recorder) *Engine {
	return &Engine{
		provider:  p,
		clientset: clientset,
		events:    recorder,
		machines:  make(map[string]*machine),
	}
}

type machine struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// HandlePod implements dispatcher.Handler. The first time a pod UID is
// seen, its state machine starts in a dedicated goroutine; later calls for
// the same UID are no-ops, since the dispatcher's single-slot channel
// already coalesces rapid updates and the running machine re-reads the
// pod it was started with via its own watch of cancellation only — spec's
// state graph has no notion of "pod spec changed mid-run".
func (e *Engine) HandlePod(ctx context.Context, p *corev1.Pod) {
	uid := string(p.UID)

	e.mu.Lock()
	if _, exists := e.machines[uid]; exists {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m := &machine{cancel: cancel, done: make(chan struct{})}
	e.machines[uid] = m
	e.mu.Unlock()

	go e.run(runCtx, m, p)
}

// HandleDelete implements dispatcher.Handler, canceling the pod's running
// machine so it transitions to Terminating and tears down.
func (e *Engine) HandleDelete(ctx context.Context, namespace, name, uid string) {
	e.mu.Lock()
	m, ok := e.machines[uid]
	e.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(wedgeTimeout + 5*time.Second):
		podLogger := log.WithComponent("pod")
		podLogger.Error().Str("pod_uid", uid).Msg("pod machine did not exit after cancellation, abandoning")
	}
}

// ActiveCount returns the number of pods with a running machine.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.machines)
}

func (e *Engine) run(ctx context.Context, m *machine, p *corev1.Pod) {
	defer close(m.done)
	defer func() {
		e.mu.Lock()
		delete(e.machines, string(p.UID))
		e.mu.Unlock()
	}()

	shared := &provider.SharedContext{
		PodUID:    string(p.UID),
		Namespace: p.Namespace,
		Name:      p.Name,
	}
	logger := log.WithPod(p.Namespace, p.Name, shared.PodUID)

	state := e.provider.InitialState()
	errored := false
	for {
		fn, ok := e.provider.Transition(state)
		if !ok {
			logger.Error().Str("state", string(state)).Msg("no transition function registered for state")
			state = e.provider.FailureState()
			errored = true
			fn, ok = e.provider.Transition(state)
			if !ok {
				logger.Error().Msg("provider's failure state has no transition function either, abandoning machine")
				return
			}
		}

		e.patchStatus(ctx, p, state, errored)
		logger.Debug().Str("state", string(state)).Msg("entering state")

		result, wedged := e.invoke(ctx, fn, shared, p)
		if wedged {
			logger.Error().Str("state", string(state)).Msg("state function ignored cancellation, abandoning machine")
			return
		}

		switch result.Kind {
		case provider.ResultTransition:
			state = result.NextState
		case provider.ResultNext:
			if result.Effect != nil {
				if err := result.Effect(ctx); err != nil {
					logger.Warn().Err(err).Msg("state effect failed")
				}
			}
			state = result.NextState
		case provider.ResultError:
			logger.Error().Err(result.Err).Str("state", string(state)).Msg("state transition failed")
			e.events.Event(fmt.Sprintf("pod/%s/%s", p.Namespace, p.Name), events.SeverityWarning, events.ReasonUnhealthy, result.Err.Error())
			state = e.provider.FailureState()
			errored = true
		case provider.ResultComplete:
			logger.Info().Msg("pod machine complete")
			return
		}
	}
}

// invoke runs fn on its own goroutine so cancellation-wedge detection can
// abandon it without blocking the engine forever: fn itself is trusted to
// treat ctx cancellation as a suspension point, but a provider bug that
// ignores it must not wedge the whole engine.
func (e *Engine) invoke(ctx context.Context, fn provider.TransitionFunc, shared *provider.SharedContext, p *corev1.Pod) (provider.StateResult, bool) {
	resultCh := make(chan provider.StateResult, 1)
	go func() {
		resultCh <- fn(ctx, shared, p)
	}()

	select {
	case result := <-resultCh:
		return result, false
	case <-ctx.Done():
	}

	select {
	case result := <-resultCh:
		return result, false
	case <-time.After(wedgeTimeout):
		return provider.StateResult{}, true
	}
}

func (e *Engine) patchStatus(ctx context.Context, p *corev1.Pod, state provider.StateID, errored bool) {
	if e.clientset == nil {
		return
	}
	phase, reason := phaseForState(state, errored)

	current, err := e.clientset.CoreV1().Pods(p.Namespace).Get(ctx, p.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return
		}
		podLogger := log.WithComponent("pod")
		podLogger.Warn().Err(err).Str("pod_name", p.Name).Msg("fetching pod for status patch failed")
		return
	}

	current.Status.Phase = phase
	current.Status.Reason = reason
	if _, err := e.clientset.CoreV1().Pods(p.Namespace).UpdateStatus(ctx, current, metav1.UpdateOptions{}); err != nil {
		podLogger := log.WithComponent("pod")
		podLogger.Warn().Err(err).Str("pod_name", p.Name).Msg("patching pod status failed")
	}
}

// phaseForState maps a wasmprovider-shaped StateID to the corev1.PodPhase
// and reason string krustlet reports, per spec §4.4's per-state status
// descriptions. Other Provider implementations using different StateIDs
// fall back to PodPending with the raw state name as reason.
//
// errored records whether the machine reached state by draining from the
// provider's failure state rather than completing normally: Terminating
// and Terminated both drain through the same states on either path, so
// without it a pod that failed during Resources/Starting would regress
// Failed -> Running -> Succeeded on its way out, violating phase
// monotonicity.
func phaseForState(state provider.StateID, errored bool) (corev1.PodPhase, string) {
	switch state {
	case "Registered":
		return corev1.PodPending, "Registered"
	case "ImagePull", "ImagePullBackOff":
		return corev1.PodPending, string(state)
	case "VolumeMount":
		return corev1.PodPending, "ContainerCreating"
	case "Resources", "Starting":
		return corev1.PodPending, "ContainerCreating"
	case "Running":
		return corev1.PodRunning, ""
	case "Terminating":
		if errored {
			return corev1.PodFailed, "Terminating"
		}
		return corev1.PodRunning, "Terminating"
	case "Terminated":
		if errored {
			return corev1.PodFailed, "Error"
		}
		return corev1.PodSucceeded, "Completed"
	case "Error":
		return corev1.PodFailed, "Error"
	default:
		return corev1.PodPending, string(state)
	}
}
