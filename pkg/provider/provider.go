// Package provider defines the engine-agnostic runtime adapter interface
// the pod state machine drives. wazero is the one concrete binding
// (pkg/wasmprovider); swapping it for a different engine requires no
// change to pkg/pod.
package provider

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
)

// StateID identifies one state in a Provider's state graph. The engine
// treats it as an opaque tag; only the Provider assigns meaning to it.
type StateID string

// ResultKind distinguishes the four shapes a transition function can
// return, grounded on the tagged StateResult enum the state machine in
// _examples/original_source/crates/kubelet/src/state.rs uses.
type ResultKind int

const (
	ResultTransition ResultKind = iota
	ResultNext
	ResultError
	ResultComplete
)

// StateResult is what a transition function returns: either move to
// NextState, move to NextState while also applying Effect, fail with Err
// (routing through the Provider's error state), or Complete (terminal).
type StateResult struct {
	Kind      ResultKind
	NextState StateID
	Effect    func(ctx context.Context) error
	Err       error
}

func Transition(next StateID) StateResult { return StateResult{Kind: ResultTransition, NextState: next} }

func Next(next StateID, effect func(ctx context.Context) error) StateResult {
	return StateResult{Kind: ResultNext, NextState: next, Effect: effect}
}

func Failed(err error) StateResult { return StateResult{Kind: ResultError, Err: err} }

func Complete() StateResult { return StateResult{Kind: ResultComplete} }

// SharedContext is what every transition function receives alongside the
// current pod: the per-machine resources a Provider's states need, owned
// exclusively by the running machine (§3's "shared context" row).
type SharedContext struct {
	PodUID    string
	Namespace string
	Name      string
}

// TransitionFunc advances one pod through one state.
type TransitionFunc func(ctx context.Context, shared *SharedContext, pod *corev1.Pod) StateResult

// ExecError is returned by Exec when a Provider does not support it.
type ExecError string

func (e ExecError) Error() string { return string(e) }

const (
	ErrUnsupported ExecError = "unsupported"
	ErrNotRunning  ExecError = "container not running"
)

// Provider is the closed capability set spec.md §4.5 names.
type Provider interface {
	// NodeArchitecture is advertised in node labels and the default taint
	// value (e.g. "wasm32-wasi").
	NodeArchitecture() string

	// InitialState is the state every new pod machine starts in.
	InitialState() StateID

	// Transition returns the transition function registered for a state,
	// and whether one is registered at all.
	Transition(state StateID) (TransitionFunc, bool)

	// FailureState is the terminal state entered whenever a transition
	// function's StateResult carries a non-nil Err.
	FailureState() StateID

	// Logs streams a container's ring-buffer output. tail<=0 means no
	// tail truncation; follow keeps the stream open for new lines.
	Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error)

	// Exec runs a command inside a running container. The default
	// Provider may return ErrUnsupported.
	Exec(ctx context.Context, podUID, container string, command []string) error
}
