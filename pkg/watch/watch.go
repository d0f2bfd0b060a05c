// Package watch wraps the Kubernetes pod watch stream consumed by
// pkg/dispatcher: {Added, Modified, Deleted, Bookmark, Error} events with a
// resumable resourceVersion cursor, full re-list on an Expired error per
// §4.3 and §8's "watch reconnect with an expired resourceVersion triggers
// a full re-list and reconciles" boundary behavior.
//
// Grounded on the watch.Interface consumption pattern shown across the
// kubernetes-kubernetes and wangweihong-kubernetes packs' controller/
// informer code, and on teacher's pkg/reconciler.go ticker-driven retry
// idiom for the reconnect backoff.
package watch

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/rs/zerolog"

	"github.com/krustlet/krustlet/pkg/backoff"
	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/log"
)

// EventKind mirrors the spec's event vocabulary; Bookmark and Error are
// surfaced distinctly from apimachinery's watch.Event so callers don't
// need to special-case watch.Bookmark's object-only representation of a
// resourceVersion update.
type EventKind string

const (
	EventAdded    EventKind = "Added"
	EventModified EventKind = "Modified"
	EventDeleted  EventKind = "Deleted"
	EventBookmark EventKind = "Bookmark"
	EventError    EventKind = "Error"
)

// Event is one item from the pod watch stream, normalized for dispatcher
// consumption.
type Event struct {
	Kind EventKind
	Pod  *corev1.Pod
	Err  error
}

// Stream consumes the pod watch for one node, re-listing and resuming with
// a fresh resourceVersion whenever the underlying watch is closed or
// reports an Expired error.
type Stream struct {
	clientset kubernetes.Interface
	nodeName  string
	events    chan Event
}

// New creates a Stream that only surfaces pods assigned to nodeName (the
// dispatcher's concern: "For Added or Modified on an unknown UID (and with
// assigned nodeName == this node)").
func New(clientset kubernetes.Interface, nodeName string) *Stream {
	return &Stream{clientset: clientset, nodeName: nodeName, events: make(chan Event, 64)}
}

// Events returns the channel of normalized watch events. Run must be
// started (as a goroutine) for events to arrive.
func (s *Stream) Events() <-chan Event { return s.events }

// Run re-lists and watches until ctx is canceled, reconnecting with the
// timeouts §5 names (initial 1s, exponential to 32s) on any stream error,
// and closes the events channel on return.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.events)
	logger := log.WithComponent("watch")
	bo := &backoff.Exponential{Base: time.Second, Cap: 32 * time.Second}

	for {
		resourceVersion, err := s.relist(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("initial pod list failed, retrying")
			if !s.sleep(ctx, bo.Next()) {
				return
			}
			continue
		}
		bo.Reset()

		if done := s.watchFrom(ctx, resourceVersion, logger); done {
			return
		}
		if !s.sleep(ctx, bo.Next()) {
			return
		}
	}
}

func (s *Stream) relist(ctx context.Context) (string, error) {
	list, err := s.clientset.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", s.nodeName).String(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: listing pods: %v", errs.ErrAPIUnavailable, err)
	}
	for i := range list.Items {
		pod := &list.Items[i]
		select {
		case s.events <- Event{Kind: EventAdded, Pod: pod}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return list.ResourceVersion, nil
}

// watchFrom opens a watch from resourceVersion and forwards events until
// the stream closes or ctx is canceled. It returns true only when ctx was
// canceled (caller should stop); any other stream end returns false so Run
// re-lists.
func (s *Stream) watchFrom(ctx context.Context, resourceVersion string, logger zerolog.Logger) bool {
	w, err := s.clientset.CoreV1().Pods(corev1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("spec.nodeName", s.nodeName).String(),
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("opening pod watch failed")
		return false
	}
	defer w.Stop()

	for {
		select {
		case evt, ok := <-w.ResultChan():
			if !ok {
				return false
			}
			if s.forward(ctx, evt, logger) {
				return false
			}
		case <-ctx.Done():
			return true
		}
	}
}

// forward normalizes one apimachinery watch.Event and sends it. It returns
// true when the event signals the watch must be fully restarted (an
// Expired Error event).
func (s *Stream) forward(ctx context.Context, evt watch.Event, logger zerolog.Logger) bool {
	switch evt.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		pod, ok := evt.Object.(*corev1.Pod)
		if !ok {
			return false
		}
		kind := map[watch.EventType]EventKind{watch.Added: EventAdded, watch.Modified: EventModified, watch.Deleted: EventDeleted}[evt.Type]
		select {
		case s.events <- Event{Kind: kind, Pod: pod}:
		case <-ctx.Done():
		}
		return false
	case watch.Bookmark:
		pod, _ := evt.Object.(*corev1.Pod)
		select {
		case s.events <- Event{Kind: EventBookmark, Pod: pod}:
		case <-ctx.Done():
		}
		return false
	case watch.Error:
		status, _ := evt.Object.(*metav1.Status)
		expired := status != nil && apierrors.IsResourceExpired(&apierrors.StatusError{ErrStatus: *status})
		select {
		case s.events <- Event{Kind: EventError, Err: fmt.Errorf("watch error: %v", status)}:
		case <-ctx.Done():
		}
		if expired {
			logger.Info().Msg("resourceVersion expired, triggering full re-list")
		}
		return expired
	}
	return false
}

// sleep waits out one backoff interval, returning false if ctx is canceled
// first so callers can distinguish "keep retrying" from "stop".
func (s *Stream) sleep(ctx context.Context, wait time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
