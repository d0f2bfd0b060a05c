// Package dispatcher routes pod watch events to per-pod worker goroutines.
// Each pod UID gets its own single-slot, latest-value channel: a pod that
// changes twice before its worker catches up only ever processes the
// newest version, the non-blocking drain-and-replace send translating the
// original watch-stream coalescing into idiomatic Go. This is the same
// "one goroutine per unit of work, fed by a channel" shape the ticker-driven
// reconciliation loop this is adapted from used for periodic sweeps, turned
// event-driven and per-pod instead of whole-cluster and time-sliced.
package dispatcher

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"

	"github.com/krustlet/krustlet/pkg/log"
)

// Handler processes pod lifecycle events. The pod state machine engine
// implements this; dispatcher only owns delivery order and coalescing.
type Handler interface {
	HandlePod(ctx context.Context, pod *corev1.Pod)
	HandleDelete(ctx context.Context, namespace, name, uid string)
}

// Dispatcher fans pod watch events out to one worker goroutine per pod UID.
type Dispatcher struct {
	mu      sync.Mutex
	slots   map[string]chan *corev1.Pod
	handler Handler
}

// New creates a Dispatcher bound to handler.
func New(handler Handler) *Dispatcher {
	return &Dispatcher{
		slots:   make(map[string]chan *corev1.Pod),
		handler: handler,
	}
}

// Dispatch enqueues pod for processing, replacing any not-yet-processed
// update queued for the same UID. Starts a worker goroutine the first time
// a UID is seen.
func (d *Dispatcher) Dispatch(ctx context.Context, pod *corev1.Pod) {
	uid := string(pod.UID)

	d.mu.Lock()
	slot, ok := d.slots[uid]
	if !ok {
		slot = make(chan *corev1.Pod, 1)
		d.slots[uid] = slot
		go d.worker(ctx, slot)
	}
	d.mu.Unlock()

	for {
		select {
		case slot <- pod:
			return
		default:
		}
		select {
		case <-slot:
		default:
		}
	}
}

// Remove runs the handler's terminal cleanup for a pod UID and tears down
// its worker. Call this only after the pod is confirmed deleted.
func (d *Dispatcher) Remove(ctx context.Context, namespace, name, uid string) {
	d.handler.HandleDelete(ctx, namespace, name, uid)

	d.mu.Lock()
	slot, ok := d.slots[uid]
	if ok {
		delete(d.slots, uid)
		close(slot)
	}
	d.mu.Unlock()
}

// ActiveCount returns the number of pods with a running worker.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

func (d *Dispatcher) worker(ctx context.Context, slot chan *corev1.Pod) {
	logger := log.WithComponent("dispatcher")
	for {
		select {
		case pod, ok := <-slot:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).
							Str("pod_name", pod.Name).
							Msg("pod handler panicked")
					}
				}()
				d.handler.HandlePod(ctx, pod)
			}()
		case <-ctx.Done():
			return
		}
	}
}
