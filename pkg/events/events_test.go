package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderPublishBroadcastsToSubscribers(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Stop()

	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	r.Event("pod/default/nginx", SeverityNormal, ReasonPulling, "pulling image \"nginx\"")

	select {
	case ev := <-sub:
		assert.Equal(t, ReasonPulling, ev.Reason)
		assert.Equal(t, "pod/default/nginx", ev.InvolvedObject)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRecorderSubscriberCount(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Stop()

	require.Equal(t, 0, r.SubscriberCount())

	sub := r.Subscribe()
	assert.Equal(t, 1, r.SubscriberCount())

	r.Unsubscribe(sub)
	assert.Equal(t, 0, r.SubscriberCount())
}

func TestRecorderBroadcastDropsOnFullBuffer(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Stop()

	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		r.Event("node/test-node", SeverityWarning, ReasonNodeNotReady, "heartbeat missed")
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), cap(sub))
}
