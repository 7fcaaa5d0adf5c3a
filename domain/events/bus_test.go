package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTopicSubscribers(t *testing.T) {
	b := NewBus()

	ch, unsubscribe := b.Subscribe("course:c1")
	defer unsubscribe()
	other, unsubOther := b.Subscribe("course:c2")
	defer unsubOther()

	b.Publish("course:c1", Frame{Type: "commis_spawned"})

	select {
	case frame := <-ch:
		assert.Equal(t, "commis_spawned", frame.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive frame")
	}

	select {
	case frame := <-other:
		t.Fatalf("wrong topic received frame %v", frame)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("course:c1")

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing to an empty topic is a no-op.
	b.Publish("course:c1", Frame{Type: "heartbeat"})
}

func TestBusDropsFramesForSlowSubscribers(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("course:c1")
	defer unsubscribe()

	// Flood well past the buffer; the publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("course:c1", Frame{Type: "run_updated"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	require.NotEmpty(t, ch)
}
