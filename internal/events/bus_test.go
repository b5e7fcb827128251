package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	a, unsubA := bus.Subscribe(4)
	defer unsubA()
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(OCRQueued, "p1", nil)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, OCRQueued, evt.Name)
			assert.Equal(t, "p1", evt.PageID)
			assert.False(t, evt.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	// Second publish overflows the buffer; Publish must return regardless.
	done := make(chan struct{})
	go func() {
		bus.Publish(PDFProgress, "p1", 1)
		bus.Publish(PDFProgress, "p1", 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	evt := <-ch
	assert.Equal(t, 1, evt.Payload)
	select {
	case <-ch:
		t.Fatal("overflowed event should have been dropped")
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe(1)
	unsub()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(OCRStart, "p1", nil)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()

	_, unsub := bus.Subscribe(1)
	unsub()
	unsub()
}
