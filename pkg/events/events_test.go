package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	Publish(bus, ProofAppended, map[string]string{"hash": "abc"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, ProofAppended, e.Type)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancelA()
	cancelA() // idempotent
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: TaskCreated})
	bus.Publish(Event{Type: TaskAssigned})

	require.Len(t, ch, 1)
	assert.Equal(t, TaskCreated, (<-ch).Type)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestPublishNilPublisher(t *testing.T) {
	assert.NotPanics(t, func() { Publish(nil, TaskFailed, nil) })
}
