package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names a grid event
type Type string

const (
	NodeRegistered Type = "node.registered"
	NodeOffline    Type = "node.offline"
	NodeRemoved    Type = "node.removed"
	TaskCreated    Type = "task.created"
	TaskAssigned   Type = "task.assigned"
	TaskStarted    Type = "task.started"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskReleased   Type = "task.released"
	ProofAppended  Type = "proof.appended"
	CreditIssued   Type = "credit.issued"
	CreditUpdated  Type = "credit.updated"
	ChainBroken    Type = "chain.broken"
)

// Event is a notification published by a grid component
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher accepts events. Publishing never blocks the caller.
type Publisher interface {
	Publish(Event)
}

// Publish sends an event through p if p is non-nil
func Publish(p Publisher, t Type, data interface{}) {
	if p == nil {
		return
	}
	p.Publish(Event{Type: t, Timestamp: time.Now(), Data: data})
}

// Bus fans events out to subscribers. Slow subscribers drop events
// rather than stall publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with buffer space
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
