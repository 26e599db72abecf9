// Package events fans out lifecycle events (requests, screenshots, peer
// session transitions) to in-process subscribers and to SSE/WebSocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 64

// Event types published by the server and the peer.
const (
	TypeRequestCreated  = "request.created"
	TypeRequestCaptured = "request.captured"
	TypeRequestTimedOut = "request.timeout"
	TypeScreenshotSaved = "screenshot.saved"
	TypeSessionChanged  = "session.changed"
	TypePeerPolled      = "peer.polled"
)

// Event is a single published notification.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Broker fans out events to all subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new subscriber. The channel is buffered; slow
// consumers will have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
