// Package bus carries string-tagged events between the interceptor and the
// review side. The two sides share nothing else.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Event types.
const (
	// TypeOpen announces a parked call that needs a decision.
	TypeOpen = "open"
	// TypeCancel asks for the parked call to be sent as originally issued.
	TypeCancel = "cancel"
	// TypeSubmit asks for the parked call to be sent with Text as the
	// user content.
	TypeSubmit = "submit"
	// TypeAbandon reports that a parked call's caller went away before a
	// decision arrived.
	TypeAbandon = "abandon"
)

// Event is one message on the bus.
type Event struct {
	Type   string    `json:"type"`
	CallID string    `json:"call_id,omitempty"`
	Text   string    `json:"text,omitempty"`
	Tokens []string  `json:"tokens,omitempty"`
	Model  string    `json:"model,omitempty"`
	At     time.Time `json:"at"`
}

// Payload returns the JSON form of the event for streaming transports.
func (e Event) Payload() string {
	b, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Broker fans out events to all subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      atomic.Int64
}

type subscriber struct {
	ch    chan Event
	types map[string]bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		subscribers: make(map[int64]*subscriber),
	}
}

// Subscribe registers a new listener. With no types every event is
// delivered; otherwise only the listed types are. The channel is buffered
// and slow consumers have events dropped.
func (b *Broker) Subscribe(types ...string) (int64, <-chan Event) {
	id := b.nextID.Add(1)
	sub := &subscriber{ch: make(chan Event, subscriberBufSize)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
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
