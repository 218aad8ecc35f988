package events

import (
	"sync"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindEvent  Kind = "event"
	KindStatus Kind = "status"
	KindError  Kind = "error"
)

// Notification is an unsolicited message fanned out to all current
// subscribers. Notifications are ephemeral: a subscriber that connects
// late misses prior ones.
type Notification struct {
	Kind      Kind           `json:"kind"`
	Type      string         `json:"type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the producer-side interface of Broadcaster.
type Publisher interface {
	Publish(n Notification)
}

const subscriberBuffer = 64

// Broadcaster fans notifications out to any number of subscribers.
// Delivery is best-effort: a subscriber whose buffer is full misses
// the notification rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Notification]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Notification]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Unsubscribing closes the channel; it is safe to
// call the returned function more than once. Subscribing after Close
// returns an already-closed channel.
func (b *Broadcaster) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish delivers n to every current subscriber. Slow subscribers are
// skipped. Publishing after Close is a no-op.
func (b *Broadcaster) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel and marks the broadcaster
// terminated. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Notification]struct{})
}
