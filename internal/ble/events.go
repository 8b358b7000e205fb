package ble

import (
	"log/slog"
	"sync"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

// EventType identifies a session event.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventData
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is published to subscribers on connect, disconnect and every decoded
// notification. Reading is set only for EventData; RSSI is the link RSSI at
// publish time, if known.
type Event struct {
	Type     EventType
	Identity Identity
	Reading  *protocol.Reading
	RSSI     *int
	Time     time.Time
}

// Bus fans events out to subscribers synchronously, in subscription order.
// A panicking subscriber is logged and skipped; the rest still receive the event.
type Bus struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	fn func(Event)
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		deliver(s.fn, e)
	}
}

func deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] event subscriber panicked", "event", e.Type.String(), "panic", r)
		}
	}()
	fn(e)
}
