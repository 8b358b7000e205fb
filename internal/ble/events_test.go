package ble

import "testing"

func TestBusIsolatesPanickingSubscriber(t *testing.T) {
	var b Bus
	var got []EventType
	b.Subscribe(func(e Event) { panic("boom") })
	b.Subscribe(func(e Event) { got = append(got, e.Type) })

	b.Publish(Event{Type: EventConnected})
	b.Publish(Event{Type: EventData})

	if len(got) != 2 || got[0] != EventConnected || got[1] != EventData {
		t.Errorf("second subscriber got %v, want [connected data]", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	var b Bus
	n := 0
	unsub := b.Subscribe(func(Event) { n++ })
	b.Publish(Event{Type: EventData})
	unsub()
	unsub()
	b.Publish(Event{Type: EventData})

	if n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestBusStampsTime(t *testing.T) {
	var b Bus
	var e Event
	b.Subscribe(func(got Event) { e = got })
	b.Publish(Event{Type: EventDisconnected})
	if e.Time.IsZero() {
		t.Error("published event has zero Time")
	}
}
