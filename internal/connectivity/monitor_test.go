package connectivity

import (
	"testing"
	"time"

	"github.com/habitado/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMonitor(nil)
	if m.Current() != Unknown {
		t.Errorf("initial state = %s, want UNKNOWN", m.Current())
	}
	if m.Online() {
		t.Error("Online() = true before any observation")
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name string
		walk []Status
		want Status
	}{
		{"first observation online", []Status{Online}, Online},
		{"first observation offline", []Status{Offline}, Offline},
		{"offline then recovered", []Status{Offline, Online}, Online},
		{"online then lost", []Status{Online, Offline}, Offline},
		{"flap", []Status{Online, Offline, Online}, Online},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(nil)
			for _, s := range tt.walk {
				m.Set(s)
			}
			if m.Current() != tt.want {
				t.Errorf("state = %s, want %s", m.Current(), tt.want)
			}
		})
	}
}

func TestRepeatedObservationIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMonitor(b)
	if !m.Set(Online) {
		t.Fatal("first Set(Online) should transition")
	}
	if m.Set(Online) {
		t.Error("repeated Set(Online) should be a no-op")
	}

	// Exactly one event.
	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMonitor(b)
	m.Set(Offline)
	m.Set(Online)

	evt := <-ch
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Unknown || change.To != Offline {
		t.Errorf("first change = %v", change)
	}

	evt = <-ch
	change = evt.Payload.(StatusChange)
	if change.From != Offline || change.To != Online {
		t.Errorf("second change = %v", change)
	}
}
