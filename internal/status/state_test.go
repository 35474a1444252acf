package status

import (
	"testing"

	"github.com/matheus3301/chatd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Restoring},
		{Booting, Failed},
		{Restoring, Serving},
		{Restoring, Failed},
		{Serving, Draining},
		{Draining, Stopped},
		{Failed, Stopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Serving},
		{Serving, Restoring},
		{Stopped, Booting},
		{Draining, Serving},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want unchanged %s", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Restoring); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.DaemonStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.DaemonStateChanged)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Booting || change.To != Restoring {
		t.Errorf("change = %v -> %v, want BOOTING -> RESTORING", change.From, change.To)
	}
	if evt.Timestamp.IsZero() || !evt.Timestamp.Equal(m.Since()) {
		t.Errorf("event timestamp = %v, since = %v", evt.Timestamp, m.Since())
	}
}

func TestFullLifecycle(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Restoring, Serving, Draining, Stopped} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:   {},
		Restoring: {Restoring},
		Serving:   {Restoring, Serving},
		Draining:  {Restoring, Serving, Draining},
		Stopped:   {Restoring, Serving, Draining, Stopped},
		Failed:    {Failed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
