package kernel

import "testing"

func TestObserversNotifyDeliversToAllRegistered(t *testing.T) {
	o := NewObservers()
	var a, b []LifecycleEvent
	o.Register(func(ev LifecycleEvent) { a = append(a, ev) })
	o.Register(func(ev LifecycleEvent) { b = append(b, ev) })

	o.Notify(LifecycleEvent{Kind: MoteAdded, MoteID: "m1"})

	if len(a) != 1 || a[0].Kind != MoteAdded || a[0].MoteID != "m1" {
		t.Fatalf("observer a received %+v", a)
	}
	if len(b) != 1 || b[0].Kind != MoteAdded || b[0].MoteID != "m1" {
		t.Fatalf("observer b received %+v", b)
	}
}

func TestObserversUnregisterStopsDelivery(t *testing.T) {
	o := NewObservers()
	var got int
	h := o.Register(func(LifecycleEvent) { got++ })
	o.Unregister(h)

	o.Notify(LifecycleEvent{Kind: Stopped})

	if got != 0 {
		t.Fatalf("got %d notifications after Unregister, want 0", got)
	}
}

func TestObserversUnregisterUnknownHandleIsNoop(t *testing.T) {
	o := NewObservers()
	o.Unregister(Handle(999))
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		Started:       "started",
		Stopped:       "stopped",
		MoteAdded:     "mote_added",
		MoteRemoved:   "mote_removed",
		ConfigChanged: "config_changed",
		EventKind(99): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("EventKind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}
