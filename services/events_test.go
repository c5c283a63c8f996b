package services

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

// publish emits one event the way the session service does outside its lock.
func (b *broadcaster) publish(e core.Event) {
	b.enqueue(e)
	b.drain()
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := newBroadcaster(zerolog.Nop())
	var got []core.EventType
	b.subscribe(func(e core.Event) { got = append(got, e.Type) })

	b.publish(core.LoginEvent(admin, t0))
	b.publish(core.TokenRefreshEvent(t0))
	b.publish(core.LogoutEvent(t0))

	want := []core.EventType{core.EventLogin, core.EventTokenRefresh, core.EventLogout}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// Requirement: events published from inside a listener are delivered after
// the current one, to every subscriber.
func TestBroadcaster_ReentrantPublishIsQueued(t *testing.T) {
	b := newBroadcaster(zerolog.Nop())
	var first, second []core.EventType

	b.subscribe(func(e core.Event) {
		first = append(first, e.Type)
		if e.Type == core.EventLogin {
			b.publish(core.LogoutEvent(t0))
		}
	})
	b.subscribe(func(e core.Event) { second = append(second, e.Type) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.publish(core.LoginEvent(admin, t0))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}

	for name, got := range map[string][]core.EventType{"first": first, "second": second} {
		if len(got) != 2 || got[0] != core.EventLogin || got[1] != core.EventLogout {
			t.Errorf("%s listener got %v, want [login logout]", name, got)
		}
	}
}

func TestBroadcaster_UnsubscribeDuringDelivery(t *testing.T) {
	b := newBroadcaster(zerolog.Nop())
	var laterCalls int

	var unsubscribeLater func()
	b.subscribe(func(core.Event) { unsubscribeLater() })
	unsubscribeLater = b.subscribe(func(core.Event) { laterCalls++ })

	b.publish(core.LogoutEvent(t0))

	if laterCalls != 0 {
		t.Errorf("removed listener called %d times, want 0", laterCalls)
	}
	if got := b.count(); got != 1 {
		t.Errorf("count() = %d, want 1", got)
	}
}

func TestBroadcaster_PanickingListenerDoesNotStopOthers(t *testing.T) {
	b := newBroadcaster(zerolog.Nop())
	var calls int

	b.subscribe(func(core.Event) { panic("boom") })
	b.subscribe(func(core.Event) { calls++ })

	b.publish(core.ErrorEvent("x", t0))
	b.publish(core.ErrorEvent("y", t0))

	if calls != 2 {
		t.Errorf("healthy listener calls = %d, want 2", calls)
	}
}
