package lifecycle

import (
	"testing"

	"github.com/google/uuid"
)

func TestClientRegistryClaimNotifiesChangedClients(t *testing.T) {
	r := NewClientRegistry()

	stale, unregisterStale := r.Register("v1")
	defer unregisterStale()
	current, unregisterCurrent := r.Register("v2")
	defer unregisterCurrent()

	if _, err := uuid.Parse(stale.ID); err != nil {
		t.Fatalf("client id %q is not a uuid: %v", stale.ID, err)
	}
	if r.Len() != 2 || len(r.IDs()) != 2 {
		t.Fatalf("Len() = %d", r.Len())
	}

	if claimed := r.Claim("v2"); claimed != 1 {
		t.Fatalf("Claim() = %d, want 1", claimed)
	}
	if stale.Controller() != "v2" {
		t.Fatalf("stale controller = %q", stale.Controller())
	}

	select {
	case event := <-stale.Events():
		if event.Type != EventControllerChange || event.Version != "v2" {
			t.Fatalf("event = %+v", event)
		}
	default:
		t.Fatalf("stale client not notified")
	}
	select {
	case event := <-current.Events():
		t.Fatalf("unchanged client notified: %+v", event)
	default:
	}
}

func TestClientRegistryUnregisterClosesEvents(t *testing.T) {
	r := NewClientRegistry()
	c, unregister := r.Register("")
	events := c.Events()

	unregister()
	unregister()

	if r.Len() != 0 {
		t.Fatalf("Len() = %d after unregister", r.Len())
	}
	if _, ok := <-events; ok {
		t.Fatalf("events channel still open")
	}

	r.Broadcast(Event{Type: "ping"})
	if r.Claim("v1") != 0 {
		t.Fatalf("unregistered client claimed")
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	r := NewClientRegistry()
	c, unregister := r.Register("v1")
	defer unregister()

	for i := 0; i < r.buffer+5; i++ {
		r.Broadcast(Event{Type: "ping"})
	}
	if got := len(c.Events()); got != r.buffer {
		t.Fatalf("buffered events = %d, want %d", got, r.buffer)
	}
}
