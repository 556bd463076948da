package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventControllerChange tells a client that a new version now controls it.
const EventControllerChange = "controllerchange"

// Event is pushed to open clients.
type Event struct {
	Type    string    `json:"type"`
	Version string    `json:"version,omitempty"`
	At      time.Time `json:"at"`
}

// Client is one open page (or any consumer) attached to the caching layer.
type Client struct {
	ID string

	mu         sync.Mutex
	controller string
	events     chan Event
	closed     bool
}

// Controller is the version currently serving this client, empty when none.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Events delivers notifications. The channel is closed on unregister.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ClientRegistry tracks open clients so activation can claim them.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  int
	now     func() time.Time
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		buffer:  8,
		now:     time.Now,
	}
}

// Register adds a client controlled by controller. The returned func removes it
// and closes its event channel.
func (r *ClientRegistry) Register(controller string) (*Client, func()) {
	c := &Client{
		ID:         uuid.NewString(),
		controller: controller,
		events:     make(chan Event, r.buffer),
	}

	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.clients, c.ID)
			r.mu.Unlock()

			c.mu.Lock()
			c.closed = true
			close(c.events)
			c.mu.Unlock()
		})
	}
}

// Claim makes version the controller of every open client and notifies the
// ones that changed. It returns how many clients changed controller.
func (r *ClientRegistry) Claim(version string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claimed := 0
	event := Event{Type: EventControllerChange, Version: version, At: r.now().UTC()}
	for _, c := range r.clients {
		c.mu.Lock()
		if c.controller != version {
			c.controller = version
			claimed++
			deliver(c, event)
		}
		c.mu.Unlock()
	}
	return claimed
}

// Broadcast sends event to every open client. Slow clients drop events.
func (r *ClientRegistry) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.mu.Lock()
		deliver(c, event)
		c.mu.Unlock()
	}
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IDs lists registered client ids in sorted order.
func (r *ClientRegistry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// deliver never blocks. Caller holds c.mu.
func deliver(c *Client, event Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
	}
}
