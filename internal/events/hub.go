package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Webhook delivery lifecycle event types.
const (
	WebhookEnqueued       = "webhook.enqueued"
	WebhookDelivered      = "webhook.delivered"
	WebhookRetryScheduled = "webhook.retry_scheduled"
	WebhookDeadLettered   = "webhook.dead_lettered"
	WebhookReaped         = "webhook.reaped"
	WebhookRequeued       = "webhook.requeued"
	WebhookReplayed       = "webhook.replayed"

	// MaintenanceRan is published when a maintenance job removed something.
	MaintenanceRan = "maintenance.ran"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

const subscriberBuffer = 64

// Hub fans events out to subscribers and keeps the most recent ones so a
// client that reconnects with Last-Event-ID can catch up.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	history []Event
	head    int
	full    bool
	subs    map[chan Event]struct{}
	now     func() time.Time
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		history: make([]Event, capacity),
		subs:    make(map[chan Event]struct{}),
		now:     time.Now,
	}
}

// Publish records an event and offers it to every subscriber. Subscribers
// that are not keeping up miss it; the publisher never blocks.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: h.now().UTC(), Data: payload}

	h.history[h.head] = ev
	h.head = (h.head + 1) % len(h.history)
	if h.head == 0 {
		h.full = true
	}

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of new events and a func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with ID greater than lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []Event
	if h.full {
		ordered = append(ordered, h.history[h.head:]...)
	}
	ordered = append(ordered, h.history[:h.head]...)

	out := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers is the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
