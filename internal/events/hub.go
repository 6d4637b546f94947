package events

import (
	"sync"
	"time"
)

// Event is one progress or lifecycle notification published on a topic.
// Topics are "generation:<id>" for generation requests and "download:<model>"
// for model downloads.
type Event struct {
	Topic    string    `json:"topic"`
	Type     Type      `json:"type"`
	Fraction float64   `json:"fraction,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

type Type string

const (
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
)

// Hub fans events out to per-topic subscribers. Subscriber channels are owned
// by the subscriber; the hub never closes them and drops events when a
// subscriber is not keeping up.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a new subscriber for topic and returns its channel plus
// a cancel function. The channel is buffered; slow consumers lose events
// rather than stalling publishers.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.topics[topic]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber of ev.Topic.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[ev.Topic] {
		select {
		case ch <- ev:
		default:
			// drop if the subscriber is not reading
		}
	}
}

// Subscribers reports the current subscriber count for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}
