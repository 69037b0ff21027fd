package api

import (
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/supervisor"
)

// EventHub fans supervisor events out to websocket subscribers. Slow
// subscribers miss events rather than block the supervisor.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan supervisor.Event]struct{}
	last *supervisor.Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan supervisor.Event]struct{})}
}

// Publish has the signature of a supervisor event handler.
func (h *EventHub) Publish(ev supervisor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &ev
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events.
func (h *EventHub) Subscribe() chan supervisor.Event {
	ch := make(chan supervisor.Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan supervisor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Last returns the most recent event, if any.
func (h *EventHub) Last() (supervisor.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return supervisor.Event{}, false
	}
	return *h.last, true
}

func (h *EventHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
