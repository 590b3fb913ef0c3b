package events

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultSubscriberBuffer = 64

// Hub fans events out to every subscriber. A subscriber that falls behind
// loses events instead of stalling the publisher.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropLog rate.Sometimes
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "event_hub"),
		subs:    make(map[int]chan Event),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropLog.Do(func() {
				h.log.Warn("subscriber buffer full, dropping event", "type", evt.Type)
			})
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
