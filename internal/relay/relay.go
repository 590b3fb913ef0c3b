package relay

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultBuffer = 64

type Fragment struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Forwarder is notified synchronously for every fragment, in publish order.
type Forwarder interface {
	Forward(f Fragment)
}

type ForwarderFunc func(Fragment)

func (fn ForwarderFunc) Forward(f Fragment) { fn(f) }

type Subscription struct {
	C <-chan Fragment

	relay *Relay
	id    int
	once  sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.relay.unsubscribe(s.id) })
}

// Relay republishes transcript fragments. Order is preserved per
// subscriber; a subscriber that stops reading loses fragments.
type Relay struct {
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	subs       map[int]chan Fragment
	forwarders []Forwarder
	nextID     int
	published  uint64

	dropLog rate.Sometimes
}

func New(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:     log.With("component", "transcript_relay"),
		now:     time.Now,
		subs:    make(map[int]chan Fragment),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// AddForwarder registers a synchronous consumer such as the event hub or a
// cross-process publisher.
func (r *Relay) AddForwarder(f Forwarder) {
	r.mu.Lock()
	r.forwarders = append(r.forwarders, f)
	r.mu.Unlock()
}

func (r *Relay) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Fragment, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	return &Subscription{C: ch, relay: r, id: id}
}

func (r *Relay) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// Publish stamps and fans out one fragment. Holding the lock across the
// fan-out keeps concurrent publishers from interleaving per subscriber.
func (r *Relay) Publish(sessionID, text string) {
	if text == "" {
		return
	}
	f := Fragment{SessionID: sessionID, Text: text, ReceivedAt: r.now()}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.published++
	for _, fw := range r.forwarders {
		fw.Forward(f)
	}
	for _, ch := range r.subs {
		select {
		case ch <- f:
		default:
			r.dropLog.Do(func() {
				r.log.Warn("subscriber buffer full, dropping fragment", "session_id", sessionID)
			})
		}
	}
}

func (r *Relay) Published() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
