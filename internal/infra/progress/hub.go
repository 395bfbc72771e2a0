// Package progress fans task progress events out to subscribers grouped
// by room. Rooms are plain strings; the tracker publishes each event to
// the task room and the owning user's room.
package progress

import (
	"sync"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/metrics"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind is dropped rather than allowed to stall
// publication for everyone else in the room.
const subscriberBuffer = 64

type subscriber struct {
	room      string
	ch        chan domain.ProgressEvent
	closeOnce sync.Once
}

// shut closes the subscriber channel exactly once, whether the close
// comes from the subscriber's cancel or from a publish-side drop.
func (s *subscriber) shut() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Hub is an in-process publish/subscribe fan-out keyed by room name.
// Publication order within a room is the order of Publish calls.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers interest in a room. The returned cancel func
// removes the subscription and closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe(room string) (<-chan domain.ProgressEvent, func()) {
	sub := &subscriber{room: room, ch: make(chan domain.ProgressEvent, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.rooms[room] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		h.removeLocked(sub)
		h.mu.Unlock()
		sub.shut()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber of room. Subscribers whose
// buffers are full are removed and their channels closed; Publish never
// blocks on a slow consumer.
func (h *Hub) Publish(room string, ev domain.ProgressEvent) {
	h.mu.Lock()
	var dropped []*subscriber
	for sub := range h.rooms[room] {
		select {
		case sub.ch <- ev:
		default:
			h.removeLocked(sub)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.shut()
		metrics.ProgressDropped.Inc()
	}
	metrics.ProgressEvents.Inc()
}

// Subscribers reports the current subscriber count for a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) removeLocked(sub *subscriber) {
	set, ok := h.rooms[sub.room]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.rooms, sub.room)
	}
}
