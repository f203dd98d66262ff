package api

import (
	"sync"
	"time"
)

// AlarmEvent is pushed to WatchAlarms subscribers when the monitor raises a
// new alarm.
type AlarmEvent struct {
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Hub fans alarm events out to subscribers. Slow subscribers drop events
// rather than block the monitor.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan AlarmEvent
	now    func() time.Time
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan AlarmEvent),
		now:  time.Now,
	}
}

// Publish sends an event to every subscriber without blocking.
func (h *Hub) Publish(symbol, message string) {
	evt := AlarmEvent{Symbol: symbol, Message: message, Time: h.now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size.
func (h *Hub) Subscribe(bufSize int) (id int, ch <-chan AlarmEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id = h.nextID
	h.nextID++
	c := make(chan AlarmEvent, bufSize)
	h.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
