package server

import (
	"sync"
	"sync/atomic"

	"banto/internal/observability"
	"banto/internal/orchestrator"
)

// subscriberBuffer bounds each subscriber's backlog. A slow websocket
// client loses events rather than stalling the pipeline.
const subscriberBuffer = 64

// Hub fans pipeline events out to websocket subscribers. It implements
// orchestrator.EventSink, so Publish never blocks: a subscriber whose
// buffer is full simply misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan orchestrator.Event]struct{}
	closed  bool
	logger  *observability.Logger
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Hub{
		subs:   make(map[chan orchestrator.Event]struct{}),
		logger: logger,
	}
}

// Publish delivers the event to every subscriber that has buffer room.
func (h *Hub) Publish(event orchestrator.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			if n := h.dropped.Add(1); n%100 == 1 {
				h.logger.Warn("event feed subscriber lagging, events dropped", "total_dropped", n)
			}
		}
	}
}

// Subscribe registers a new event consumer. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than
// once. After the hub closes, the channel is closed too, so range loops
// terminate.
func (h *Hub) Subscribe() (<-chan orchestrator.Event, func()) {
	ch := make(chan orchestrator.Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close shuts the hub down, closing every subscriber channel. Publish
// becomes a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// SubscriberCount reports how many consumers are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many events were lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
