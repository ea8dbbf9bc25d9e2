package broadcast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/swapflow/executor/pkg/metrics"
)

var ErrHubClosed = errors.New("broadcast hub closed")

const DefaultBufferSize = 256

// Hub is the in-process broadcaster. Subscriptions are indexed by order id
// so a publish only touches the subscribers of that order.
//
// Events from one publisher reach every subscriber in publish order. A
// subscriber whose buffer is full is dropped (its channel is closed) rather
// than silently skipping events.
type Hub struct {
	mu      sync.Mutex
	byOrder map[string]map[*Subscription]struct{}
	all     map[*Subscription]struct{}
	buffer  int
	closed  bool

	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewHub(buffer int, logger *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		byOrder: make(map[string]map[*Subscription]struct{}),
		all:     make(map[*Subscription]struct{}),
		buffer:  buffer,
		log:     logger,
		metrics: m,
	}
}

// Subscription is one registered listener on the hub.
type Subscription struct {
	hub     *Hub
	orderID string
	ch      chan Event
	closed  bool // guarded by hub.mu
	dropped bool // guarded by hub.mu
}

// C streams matching events. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) OrderID() string { return s.orderID }

// Close removes the listener. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Dropped reports whether the hub closed the subscription for falling behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

func (h *Hub) Subscribe(orderID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{hub: h, orderID: orderID, ch: make(chan Event, h.buffer)}
	if orderID == "" {
		h.all[sub] = struct{}{}
		return sub, nil
	}
	set, ok := h.byOrder[orderID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.byOrder[orderID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.dispatchLocked(e)
	return nil
}

// Dispatch delivers an event that arrived from elsewhere (e.g. a network
// transport) to local subscribers.
func (h *Hub) Dispatch(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.dispatchLocked(e)
}

func (h *Hub) dispatchLocked(e Event) {
	for sub := range h.byOrder[e.OrderID] {
		h.sendLocked(sub, e)
	}
	for sub := range h.all {
		h.sendLocked(sub, e)
	}
}

func (h *Hub) sendLocked(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
	default:
		sub.dropped = true
		h.removeLocked(sub)
		h.metrics.SubscriberDropped()
		h.log.Warnw("subscriber_dropped", "order_id", sub.orderID, "buffer", h.buffer)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	if sub.orderID == "" {
		delete(h.all, sub)
		return
	}
	set := h.byOrder[sub.orderID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.byOrder, sub.orderID)
	}
}

// Len is the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.all)
	for _, set := range h.byOrder {
		n += len(set)
	}
	return n
}

// Close ends every subscription. Later publishes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.all {
		h.removeLocked(sub)
	}
	for _, set := range h.byOrder {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
}

var _ Broadcaster = (*Hub)(nil)
