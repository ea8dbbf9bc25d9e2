package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/metrics"
	"github.com/swapflow/executor/pkg/order"
)

// WebSocket close codes used by the multiplexer (RFC 6455 §7.4.1).
const (
	CloseGoingAway     = 1001
	ClosePolicy        = 1008
	CloseTryAgainLater = 1013
)

var (
	ErrMissingOrderID = errors.New("orderId is required to subscribe")
	ErrClosed         = errors.New("multiplexer closed")
)

// Conn is the client side of one subscription. Implementations must allow
// Send and Close from different goroutines.
type Conn interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Finder loads the order used for the initial snapshot.
type Finder interface {
	FindByID(ctx context.Context, id string) (*order.Order, error)
}

// Snapshot is the first message a subscriber receives: the order as stored
// when the subscription started.
type Snapshot struct {
	OrderID       string           `json:"orderId"`
	Status        order.Status     `json:"status"`
	ExecutionLogs []order.LogEntry `json:"executionLogs"`
	Message       string           `json:"message"`
	TxHash        string           `json:"txHash,omitempty"`
	Seq           int              `json:"seq"`
}

func snapshotOf(o *order.Order) Snapshot {
	return Snapshot{
		OrderID:       o.ID,
		Status:        o.Status,
		ExecutionLogs: o.Logs,
		Message:       fmt.Sprintf("Current status: %s", o.Status),
		TxHash:        o.TxHash,
		Seq:           o.Seq(),
	}
}

// Multiplexer binds client connections to the event stream of one order
// each.
type Multiplexer struct {
	orders  Finder
	events  broadcast.Subscriber
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[*Attachment]struct{}
	closed bool
}

func New(orders Finder, events broadcast.Subscriber, logger *zap.SugaredLogger, m *metrics.Metrics) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Multiplexer{
		orders:  orders,
		events:  events,
		log:     logger,
		metrics: m,
		active:  make(map[*Attachment]struct{}),
	}
}

// Attachment is one live subscription.
type Attachment struct {
	mux     *Multiplexer
	conn    Conn
	orderID string
	sub     *broadcast.Subscription

	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	detached atomic.Bool
	done     chan struct{}
}

func (a *Attachment) OrderID() string { return a.orderID }

// Done is closed once the attachment has stopped delivering.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Attach subscribes conn to orderID. The event filter is registered before
// the snapshot is read, so no update can fall between the two; live events
// already covered by the snapshot are skipped.
func (m *Multiplexer) Attach(conn Conn, orderID string) (*Attachment, error) {
	if orderID == "" {
		_ = conn.Close(ClosePolicy, ErrMissingOrderID.Error())
		return nil, ErrMissingOrderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub, err := m.events.Subscribe(orderID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", orderID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Attachment{
		mux:     m,
		conn:    conn,
		orderID: orderID,
		sub:     sub,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.active[a] = struct{}{}
	m.metrics.SubscriberAttached()
	m.log.Debugw("subscription_attached", "order_id", orderID)

	go a.pump()
	return a, nil
}

// Detach removes the subscription. Only the first call has any effect. The
// connection itself is left to its owner.
func (a *Attachment) Detach() {
	a.once.Do(func() {
		a.detached.Store(true)
		a.cancel()
		a.sub.Close()

		a.mux.mu.Lock()
		delete(a.mux.active, a)
		a.mux.mu.Unlock()

		a.mux.metrics.SubscriberDetached()
		a.mux.log.Debugw("subscription_detached", "order_id", a.orderID)
	})
}

func (a *Attachment) pump() {
	defer close(a.done)
	defer a.Detach()

	seen := 0
	o, err := a.mux.orders.FindByID(a.ctx, a.orderID)
	switch {
	case err == nil:
		snap := snapshotOf(o)
		seen = snap.Seq
		if err := a.conn.Send(snap); err != nil {
			return
		}
	case errors.Is(err, order.ErrNotFound):
		// the order may not exist yet; keep streaming
	case a.ctx.Err() != nil:
		return
	default:
		a.mux.log.Warnw("subscription_snapshot_failed", "order_id", a.orderID, "err", err)
	}

	for e := range a.sub.C() {
		if e.Seq > 0 && e.Seq <= seen {
			continue
		}
		if err := a.conn.Send(e); err != nil {
			a.mux.log.Debugw("subscription_send_failed", "order_id", a.orderID, "err", err)
			return
		}
	}

	if a.detached.Load() {
		return
	}
	if a.sub.Dropped() {
		_ = a.conn.Close(CloseTryAgainLater, "subscriber too slow")
		return
	}
	_ = a.conn.Close(CloseGoingAway, "server shutting down")
}

// Active is the number of attached subscriptions.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close detaches every subscription and rejects new ones.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	list := make([]*Attachment, 0, len(m.active))
	for a := range m.active {
		list = append(list, a)
	}
	m.mu.Unlock()

	for _, a := range list {
		_ = a.conn.Close(CloseGoingAway, "server shutting down")
		a.Detach()
	}
}
