package broadcast

import (
	"context"
	"time"

	"github.com/swapflow/executor/pkg/order"
)

// Topic is the shared channel every status change is announced on.
const Topic = "order-updates"

// Event is one announced log entry of an order. Seq is the entry's position
// in the order's execution log, so consumers holding a snapshot can drop
// events they have already seen.
type Event struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message"`
	TxHash    string       `json:"txHash,omitempty"`
	Seq       int          `json:"seq"`
}

// EventFromEntry builds the event announcing a freshly appended log entry.
func EventFromEntry(orderID string, entry order.LogEntry, seq int) Event {
	return Event{
		OrderID:   orderID,
		Status:    entry.Status,
		Timestamp: entry.Timestamp,
		Message:   entry.Message,
		Seq:       seq,
	}
}

// Publisher announces events. Publish is fire-and-forget: zero subscribers
// is not an error.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber hands out order-scoped streams. An empty order id subscribes
// to every order.
type Subscriber interface {
	Subscribe(orderID string) (*Subscription, error)
}

type Broadcaster interface {
	Publisher
	Subscriber
}
