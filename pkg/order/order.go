package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrDuplicate         = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrTerminal          = errors.New("order already in terminal state")
)

// Status is the wire representation of an order's lifecycle stage.
// The exact strings are consumed by clients.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRouting   Status = "ROUTING"
	StatusBuilding  Status = "BUILDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// forward path, in required order
var pipeline = []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed}

func (s Status) rank() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// LogEntry is one line of an order's execution log.
type LogEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Order is a swap request and its execution history.
type Order struct {
	ID          string          `json:"id"`
	InputToken  string          `json:"inputToken"`
	OutputToken string          `json:"outputToken"`
	Amount      decimal.Decimal `json:"amount"`
	Status      Status          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	Logs        []LogEntry      `json:"executionLogs"`

	// RetryPending marks an order whose last delivery hit a transient fault
	// and will be redelivered. It is the only way back into ROUTING.
	RetryPending bool `json:"retryPending,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a PENDING order carrying its queued log entry.
func New(id, inputToken, outputToken string, amount decimal.Decimal, now time.Time) *Order {
	return &Order{
		ID:          id,
		InputToken:  inputToken,
		OutputToken: outputToken,
		Amount:      amount,
		Status:      StatusPending,
		Logs: []LogEntry{{
			Status:    StatusPending,
			Timestamp: now,
			Message:   "Order queued for processing",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Seq is the sequence number of the most recent log entry (1-based).
func (o *Order) Seq() int { return len(o.Logs) }

// CanTransition reports whether the order may move to the given status.
//
// Forward moves go one step at a time along the pipeline. FAILED is
// reachable from every non-terminal state. ROUTING may be re-entered only
// while a retry is pending.
func (o *Order) CanTransition(to Status) bool {
	if o.Status.IsTerminal() || !to.Valid() {
		return false
	}
	switch {
	case to == StatusFailed:
		return true
	case to == StatusRouting && o.RetryPending:
		return true
	default:
		return to.rank() == o.Status.rank()+1
	}
}

// Transition moves the order to a new status and appends the matching log
// entry. It returns the entry and its sequence number.
func (o *Order) Transition(to Status, message string, now time.Time) (LogEntry, int, error) {
	if o.Status.IsTerminal() {
		return LogEntry{}, 0, fmt.Errorf("%w: %s is %s", ErrTerminal, o.ID, o.Status)
	}
	if !o.CanTransition(to) {
		return LogEntry{}, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	if to == StatusRouting {
		o.RetryPending = false
	}
	return o.appendEntry(to, message, now), o.Seq(), nil
}

// Note appends an informational entry without changing status.
func (o *Order) Note(message string, now time.Time) (LogEntry, int, error) {
	if o.Status.IsTerminal() {
		return LogEntry{}, 0, fmt.Errorf("%w: %s is %s", ErrTerminal, o.ID, o.Status)
	}
	return o.appendEntry(o.Status, message, now), o.Seq(), nil
}

// MarkRetryPending records a transient failure. The status is left as is so
// the forward ordering observed by clients is preserved.
func (o *Order) MarkRetryPending(message string, now time.Time) (LogEntry, int, error) {
	entry, seq, err := o.Note(message, now)
	if err != nil {
		return entry, seq, err
	}
	o.RetryPending = true
	return entry, seq, nil
}

func (o *Order) appendEntry(status Status, message string, now time.Time) LogEntry {
	entry := LogEntry{Status: status, Timestamp: now, Message: message}
	o.Logs = append(o.Logs, entry)
	o.UpdatedAt = now
	return entry
}

// Clone returns a deep copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Logs = append([]LogEntry(nil), o.Logs...)
	return &cp
}
