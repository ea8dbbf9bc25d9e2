package queue

import (
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

// Job is one unit of work: execute the order with the given id.
type Job struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"orderId"`
	Attempt     int       `json:"attempt"` // 1-based delivery number
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	FailedAt    time.Time `json:"failedAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// Final reports whether this delivery is the last one the policy allows.
func (j Job) Final() bool { return j.Attempt >= j.MaxAttempts }

// PermanentError marks a handler error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
