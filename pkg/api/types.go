package api

import (
	"github.com/shopspring/decimal"

	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
)

// API request/response types for REST endpoints

// ExecuteOrderRequest is the body of POST /api/orders/execute
type ExecuteOrderRequest struct {
	InputToken  string          `json:"inputToken" validate:"required,max=64"`
	OutputToken string          `json:"outputToken" validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount" validate:"positive"` // number or numeric string
}

// ExecuteOrderResponse acknowledges an accepted order
type ExecuteOrderResponse struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	WebSocket string       `json:"websocket"` // path to stream updates
	Message   string       `json:"message"`
}

// FailedJobsResponse lists jobs that exhausted their attempts
type FailedJobsResponse struct {
	Jobs  []queue.Job `json:"jobs"`
	Count int         `json:"count"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
