// Package execution drives orders through their lifecycle against a broker
// gateway and owns the book of open positions.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

var (
	// ErrTimedOut means retries were exhausted and reconciliation found no result.
	ErrTimedOut = errors.New("gateway call timed out")
	// ErrRejected means the broker refused the request.
	ErrRejected = errors.New("rejected by broker")
	// ErrUnknownPosition means the position id is not in the book.
	ErrUnknownPosition = errors.New("unknown position")
	// ErrCloseInProgress means another Close for the same position has not returned yet.
	ErrCloseInProgress = errors.New("close already in progress")
)

// OrderRequest is a market order with attached protective levels.
type OrderRequest struct {
	ClientID   string           `json:"client_id"`
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	Size       float64          `json:"size"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
	Comment    string           `json:"comment,omitempty"`
}

// OrderStatus is the broker's verdict on a submitted order.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
)

// OrderResult is returned by SubmitOrder.
type OrderResult struct {
	ID         string      `json:"id"`
	Status     OrderStatus `json:"status"`
	FillPrice  float64     `json:"fill_price"`
	FilledSize float64     `json:"filled_size"`
	Message    string      `json:"message,omitempty"`
}

// Result is returned by ModifyOrder and CloseOrder.
type Result struct {
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
}

// Position is an open broker position.
type Position struct {
	ID         string           `json:"id"`
	ClientID   string           `json:"client_id"`
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	Size       float64          `json:"size"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
	OpenedAt   time.Time        `json:"opened_at"`
	Confidence float64          `json:"confidence"`
}

// Account is the broker account reading.
type Account struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Margin  float64 `json:"margin"`
}

// Gateway is the broker execution capability. Implementations return
// *ConnectionError for transport failures and *RejectError for refusals.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyOrder(ctx context.Context, id string, sl, tp float64) (Result, error)
	CloseOrder(ctx context.Context, id string) (Result, error)
	Positions(ctx context.Context) ([]Position, error)
	AccountState(ctx context.Context) (Account, error)
}

// Deal is a closed position as recorded by the broker.
type Deal struct {
	PositionID string    `json:"position_id"`
	ClosePrice float64   `json:"close_price"`
	Profit     float64   `json:"profit"`
	Reason     string    `json:"reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// DealHistory is implemented by gateways that can report how a position closed.
type DealHistory interface {
	Deal(ctx context.Context, positionID string) (Deal, bool, error)
}

// ConnectionError is a retryable transport failure whose outcome is unknown.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectError is a terminal refusal by the broker.
type RejectError struct {
	Op      string
	Code    int
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: rejected (%d): %s", e.Op, e.Code, e.Message)
}

// Unwrap lets callers match ErrRejected.
func (e *RejectError) Unwrap() error { return ErrRejected }
