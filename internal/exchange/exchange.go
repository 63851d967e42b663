// Package exchange provides the derivatives exchange HTTP client consumed by
// ingest and execution, plus a paper simulator implementing the same
// interface for non-production runs.
package exchange

import (
	"context"
	"fmt"

	"github.com/regimebot/regimebot/internal/domain"
)

// OrderResult is the exchange-side view of an order after a call.
type OrderResult struct {
	ClientOrderID   string             `json:"clientOrderId"`
	ExchangeOrderID string             `json:"exchangeOrderId"`
	Status          domain.OrderStatus `json:"status"`
	AvgFillPrice    float64            `json:"avgFillPrice"`
	FilledQty       float64            `json:"filledQty"`
	Fee             float64            `json:"fee"`
}

// Client is the exchange surface the pipeline consumes. Implementations must
// honor context cancellation on every call.
type Client interface {
	// GetKlines fetches the last limit candles for symbol/interval,
	// oldest-first.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)

	// PlaceLimit submits a limit order identified by clientOrderID.
	PlaceLimit(ctx context.Context, symbol string, side domain.Side, price, qty float64, clientOrderID string) (OrderResult, error)

	// PlaceMarket submits a market order identified by clientOrderID.
	PlaceMarket(ctx context.Context, symbol string, side domain.Side, qty float64, clientOrderID string) (OrderResult, error)

	// GetOrder returns the current state of an order by client order id.
	GetOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)

	// CancelOrder cancels an open order by client order id.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// NetworkError is the typed transport failure returned after retries are
// exhausted or the circuit opens.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("exchange %s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("exchange %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is retried by the client
// (429, 5xx and transport errors).
func (e *NetworkError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
