package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/regimebot/regimebot/internal/domain"
)

// PaperClient simulates the exchange for development and test runs. Limit
// orders fill immediately at their price when FillLimits is true, otherwise
// they rest OPEN until canceled; market orders always fill at MarkPrice
// (falling back to the order price when no mark is set).
type PaperClient struct {
	mu         sync.Mutex
	FillLimits bool
	FeeRate    float64
	markPrices map[string]float64
	orders     map[string]OrderResult
	klines     map[string][]domain.Candle
}

// NewPaperClient creates an empty paper exchange.
func NewPaperClient() *PaperClient {
	return &PaperClient{
		FillLimits: true,
		markPrices: make(map[string]float64),
		orders:     make(map[string]OrderResult),
		klines:     make(map[string][]domain.Candle),
	}
}

// SetMark sets the simulated mark price for a symbol.
func (p *PaperClient) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markPrices[symbol] = price
}

// SeedKlines loads candles returned by GetKlines for a symbol/interval.
func (p *PaperClient) SeedKlines(symbol, interval string, candles []domain.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.klines[symbol+"/"+interval] = candles
}

func (p *PaperClient) GetKlines(_ context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candles := p.klines[symbol+"/"+interval]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]domain.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *PaperClient) PlaceLimit(_ context.Context, symbol string, side domain.Side, price, qty float64, clientOrderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[clientOrderID]; ok {
		return existing, nil
	}

	result := OrderResult{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", time.Now().UnixNano()),
		Status:          domain.OrderStatusOpen,
	}
	if p.FillLimits {
		result.Status = domain.OrderStatusFilled
		result.AvgFillPrice = price
		result.FilledQty = qty
		result.Fee = price * qty * p.FeeRate
	}
	p.orders[clientOrderID] = result
	return result, nil
}

func (p *PaperClient) PlaceMarket(_ context.Context, symbol string, side domain.Side, qty float64, clientOrderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[clientOrderID]; ok {
		return existing, nil
	}

	price := p.markPrices[symbol]
	result := OrderResult{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", time.Now().UnixNano()),
		Status:          domain.OrderStatusFilled,
		AvgFillPrice:    price,
		FilledQty:       qty,
		Fee:             price * qty * p.FeeRate,
	}
	p.orders[clientOrderID] = result
	return result, nil
}

func (p *PaperClient) GetOrder(_ context.Context, _ string, clientOrderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.orders[clientOrderID]
	if !ok {
		return OrderResult{}, fmt.Errorf("paper order %q not found", clientOrderID)
	}
	return result, nil
}

func (p *PaperClient) CancelOrder(_ context.Context, _ string, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("paper order %q not found", clientOrderID)
	}
	if result.Status == domain.OrderStatusOpen {
		result.Status = domain.OrderStatusCanceled
		p.orders[clientOrderID] = result
	}
	return nil
}
