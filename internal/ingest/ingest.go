// Package ingest polls the exchange for finalized candles, validates their
// integrity and persists them, publishing candle.closed for every newly
// stored finalized bar.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/exchange"
	"github.com/regimebot/regimebot/internal/persistence"
)

// IntegrityCategory tags market data integrity failures in the audit trail.
const IntegrityCategory = "market_data_integrity"

// IntervalMs returns the bar interval for a timeframe string, or 0 when the
// timeframe is unknown.
func IntervalMs(timeframe string) int64 {
	switch timeframe {
	case "1m":
		return 60_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "1h":
		return 3_600_000
	default:
		return 0
	}
}

// Pair is one polled (symbol, timeframe) stream.
type Pair struct {
	Symbol    string
	Timeframe string
}

// Config tunes the poller.
type Config struct {
	Pairs        []Pair
	FetchLimit   int           // candles requested per poll
	PollInterval time.Duration // wall-clock poll cadence
}

// DefaultConfig polls 50 bars every 15 seconds.
func DefaultConfig(pairs []Pair) Config {
	return Config{Pairs: pairs, FetchLimit: 50, PollInterval: 15 * time.Second}
}

// Service is the candle ingest poller.
type Service struct {
	cfg      Config
	client   exchange.Client
	candles  persistence.CandleRepo
	bus      *events.Bus
	auditLog *audit.Writer
	now      func() int64
}

// NewService creates the ingest service. The now function is injectable for
// tests and defaults to wall clock milliseconds.
func NewService(cfg Config, client exchange.Client, candles persistence.CandleRepo, bus *events.Bus, auditLog *audit.Writer) *Service {
	return &Service{
		cfg:      cfg,
		client:   client,
		candles:  candles,
		bus:      bus,
		auditLog: auditLog,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (s *Service) SetNowFunc(now func() int64) { s.now = now }

// Run polls all configured pairs until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pair := range s.cfg.Pairs {
				if err := s.PollOnce(ctx, pair); err != nil {
					log.Warn().Err(err).
						Str("symbol", pair.Symbol).
						Str("timeframe", pair.Timeframe).
						Msg("candle poll failed")
				}
			}
		}
	}
}

// PollOnce fetches and processes one batch for a pair. Transport errors are
// returned to the caller; the next poll retries transparently. Integrity
// failures abort the batch without persisting anything.
func (s *Service) PollOnce(ctx context.Context, pair Pair) error {
	candles, err := s.client.GetKlines(ctx, pair.Symbol, pair.Timeframe, s.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	return s.Process(ctx, pair, candles)
}

// Process validates and persists one polled batch.
func (s *Service) Process(ctx context.Context, pair Pair, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	if reason, msg := s.validate(pair, candles); reason != "" {
		event := audit.Categorical(IntegrityCategory, reason, "ingest", domain.AuditError, msg)
		event.InputsHash = domain.HashObject(candles)
		event.Metadata = map[string]interface{}{
			"symbol":    pair.Symbol,
			"timeframe": pair.Timeframe,
			"count":     len(candles),
		}
		s.auditLog.Record(ctx, event)
		return nil
	}

	nowMs := s.now()
	for _, candle := range candles {
		if err := candle.Validate(); err != nil {
			event := audit.Categorical(IntegrityCategory, "invalid_candle", "ingest", domain.AuditError,
				fmt.Sprintf("Invalid candle for %s %s at %d: %v", pair.Symbol, pair.Timeframe, candle.CloseTime, err))
			event.InputsHash = domain.HashObject(candle)
			s.auditLog.Record(ctx, event)
			return nil
		}

		inserted, err := s.candles.Insert(ctx, candle)
		if err != nil {
			return fmt.Errorf("persist candle: %w", err)
		}
		// Re-polled candles are a no-op: no event is re-emitted.
		if inserted && candle.IsClosed(nowMs) {
			s.bus.Publish(events.CandleClosed, events.CandleClosedPayload{Candle: candle})
		}
	}
	return nil
}

// validate checks batch integrity: duplicates, ordering and gaps between
// consecutive close times. The first violation wins.
func (s *Service) validate(pair Pair, candles []domain.Candle) (reason, message string) {
	interval := IntervalMs(pair.Timeframe)

	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].CloseTime, candles[i].CloseTime
		delta := cur - prev

		switch {
		case delta == 0:
			return "duplicate", fmt.Sprintf(
				"Duplicate candle closeTime %d for %s %s", cur, pair.Symbol, pair.Timeframe)
		case delta < 0:
			return "out_of_order", fmt.Sprintf(
				"Out-of-order candle closeTime %d after %d for %s %s", cur, prev, pair.Symbol, pair.Timeframe)
		case interval > 0 && delta > interval:
			return "gap", fmt.Sprintf(
				"Gap detected between closeTime %d and %d for %s %s (interval %dms)",
				prev, cur, pair.Symbol, pair.Timeframe, interval)
		}
	}
	return "", ""
}
