// Package features computes the per-candle feature vector on every closed
// candle and emits features.ready.
package features

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/domain/indicators"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence"
)

// Config tunes the feature computation windows.
type Config struct {
	MaxLookback  int // candles loaded per computation
	MinCandles   int // required history, else skip
	MinReturns   int // required usable log returns, else skip
	ATRPeriod    int
	BBPeriod     int
	BBStdDevs    float64
	BBWindow     int // widths sampled for the width percentile
	SigmaWindow  int // sigmas sampled for the sigma-norm median
	VolumeWindow int // volumes sampled for the volume percentile
	SlopeLag     int // EMA50 slope lag in bars
	Lambda5m     float64
	Lambda1m     float64
}

// DefaultConfig mirrors the production windows: 260-bar lookback, 205-bar
// minimum, EWMA lambda 0.97 on 5m and 0.94 elsewhere.
func DefaultConfig() Config {
	return Config{
		MaxLookback:  260,
		MinCandles:   205,
		MinReturns:   30,
		ATRPeriod:    14,
		BBPeriod:     20,
		BBStdDevs:    2,
		BBWindow:     100,
		SigmaWindow:  50,
		VolumeWindow: 100,
		SlopeLag:     5,
		Lambda5m:     0.97,
		Lambda1m:     0.94,
	}
}

// Service computes feature vectors from candle history.
type Service struct {
	cfg      Config
	candles  persistence.CandleRepo
	features persistence.FeatureRepo
	bus      *events.Bus
	auditLog *audit.Writer
}

// NewService creates the feature service.
func NewService(cfg Config, candles persistence.CandleRepo, features persistence.FeatureRepo, bus *events.Bus, auditLog *audit.Writer) *Service {
	return &Service{cfg: cfg, candles: candles, features: features, bus: bus, auditLog: auditLog}
}

// Attach subscribes the service to candle.closed.
func (s *Service) Attach(ctx context.Context) events.Unsubscribe {
	return s.bus.Subscribe(events.CandleClosed, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.CandleClosedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return s.OnCandleClosed(ctx, payload.Candle)
	})
}

// OnCandleClosed computes, persists and announces the feature vector for the
// candle. Insufficient history is a silent skip, not an error.
func (s *Service) OnCandleClosed(ctx context.Context, candle domain.Candle) error {
	history, err := s.candles.ListRecent(ctx, candle.Symbol, candle.Timeframe, candle.CloseTime, s.cfg.MaxLookback)
	if err != nil {
		return fmt.Errorf("load candle history: %w", err)
	}

	feature, ok := s.Compute(candle.Symbol, candle.Timeframe, history)
	if !ok {
		log.Debug().
			Str("symbol", candle.Symbol).
			Str("timeframe", candle.Timeframe).
			Int("candles", len(history)).
			Msg("feature computation skipped, insufficient history")
		return nil
	}

	if err := s.features.Upsert(ctx, feature); err != nil {
		return fmt.Errorf("upsert feature: %w", err)
	}

	event := audit.Structured("features.compute", domain.AuditInfo,
		fmt.Sprintf("features computed for %s %s @ %d", feature.Symbol, feature.Timeframe, feature.CloseTime),
		candle, feature)
	event.Metadata = map[string]interface{}{
		"symbol":    feature.Symbol,
		"timeframe": feature.Timeframe,
		"closeTime": feature.CloseTime,
	}
	s.auditLog.Record(ctx, event)

	s.bus.Publish(events.FeaturesReady, events.FeaturesReadyPayload{Feature: feature})
	return nil
}

// Compute derives the feature vector from oldest-first history ending at the
// target close. Returns false when history or usable returns fall short.
func (s *Service) Compute(symbol, timeframe string, history []domain.Candle) (domain.FeatureVector, bool) {
	if len(history) < s.cfg.MinCandles {
		return domain.FeatureVector{}, false
	}

	n := len(history)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range history {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	latest := history[n-1]

	returns := indicators.LogReturns(closes)
	if len(returns) < s.cfg.MinReturns {
		return domain.FeatureVector{}, false
	}

	lambda := s.cfg.Lambda1m
	if timeframe == "5m" {
		lambda = s.cfg.Lambda5m
	}
	sigmas := indicators.EWMASigmaSeries(returns, lambda)
	ewmaSigma := sigmas[len(sigmas)-1]
	sigmaNorm := indicators.SigmaNorm(sigmas, s.cfg.SigmaWindow)

	atr := indicators.ATR(highs, lows, closes, s.cfg.ATRPeriod)
	atrPct := indicators.SafeDiv(atr, latest.Close) * 100

	bbWidths := indicators.BollingerWidthSeries(closes, s.cfg.BBPeriod, s.cfg.BBStdDevs)
	bbWidth := 0.0
	bbWidthPercentile := 0.0
	if len(bbWidths) > 0 {
		bbWidth = bbWidths[len(bbWidths)-1]
		window := bbWidths
		if len(window) > s.cfg.BBWindow {
			window = window[len(window)-s.cfg.BBWindow:]
		}
		bbWidthPercentile = indicators.PercentileRank(window, bbWidth)
	}

	ema20 := indicators.EMA(closes, 20)
	ema50Series := indicators.EMASeries(closes, 50)
	ema50 := 0.0
	if len(ema50Series) > 0 {
		ema50 = ema50Series[len(ema50Series)-1]
	}
	ema200 := indicators.EMA(closes, 200)
	ema50Slope := indicators.EMASlope(ema50Series, s.cfg.SlopeLag)

	volWindow := volumes
	if len(volWindow) > s.cfg.VolumeWindow {
		volWindow = volWindow[len(volWindow)-s.cfg.VolumeWindow:]
	}
	latestVolume := volumes[n-1]
	volumePercentile := indicators.PercentileRank(volWindow, latestVolume)
	volumePct := indicators.SafeDiv(latestVolume, indicators.Median(volWindow)) * 100

	return domain.FeatureVector{
		Symbol:            symbol,
		Timeframe:         timeframe,
		CloseTime:         latest.CloseTime,
		LogReturn:         returns[len(returns)-1],
		ATRPct:            atrPct,
		EWMASigma:         ewmaSigma,
		SigmaNorm:         sigmaNorm,
		VolPct5m:          ewmaSigma * math.Sqrt(5) * 100,
		BBWidthPct:        bbWidth,
		BBWidthPercentile: bbWidthPercentile,
		EMA20:             ema20,
		EMA50:             ema50,
		EMA200:            ema200,
		EMA50Slope:        ema50Slope,
		VolumePct:         volumePct,
		VolumePercentile:  volumePercentile,
	}, true
}
