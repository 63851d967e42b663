// Package strategy holds the per-regime entry engines and the planner that
// routes features to exactly one of them.
package strategy

import (
	"context"
	"math"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/domain/indicators"
)

// EntryEngine evaluates one feature vector against its regime's confirmation
// rules. A non-empty reason means the engine declined; reasons are stable
// strings suitable for auditing and metrics labels.
type EntryEngine interface {
	Name() domain.Engine
	Timeframe() string
	Evaluate(ctx context.Context, feature domain.FeatureVector, pv domain.ParamVersion) (domain.TradePlan, string, error)
}

// LeverageLimits bound engine leverage: the engine's own band first, then the
// exchange hard cap.
type LeverageLimits struct {
	EngineMin   float64
	EngineMax   float64
	ExchangeMax float64
}

// clampLeverage applies the double clamp: engine band, then exchange cap.
func (l LeverageLimits) clampLeverage(raw float64) float64 {
	return indicators.Clamp(indicators.Clamp(raw, l.EngineMin, l.EngineMax), l.EngineMin, l.ExchangeMax)
}

// sigmaBounds is the sigma-norm clamp window used by leverage sizing.
type sigmaBounds struct {
	Min float64
	Max float64
}

func (b sigmaBounds) clamp(sigmaNorm float64) float64 {
	return indicators.Clamp(sigmaNorm, b.Min, b.Max)
}

// bandLeverage walks the ascending leverage bands and returns the first band
// covering the clamped sigma. Past the last band the last band's leverage
// applies; with no bands the fallback applies.
func bandLeverage(bands []domain.LeverageBand, sigma, fallback float64) float64 {
	if len(bands) == 0 {
		return fallback
	}
	for _, band := range bands {
		if band.MaxSigmaNorm >= sigma {
			return band.Leverage
		}
	}
	return bands[len(bands)-1].Leverage
}

// DefaultParams is the in-code baseline used when no parameter version has
// been seeded yet.
func DefaultParams() domain.ParamVersion {
	return domain.ParamVersion{
		ID:            "baseline",
		EffectiveFrom: 0,
		KB:            1.2,
		KS:            0.9,
		LeverageBands: []domain.LeverageBand{
			{MaxSigmaNorm: 0.8, Leverage: 8},
			{MaxSigmaNorm: 1.2, Leverage: 5},
			{MaxSigmaNorm: 2.0, Leverage: 3},
		},
		CooldownRules: domain.CooldownRules{PerSymbolMs: 5 * 60_000, PerEngineMs: 2 * 60_000},
		PortfolioCaps: domain.PortfolioCaps{Max: 3, MaxDefensive: 1},
	}
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}
