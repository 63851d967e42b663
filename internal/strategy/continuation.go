package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// ContinuationConfig tunes the trend-pullback engine.
type ContinuationConfig struct {
	ConfirmationBars int
	PullbackZonePct  float64 // zone tolerance around ema20/ema50, percent
	FallbackLeverage float64 // used when no leverage bands are configured
	Limits           LeverageLimits
	Sigma            sigmaBounds
	MarginPct        float64
	Confidence       float64
	TTLMs            int64
}

// DefaultContinuationConfig returns the production settings: 2 confirmation
// bars, 0.25% pullback zone, 10 minute plan TTL.
func DefaultContinuationConfig() ContinuationConfig {
	return ContinuationConfig{
		ConfirmationBars: 2,
		PullbackZonePct:  0.25,
		FallbackLeverage: 3,
		Limits:           LeverageLimits{EngineMin: 1, EngineMax: 8, ExchangeMax: 20},
		Sigma:            sigmaBounds{Min: 0.5, Max: 3},
		MarginPct:        5,
		Confidence:       0.55,
		TTLMs:            10 * 60_000,
	}
}

// Continuation trades pullbacks in the direction of the EMA trend.
type Continuation struct {
	cfg     ContinuationConfig
	candles persistence.CandleRepo
}

// NewContinuation creates the continuation engine.
func NewContinuation(cfg ContinuationConfig, candles persistence.CandleRepo) *Continuation {
	return &Continuation{cfg: cfg, candles: candles}
}

func (c *Continuation) Name() domain.Engine { return domain.EngineContinuation }
func (c *Continuation) Timeframe() string   { return "5m" }

// Evaluate requires the latest close inside the ema20/ema50 pullback zone and
// a directional confirmation bar against the previous candle.
func (c *Continuation) Evaluate(ctx context.Context, feature domain.FeatureVector, pv domain.ParamVersion) (domain.TradePlan, string, error) {
	side := domain.SideShort
	if feature.EMA50 >= feature.EMA200 {
		side = domain.SideLong
	}

	history, err := c.candles.ListRecent(ctx, feature.Symbol, c.Timeframe(), feature.CloseTime, c.cfg.ConfirmationBars)
	if err != nil {
		return domain.TradePlan{}, "", fmt.Errorf("load continuation history: %w", err)
	}
	if len(history) < 2 {
		return domain.TradePlan{}, "insufficient_history", nil
	}
	previous := history[len(history)-2]
	latest := history[len(history)-1]

	zoneLow := math.Min(feature.EMA20, feature.EMA50) * (1 - c.cfg.PullbackZonePct/100)
	zoneHigh := math.Max(feature.EMA20, feature.EMA50) * (1 + c.cfg.PullbackZonePct/100)
	if latest.Close < zoneLow || latest.Close > zoneHigh {
		return domain.TradePlan{}, "price_outside_pullback_zone", nil
	}

	confirmed := false
	if side == domain.SideLong {
		confirmed = latest.Close > previous.High && latest.Close > feature.EMA20
	} else {
		confirmed = latest.Close < previous.Low && latest.Close < feature.EMA20
	}
	if !confirmed {
		return domain.TradePlan{}, "no_continuation_confirmation", nil
	}

	leverage := bandLeverage(pv.LeverageBands, c.cfg.Sigma.clamp(feature.SigmaNorm), c.cfg.FallbackLeverage)
	return domain.TradePlan{
		Symbol:          feature.Symbol,
		Side:            side,
		Engine:          domain.EngineContinuation,
		EntryPrice:      latest.Close,
		StopPct:         pv.KS * feature.ATRPct,
		ATRPct:          feature.ATRPct,
		TPModel:         domain.TPModelB,
		Leverage:        c.cfg.Limits.clampLeverage(leverage),
		MarginPct:       c.cfg.MarginPct,
		ExpiresAt:       feature.CloseTime + c.cfg.TTLMs,
		Reason:          fmt.Sprintf("trend continuation %s", side),
		ParamsVersionID: params.BaselineID,
		Confidence:      c.cfg.Confidence,
	}, "", nil
}
