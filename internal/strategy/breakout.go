package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/domain/indicators"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// BreakoutConfig tunes the compression-breakout engine.
type BreakoutConfig struct {
	CompressionPercentileMax float64 // bbWidthPercentile gate
	VolumePercentileMin      float64
	RangeLookbackBars        int
	ConfirmationBars         int
	BarrierBufPct            float64 // barrier buffer, percent
	LeverageBase             float64
	Limits                   LeverageLimits
	Sigma                    sigmaBounds
	MarginPct                float64
	Confidence               float64
	TTLMs                    int64
}

// DefaultBreakoutConfig returns the production gates: width percentile <= 35,
// volume percentile >= 60, 20+2 bar window, 5 minute plan TTL.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		CompressionPercentileMax: 35,
		VolumePercentileMin:      60,
		RangeLookbackBars:        20,
		ConfirmationBars:         2,
		BarrierBufPct:            0.02,
		LeverageBase:             20,
		Limits:                   LeverageLimits{EngineMin: 1, EngineMax: 10, ExchangeMax: 20},
		Sigma:                    sigmaBounds{Min: 0.5, Max: 3},
		MarginPct:                5,
		Confidence:               0.6,
		TTLMs:                    5 * 60_000,
	}
}

// Breakout trades 1m closes escaping a compressed baseline range.
type Breakout struct {
	cfg     BreakoutConfig
	candles persistence.CandleRepo
}

// NewBreakout creates the breakout engine.
func NewBreakout(cfg BreakoutConfig, candles persistence.CandleRepo) *Breakout {
	return &Breakout{cfg: cfg, candles: candles}
}

func (b *Breakout) Name() domain.Engine { return domain.EngineBreakout }
func (b *Breakout) Timeframe() string   { return "1m" }

// Evaluate checks the compression gates, then requires every confirmation
// close to sit beyond the buffered baseline barrier.
func (b *Breakout) Evaluate(ctx context.Context, feature domain.FeatureVector, pv domain.ParamVersion) (domain.TradePlan, string, error) {
	if feature.BBWidthPercentile > b.cfg.CompressionPercentileMax {
		return domain.TradePlan{}, "bb_width_percentile_above_max", nil
	}
	if feature.VolumePercentile < b.cfg.VolumePercentileMin {
		return domain.TradePlan{}, "volume_percentile_below_min", nil
	}

	needed := b.cfg.RangeLookbackBars + b.cfg.ConfirmationBars + 1
	history, err := b.candles.ListRecent(ctx, feature.Symbol, b.Timeframe(), feature.CloseTime, needed)
	if err != nil {
		return domain.TradePlan{}, "", fmt.Errorf("load breakout history: %w", err)
	}
	if len(history) < needed {
		return domain.TradePlan{}, "insufficient_history", nil
	}

	closes := make([]float64, len(history))
	for i, c := range history {
		closes[i] = c.Close
	}
	split := len(closes) - b.cfg.ConfirmationBars
	baseline := closes[:split]
	recent := closes[split:]

	upper := maxOf(baseline) * (1 + b.cfg.BarrierBufPct/100)
	lower := minOf(baseline) * (1 - b.cfg.BarrierBufPct/100)

	var side domain.Side
	switch {
	case allAbove(recent, upper):
		side = domain.SideLong
	case allBelow(recent, lower):
		side = domain.SideShort
	default:
		return domain.TradePlan{}, "no_breakout_confirmation", nil
	}

	rawLev := b.cfg.LeverageBase / math.Sqrt(math.Max(feature.SigmaNorm, indicators.Epsilon))
	return domain.TradePlan{
		Symbol:          feature.Symbol,
		Side:            side,
		Engine:          domain.EngineBreakout,
		EntryPrice:      closes[len(closes)-1],
		StopPct:         pv.KB * feature.ATRPct,
		ATRPct:          feature.ATRPct,
		TPModel:         domain.TPModelA,
		Leverage:        b.cfg.Limits.clampLeverage(rawLev),
		MarginPct:       b.cfg.MarginPct,
		ExpiresAt:       feature.CloseTime + b.cfg.TTLMs,
		Reason:          fmt.Sprintf("compression breakout %s", side),
		ParamsVersionID: params.BaselineID,
		Confidence:      b.cfg.Confidence,
	}, "", nil
}

func allAbove(values []float64, barrier float64) bool {
	for _, v := range values {
		if v <= barrier {
			return false
		}
	}
	return len(values) > 0
}

func allBelow(values []float64, barrier float64) bool {
	for _, v := range values {
		if v >= barrier {
			return false
		}
	}
	return len(values) > 0
}
