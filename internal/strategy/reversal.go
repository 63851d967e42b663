package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// ReversalConfig tunes the range-reversal engine.
type ReversalConfig struct {
	RangeLookbackBars   int
	TouchPct            float64 // range-edge tolerance, percent
	ConfirmationBodyPct float64 // minimum bar body as percent of open
	KS                  float64 // stop multiple on atrPct
	LeverageBase        float64
	Limits              LeverageLimits
	Sigma               sigmaBounds
	MarginPct           float64
	Confidence          float64
	TTLMs               int64
}

// DefaultReversalConfig returns the production settings: 30-bar range, 0.05%
// touch tolerance, 0.04% minimum body.
func DefaultReversalConfig() ReversalConfig {
	return ReversalConfig{
		RangeLookbackBars:   30,
		TouchPct:            0.05,
		ConfirmationBodyPct: 0.04,
		KS:                  0.8,
		LeverageBase:        20,
		Limits:              LeverageLimits{EngineMin: 1, EngineMax: 6, ExchangeMax: 20},
		Sigma:               sigmaBounds{Min: 0.5, Max: 3},
		MarginPct:           5,
		Confidence:          0.5,
		TTLMs:               10 * 60_000,
	}
}

// Reversal fades rejected touches of the recent range extremes.
type Reversal struct {
	cfg     ReversalConfig
	candles persistence.CandleRepo
}

// NewReversal creates the reversal engine.
func NewReversal(cfg ReversalConfig, candles persistence.CandleRepo) *Reversal {
	return &Reversal{cfg: cfg, candles: candles}
}

func (r *Reversal) Name() domain.Engine { return domain.EngineReversal }
func (r *Reversal) Timeframe() string   { return "5m" }

// Evaluate requires a touch of a range extreme plus a rejection bar with a
// minimum body closing back inside the range.
func (r *Reversal) Evaluate(ctx context.Context, feature domain.FeatureVector, pv domain.ParamVersion) (domain.TradePlan, string, error) {
	history, err := r.candles.ListRecent(ctx, feature.Symbol, r.Timeframe(), feature.CloseTime, r.cfg.RangeLookbackBars)
	if err != nil {
		return domain.TradePlan{}, "", fmt.Errorf("load reversal history: %w", err)
	}
	if len(history) < r.cfg.RangeLookbackBars {
		return domain.TradePlan{}, "insufficient_history", nil
	}

	rangeHigh := math.Inf(-1)
	rangeLow := math.Inf(1)
	for _, c := range history {
		rangeHigh = math.Max(rangeHigh, c.High)
		rangeLow = math.Min(rangeLow, c.Low)
	}
	latest := history[len(history)-1]

	touchedUpper := latest.Close >= rangeHigh*(1-r.cfg.TouchPct/100)
	touchedLower := latest.Close <= rangeLow*(1+r.cfg.TouchPct/100)
	if !touchedUpper && !touchedLower {
		return domain.TradePlan{}, "no_range_edge_touch", nil
	}

	bodyPct := math.Abs(latest.Close-latest.Open) / math.Max(1e-8, latest.Open) * 100
	if bodyPct < r.cfg.ConfirmationBodyPct {
		return domain.TradePlan{}, "body_below_confirmation", nil
	}

	var side domain.Side
	switch {
	case touchedUpper && latest.Close < latest.Open && latest.High >= rangeHigh:
		side = domain.SideShort
	case touchedLower && latest.Close > latest.Open && latest.Low <= rangeLow:
		side = domain.SideLong
	default:
		return domain.TradePlan{}, "no_rejection_bar", nil
	}

	rawLev := r.cfg.LeverageBase / r.cfg.Sigma.clamp(feature.SigmaNorm)
	return domain.TradePlan{
		Symbol:          feature.Symbol,
		Side:            side,
		Engine:          domain.EngineReversal,
		EntryPrice:      latest.Close,
		StopPct:         r.cfg.KS * feature.ATRPct,
		ATRPct:          feature.ATRPct,
		TPModel:         domain.TPModelB,
		Leverage:        r.cfg.Limits.clampLeverage(rawLev),
		MarginPct:       r.cfg.MarginPct,
		ExpiresAt:       feature.CloseTime + r.cfg.TTLMs,
		Reason:          fmt.Sprintf("range reversal %s", side),
		ParamsVersionID: params.BaselineID,
		Confidence:      r.cfg.Confidence,
	}, "", nil
}
