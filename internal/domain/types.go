package domain

// Side is the direction of a trade plan or position.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Regime is the market regime classification produced by the regime engine.
type Regime string

const (
	RegimeCompression    Regime = "Compression"
	RegimeTrend          Regime = "Trend"
	RegimeRange          Regime = "Range"
	RegimeExpansionChaos Regime = "ExpansionChaos"
)

// Engine identifies the strategy engine selected for a regime.
type Engine string

const (
	EngineBreakout     Engine = "Breakout"
	EngineContinuation Engine = "Continuation"
	EngineReversal     Engine = "Reversal"
	EngineDefensive    Engine = "Defensive"
)

// EngineForRegime maps a regime to its entry engine. Defensive mode overrides
// the mapping regardless of regime.
func EngineForRegime(regime Regime, defensive bool) Engine {
	if defensive {
		return EngineDefensive
	}
	switch regime {
	case RegimeCompression:
		return EngineBreakout
	case RegimeTrend:
		return EngineContinuation
	case RegimeRange:
		return EngineReversal
	default:
		return EngineDefensive
	}
}

// TPModel selects the take-profit model attached to a plan.
type TPModel string

const (
	TPModelA TPModel = "A"
	TPModelB TPModel = "B"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the exchange-reported order lifecycle status.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Candle is one finalized OHLCV bar. Uniquely keyed by
// (Symbol, Timeframe, CloseTime). All timestamps are epoch milliseconds.
type Candle struct {
	Symbol    string  `json:"symbol" db:"symbol"`
	Timeframe string  `json:"timeframe" db:"timeframe"`
	CloseTime int64   `json:"closeTime" db:"close_time"`
	Open      float64 `json:"open" db:"open"`
	High      float64 `json:"high" db:"high"`
	Low       float64 `json:"low" db:"low"`
	Close     float64 `json:"close" db:"close"`
	Volume    float64 `json:"volume" db:"volume"`
}

// Validate checks the OHLCV invariants: low <= open, close <= high and
// volume >= 0.
func (c Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return &ValidationError{Field: "ohlc", Msg: "low/high bounds violated"}
	}
	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Msg: "negative volume"}
	}
	return nil
}

// IsClosed reports whether the candle is finalized at the given instant.
func (c Candle) IsClosed(nowMs int64) bool {
	return c.CloseTime <= nowMs
}

// ValidationError is a fail-fast input validation error surfaced at the
// ingest/feature boundary.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Msg
}

// FeatureVector is the per-candle feature set derived from the most recent
// history ending at CloseTime. One-to-one with (Symbol, Timeframe, CloseTime).
type FeatureVector struct {
	Symbol            string  `json:"symbol" db:"symbol"`
	Timeframe         string  `json:"timeframe" db:"timeframe"`
	CloseTime         int64   `json:"closeTime" db:"close_time"`
	LogReturn         float64 `json:"logReturn" db:"log_return"`
	ATRPct            float64 `json:"atrPct" db:"atr_pct"`
	EWMASigma         float64 `json:"ewmaSigma" db:"ewma_sigma"`
	SigmaNorm         float64 `json:"sigmaNorm" db:"sigma_norm"`
	VolPct5m          float64 `json:"volPct5m" db:"vol_pct_5m"`
	BBWidthPct        float64 `json:"bbWidthPct" db:"bb_width_pct"`
	BBWidthPercentile float64 `json:"bbWidthPercentile" db:"bb_width_percentile"`
	EMA20             float64 `json:"ema20" db:"ema20"`
	EMA50             float64 `json:"ema50" db:"ema50"`
	EMA200            float64 `json:"ema200" db:"ema200"`
	EMA50Slope        float64 `json:"ema50Slope" db:"ema50_slope"`
	VolumePct         float64 `json:"volumePct" db:"volume_pct"`
	VolumePercentile  float64 `json:"volumePercentile" db:"volume_percentile"`
}

// RegimeDecision is the regime engine output for one 5m close.
// Invariant: Defensive implies Engine == EngineDefensive.
type RegimeDecision struct {
	Symbol      string `json:"symbol" db:"symbol"`
	CloseTime5m int64  `json:"closeTime5m" db:"close_time_5m"`
	Regime      Regime `json:"regime" db:"regime"`
	Engine      Engine `json:"engine" db:"engine"`
	Defensive   bool   `json:"defensive" db:"defensive"`
}

// TradePlan is an immutable trade proposal emitted by a strategy engine and
// normalized by the planner before publication.
type TradePlan struct {
	Symbol          string  `json:"symbol"`
	Side            Side    `json:"side"`
	Engine          Engine  `json:"engine"`
	EntryPrice      float64 `json:"entryPrice"`
	StopPct         float64 `json:"stopPct"`
	ATRPct          float64 `json:"atrPct"`
	TPModel         TPModel `json:"tpModel"`
	Leverage        float64 `json:"leverage"`
	MarginPct       float64 `json:"marginPct"`
	ExpiresAt       int64   `json:"expiresAt"`
	Reason          string  `json:"reason"`
	ParamsVersionID string  `json:"paramsVersionId"`
	Confidence      float64 `json:"confidence"`
}

// OrderIntent is a risk-approved plan ready for execution.
type OrderIntent struct {
	Plan            TradePlan `json:"plan"`
	Qty             float64   `json:"qty"`
	Type            OrderType `json:"type"`
	TimeoutMs       int64     `json:"timeoutMs"`
	CancelIfInvalid bool      `json:"cancelIfInvalid"`
}

// Order is a persisted exchange order. ExternalID carries the idempotency key
// used as the exchange clientOrderId and is unique.
type Order struct {
	ID         int64       `json:"id" db:"id"`
	ExternalID string      `json:"externalId" db:"external_id"`
	Symbol     string      `json:"symbol" db:"symbol"`
	Side       Side        `json:"side" db:"side"`
	Type       OrderType   `json:"type" db:"type"`
	Price      float64     `json:"price" db:"price"`
	Qty        float64     `json:"qty" db:"qty"`
	Status     OrderStatus `json:"status" db:"status"`
	CreatedAt  int64       `json:"createdAt" db:"created_at"`
}

// Fill links an execution to its order.
type Fill struct {
	ID      int64   `json:"id" db:"id"`
	OrderID int64   `json:"orderId" db:"order_id"`
	Price   float64 `json:"price" db:"price"`
	Qty     float64 `json:"qty" db:"qty"`
	Fee     float64 `json:"fee" db:"fee"`
	Ts      int64   `json:"ts" db:"ts"`
}

// Position is the persisted lifecycle record of an open or closed position.
type Position struct {
	ID               string  `json:"id" db:"id"`
	Symbol           string  `json:"symbol" db:"symbol"`
	Side             Side    `json:"side" db:"side"`
	EntryPrice       float64 `json:"entryPrice" db:"entry_price"`
	InitialStopPrice float64 `json:"initialStopPrice" db:"initial_stop_price"`
	StopPrice        float64 `json:"stopPrice" db:"stop_price"`
	Qty              float64 `json:"qty" db:"qty"`
	RemainingQty     float64 `json:"remainingQty" db:"remaining_qty"`
	State            string  `json:"state" db:"state"`
	RealizedR        float64 `json:"realizedR" db:"realized_r"`
	Took1R           bool    `json:"took1R" db:"took_1r"`
	Took2R           bool    `json:"took2R" db:"took_2r"`
	TrailingAnchor   float64 `json:"trailingAnchor" db:"trailing_anchor"`
	ATRPct           float64 `json:"atrPct" db:"atr_pct"`
	ParamsVersionID  string  `json:"paramsVersionId" db:"params_version_id"`
	OpenedAt         int64   `json:"openedAt" db:"opened_at"`
	UpdatedAt        int64   `json:"updatedAt" db:"updated_at"`
}

// LeverageBand is one step of the continuation engine's stepwise leverage
// schedule, ordered by ascending MaxSigmaNorm.
type LeverageBand struct {
	MaxSigmaNorm float64 `json:"maxSigmaNorm" yaml:"maxSigmaNorm"`
	Leverage     float64 `json:"leverage" yaml:"leverage"`
}

// CooldownRules are the risk-service admission cooldowns.
type CooldownRules struct {
	PerSymbolMs int64 `json:"perSymbolMs" yaml:"perSymbolMs"`
	PerEngineMs int64 `json:"perEngineMs" yaml:"perEngineMs"`
}

// PortfolioCaps bound the number of concurrently open positions.
type PortfolioCaps struct {
	Max          int `json:"max" yaml:"max"`
	MaxDefensive int `json:"maxDefensive" yaml:"maxDefensive"`
}

// ParamVersion is an immutable snapshot of tunable parameters. The active
// version at instant t is the one with the greatest EffectiveFrom <= t.
type ParamVersion struct {
	ID            string         `json:"id" db:"id"`
	EffectiveFrom int64          `json:"effectiveFrom" db:"effective_from"`
	KB            float64        `json:"kb" db:"kb"`
	KS            float64        `json:"ks" db:"ks"`
	LeverageBands []LeverageBand `json:"leverageBands"`
	CooldownRules CooldownRules  `json:"cooldownRules"`
	PortfolioCaps PortfolioCaps  `json:"portfolioCaps"`
}

// AuditLevel is the severity of an audit event.
type AuditLevel string

const (
	AuditDebug AuditLevel = "debug"
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// AuditEvent is the unified audit record. It carries both the structured
// surface (step/level/hashes/params version) and the categorical surface
// (category/action/actor); writers fill the columns they know.
type AuditEvent struct {
	ID              string                 `json:"id" db:"id"`
	Ts              int64                  `json:"ts" db:"ts"`
	Step            string                 `json:"step" db:"step"`
	Level           AuditLevel             `json:"level" db:"level"`
	Message         string                 `json:"message" db:"message"`
	Reason          string                 `json:"reason,omitempty" db:"reason"`
	InputsHash      string                 `json:"inputsHash" db:"inputs_hash"`
	OutputsHash     string                 `json:"outputsHash" db:"outputs_hash"`
	ParamsVersionID string                 `json:"paramsVersionId" db:"params_version_id"`
	Category        string                 `json:"category,omitempty" db:"category"`
	Action          string                 `json:"action,omitempty" db:"action"`
	Actor           string                 `json:"actor,omitempty" db:"actor"`
	Metadata        map[string]interface{} `json:"metadata" db:"metadata"`
}

// DailyMetrics is one aggregated row of pipeline activity per UTC date.
type DailyMetrics struct {
	Date         string  `json:"date" db:"date"`
	Signals      int64   `json:"signals" db:"signals"`
	Approvals    int64   `json:"approvals" db:"approvals"`
	Rejections   int64   `json:"rejections" db:"rejections"`
	Fills        int64   `json:"fills" db:"fills"`
	Closes       int64   `json:"closes" db:"closes"`
	RealizedRSum float64 `json:"realizedRSum" db:"realized_r_sum"`
}
