// Package events is the in-process typed publish/subscribe bus that wires the
// pipeline components together. It is the sole synchronization point between
// components.
package events

import "github.com/regimebot/regimebot/internal/domain"

// Name enumerates the internal event contract.
type Name string

const (
	CandleClosed    Name = "candle.closed"
	FeaturesReady   Name = "features.ready"
	RegimeUpdated   Name = "regime.updated"
	SignalGenerated Name = "signal.generated"
	RiskApproved    Name = "risk.approved"
	RiskRejected    Name = "risk.rejected"
	OrderSubmitted  Name = "order.submitted"
	OrderFilled     Name = "order.filled"
	OrderCanceled   Name = "order.canceled"
	PositionUpdated Name = "position.updated"
	PositionClosed  Name = "position.closed"
	Audit           Name = "audit.event"
)

// Event is a named payload travelling through the bus. Payload shapes are the
// structs below; domain values are passed by value.
type Event struct {
	Name    Name
	Payload interface{}
}

// CandleClosedPayload announces one finalized candle.
type CandleClosedPayload struct {
	Candle domain.Candle `json:"candle"`
}

// FeaturesReadyPayload carries a freshly computed feature vector.
type FeaturesReadyPayload struct {
	Feature domain.FeatureVector `json:"feature"`
}

// RegimeUpdatedPayload carries a regime decision for one 5m close.
type RegimeUpdatedPayload struct {
	Decision domain.RegimeDecision `json:"decision"`
}

// SignalGeneratedPayload carries a normalized trade plan.
type SignalGeneratedPayload struct {
	Plan domain.TradePlan `json:"plan"`
}

// RiskApprovedPayload carries an approved plan with its sized quantity and
// final leverage.
type RiskApprovedPayload struct {
	Plan          domain.TradePlan `json:"plan"`
	Qty           float64          `json:"qty"`
	FinalLeverage float64          `json:"finalLeverage"`
}

// RiskRejectedPayload carries a rejected plan and the gate reason.
type RiskRejectedPayload struct {
	Plan   domain.TradePlan `json:"plan"`
	Reason string           `json:"reason"`
}

// OrderPayload carries an order lifecycle change.
type OrderPayload struct {
	Order domain.Order `json:"order"`
}

// PositionUpdatedPayload carries the current position snapshot.
type PositionUpdatedPayload struct {
	Position domain.Position `json:"position"`
}

// PositionClosedPayload announces a fully closed position.
type PositionClosedPayload struct {
	PositionID string  `json:"positionId"`
	Reason     string  `json:"reason"`
	RealizedR  float64 `json:"realizedR"`
}

// AuditPayload carries an audit record over the bus.
type AuditPayload struct {
	Event domain.AuditEvent `json:"event"`
}
