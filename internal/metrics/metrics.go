// Package metrics exposes pipeline throughput counters over prometheus and
// aggregates a daily summary row.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/regimebot/regimebot/internal/events"
)

// Metrics holds the prometheus instruments fed by the event bus.
type Metrics struct {
	CandlesIngested  *prometheus.CounterVec
	FeaturesComputed *prometheus.CounterVec
	RegimeDecisions  *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	RiskApproved     prometheus.Counter
	RiskRejected     *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	PositionsClosed  prometheus.Counter
	RealizedR        prometheus.Histogram
	AuditEvents      *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CandlesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_candles_ingested_total",
			Help: "Finalized candles accepted by ingest.",
		}, []string{"symbol", "timeframe"}),
		FeaturesComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_features_computed_total",
			Help: "Feature vectors computed.",
		}, []string{"symbol", "timeframe"}),
		RegimeDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_regime_decisions_total",
			Help: "Regime decisions by regime.",
		}, []string{"regime"}),
		Signals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_signals_generated_total",
			Help: "Trade plans published by the planner.",
		}, []string{"engine", "side"}),
		RiskApproved: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_risk_approved_total",
			Help: "Plans approved by the risk gate.",
		}),
		RiskRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_risk_rejected_total",
			Help: "Plans rejected by the risk gate, by reason.",
		}, []string{"reason"}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_orders_total",
			Help: "Order lifecycle events by outcome.",
		}, []string{"outcome"}),
		PositionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "regimebot_positions_closed_total",
			Help: "Positions fully closed.",
		}),
		RealizedR: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "regimebot_position_realized_r",
			Help:    "Realized R multiple per closed position.",
			Buckets: []float64{-3, -2, -1, -0.5, 0, 0.5, 1, 1.5, 2, 3, 5},
		}),
		AuditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regimebot_audit_events_total",
			Help: "Audit events by level.",
		}, []string{"level"}),
	}
}

// Attach subscribes the instruments to the bus.
func (m *Metrics) Attach(bus *events.Bus) []events.Unsubscribe {
	return []events.Unsubscribe{
		bus.Subscribe(events.CandleClosed, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.CandleClosedPayload); ok {
				m.CandlesIngested.WithLabelValues(p.Candle.Symbol, p.Candle.Timeframe).Inc()
			}
			return nil
		}),
		bus.Subscribe(events.FeaturesReady, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.FeaturesReadyPayload); ok {
				m.FeaturesComputed.WithLabelValues(p.Feature.Symbol, p.Feature.Timeframe).Inc()
			}
			return nil
		}),
		bus.Subscribe(events.RegimeUpdated, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.RegimeUpdatedPayload); ok {
				m.RegimeDecisions.WithLabelValues(string(p.Decision.Regime)).Inc()
			}
			return nil
		}),
		bus.Subscribe(events.SignalGenerated, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.SignalGeneratedPayload); ok {
				m.Signals.WithLabelValues(string(p.Plan.Engine), string(p.Plan.Side)).Inc()
			}
			return nil
		}),
		bus.Subscribe(events.RiskApproved, func(events.Event) error {
			m.RiskApproved.Inc()
			return nil
		}),
		bus.Subscribe(events.RiskRejected, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.RiskRejectedPayload); ok {
				m.RiskRejected.WithLabelValues(p.Reason).Inc()
			}
			return nil
		}),
		bus.Subscribe(events.OrderSubmitted, func(events.Event) error {
			m.Orders.WithLabelValues("submitted").Inc()
			return nil
		}),
		bus.Subscribe(events.OrderFilled, func(events.Event) error {
			m.Orders.WithLabelValues("filled").Inc()
			return nil
		}),
		bus.Subscribe(events.OrderCanceled, func(events.Event) error {
			m.Orders.WithLabelValues("canceled").Inc()
			return nil
		}),
		bus.Subscribe(events.PositionClosed, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.PositionClosedPayload); ok {
				m.PositionsClosed.Inc()
				m.RealizedR.Observe(p.RealizedR)
			}
			return nil
		}),
		bus.Subscribe(events.Audit, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.AuditPayload); ok {
				m.AuditEvents.WithLabelValues(string(p.Event.Level)).Inc()
			}
			return nil
		}),
	}
}
