package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence"
)

// DailyAggregator folds pipeline events into one DailyMetrics row per UTC
// date and flushes it to the repository.
type DailyAggregator struct {
	repo persistence.DailyMetricsRepo
	now  func() time.Time

	mu   sync.Mutex
	rows map[string]*domain.DailyMetrics
}

// NewDailyAggregator creates the aggregator.
func NewDailyAggregator(repo persistence.DailyMetricsRepo) *DailyAggregator {
	return &DailyAggregator{
		repo: repo,
		now:  time.Now,
		rows: make(map[string]*domain.DailyMetrics),
	}
}

// SetNowFunc overrides the clock; test hook.
func (a *DailyAggregator) SetNowFunc(now func() time.Time) { a.now = now }

// Attach subscribes the aggregator to the counted events.
func (a *DailyAggregator) Attach(bus *events.Bus) []events.Unsubscribe {
	return []events.Unsubscribe{
		bus.Subscribe(events.SignalGenerated, func(events.Event) error {
			a.bump(func(r *domain.DailyMetrics) { r.Signals++ })
			return nil
		}),
		bus.Subscribe(events.RiskApproved, func(events.Event) error {
			a.bump(func(r *domain.DailyMetrics) { r.Approvals++ })
			return nil
		}),
		bus.Subscribe(events.RiskRejected, func(events.Event) error {
			a.bump(func(r *domain.DailyMetrics) { r.Rejections++ })
			return nil
		}),
		bus.Subscribe(events.OrderFilled, func(events.Event) error {
			a.bump(func(r *domain.DailyMetrics) { r.Fills++ })
			return nil
		}),
		bus.Subscribe(events.PositionClosed, func(evt events.Event) error {
			payload, ok := evt.Payload.(events.PositionClosedPayload)
			if !ok {
				return nil
			}
			a.bump(func(r *domain.DailyMetrics) {
				r.Closes++
				r.RealizedRSum += payload.RealizedR
			})
			return nil
		}),
	}
}

func (a *DailyAggregator) bump(apply func(*domain.DailyMetrics)) {
	date := a.now().UTC().Format("2006-01-02")
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows[date]
	if row == nil {
		row = &domain.DailyMetrics{Date: date}
		a.rows[date] = row
	}
	apply(row)
}

// Snapshot returns the accumulated row for a date, or nil.
func (a *DailyAggregator) Snapshot(date string) *domain.DailyMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[date]
	if !ok {
		return nil
	}
	copied := *row
	return &copied
}

// Flush upserts every accumulated row. Rows stay resident so intra-day
// flushes keep accumulating.
func (a *DailyAggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	rows := make([]domain.DailyMetrics, 0, len(a.rows))
	for _, row := range a.rows {
		rows = append(rows, *row)
	}
	a.mu.Unlock()

	for _, row := range rows {
		if err := a.repo.Upsert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes on the interval until the context is canceled, with one final
// flush on the way out.
func (a *DailyAggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("final daily metrics flush failed")
			}
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("daily metrics flush failed")
			}
		}
	}
}
