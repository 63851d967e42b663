// Package audit centralizes audit trail writes. Every pipeline decision goes
// through the Writer, which persists the record and mirrors it onto the bus
// as audit.event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence"
)

// Writer persists audit events and republishes them on the bus. Repository
// failures are logged, not propagated: an unavailable audit sink must not
// stall the pipeline.
type Writer struct {
	repo persistence.AuditRepo
	bus  *events.Bus
}

// NewWriter creates an audit writer. Either dependency may be nil, in which
// case that half is skipped.
func NewWriter(repo persistence.AuditRepo, bus *events.Bus) *Writer {
	return &Writer{repo: repo, bus: bus}
}

// Record fills in missing id/timestamp, persists the event and publishes it.
func (w *Writer) Record(ctx context.Context, event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	if event.Level == "" {
		event.Level = domain.AuditInfo
	}

	if w.repo != nil {
		if err := w.repo.Insert(ctx, event); err != nil {
			log.Error().Err(err).Str("step", event.Step).Msg("audit insert failed")
		}
	}
	if w.bus != nil {
		w.bus.Publish(events.Audit, events.AuditPayload{Event: event})
	}
}

// Structured builds an audit event on the structured surface with content
// hashes of inputs and outputs.
func Structured(step string, level domain.AuditLevel, message string, inputs, outputs interface{}) domain.AuditEvent {
	event := domain.AuditEvent{
		Step:    step,
		Level:   level,
		Message: message,
	}
	if inputs != nil {
		event.InputsHash = domain.HashObject(inputs)
	}
	if outputs != nil {
		event.OutputsHash = domain.HashObject(outputs)
	}
	return event
}

// Categorical builds an audit event on the categorical surface.
func Categorical(category, action, actor string, level domain.AuditLevel, message string) domain.AuditEvent {
	return domain.AuditEvent{
		Category: category,
		Action:   action,
		Actor:    actor,
		Step:     category + "." + action,
		Level:    level,
		Message:  message,
	}
}
