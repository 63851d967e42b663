package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the PostgreSQL audit event repository. The table
// unifies the structured and categorical audit surfaces; writers fill the
// columns they know and leave the rest NULL.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Insert(ctx context.Context, event domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events
			(id, ts, step, level, message, reason, inputs_hash, outputs_hash,
			 params_version_id, category, action, actor, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.Ts, event.Step, event.Level, event.Message,
		nullable(event.Reason), nullable(event.InputsHash), nullable(event.OutputsHash),
		nullable(event.ParamsVersionID), nullable(event.Category),
		nullable(event.Action), nullable(event.Actor), metadataJSON)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
