package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

type orderRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOrderRepo creates the PostgreSQL order repository. The unique constraint
// on external_id enforces execution idempotency at the storage layer.
func NewOrderRepo(db *sqlx.DB, timeout time.Duration) persistence.OrderRepo {
	return &orderRepo{db: db, timeout: timeout}
}

func (r *orderRepo) Insert(ctx context.Context, order domain.Order) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO orders (external_id, symbol, side, type, price, qty, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		order.ExternalID, order.Symbol, order.Side, order.Type,
		order.Price, order.Qty, order.Status, order.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

func (r *orderRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, external_id, symbol, side, type, price, qty, status, created_at
		FROM orders
		WHERE external_id = $1`

	var order domain.Order
	if err := r.db.GetContext(ctx, &order, query, externalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by external id: %w", err)
	}
	return &order, nil
}

func (r *orderRepo) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("order %d not found", id)
	}
	return nil
}

type fillRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFillRepo creates the PostgreSQL fill repository.
func NewFillRepo(db *sqlx.DB, timeout time.Duration) persistence.FillRepo {
	return &fillRepo{db: db, timeout: timeout}
}

func (r *fillRepo) Insert(ctx context.Context, fill domain.Fill) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO fills (order_id, price, qty, fee, ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		fill.OrderID, fill.Price, fill.Qty, fill.Fee, fill.Ts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert fill: %w", err)
	}
	return id, nil
}

func (r *fillRepo) ListByOrder(ctx context.Context, orderID int64) ([]domain.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, order_id, price, qty, fee, ts
		FROM fills
		WHERE order_id = $1
		ORDER BY ts ASC`

	var fills []domain.Fill
	if err := r.db.SelectContext(ctx, &fills, query, orderID); err != nil {
		return nil, fmt.Errorf("list fills by order: %w", err)
	}
	return fills, nil
}
