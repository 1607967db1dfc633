package customer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when the customer row does not exist.
var ErrNotFound = errors.New("customer: not found")

// Querier is the subset of pgx.Tx / pgxpool.Pool used by the aggregate store.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Aggregates maintains per-customer lifetime spend, visit count, and the
// pending balance used to absorb overpayments and credit sales.
type Aggregates struct{}

// IncrementStats adds to lifetime spend and bumps the visit count. A negative
// amount (refund) reduces spend without touching visits.
func (Aggregates) IncrementStats(ctx context.Context, q Querier, customerID uuid.UUID, amount int64) error {
	visitDelta := 0
	if amount > 0 {
		visitDelta = 1
	}
	tag, err := q.Exec(ctx,
		`UPDATE customers SET total_spent = total_spent + $2, visit_count = visit_count + $3, updated_at = now()
		  WHERE id = $1`,
		customerID, amount, visitDelta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingBalance returns what the customer still owes. Overpayments on other
// bills are absorbed against it; an underpaid completion adds to it.
func (Aggregates) PendingBalance(ctx context.Context, q Querier, customerID uuid.UUID) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT pending_balance FROM customers WHERE id = $1`, customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

// AddPendingBalance moves the pending balance by delta; negative deltas absorb
// overpayments, positive deltas book an underpaid completion.
func (Aggregates) AddPendingBalance(ctx context.Context, q Querier, customerID uuid.UUID, delta int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE customers SET pending_balance = pending_balance + $2, updated_at = now() WHERE id = $1`,
		customerID, delta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
