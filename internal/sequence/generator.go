package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultLockID is the advisory lock key serializing invoice number minting.
const DefaultLockID int64 = 804502

// ErrRetryable wraps lock-acquisition failures (deadlock, lock timeout,
// serialization conflict). Nothing was committed; the caller should retry the
// whole transaction.
var ErrRetryable = errors.New("sequence: could not serialize invoice minting")

// Querier is the subset of pgx.Tx the generator needs. The advisory lock is
// transaction scoped, so Next must run inside an open transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Generator mints fiscal-year invoice numbers of the form PREFIX-YY-NNNN.
// The sequence restarts at 1 every fiscal year, never reuses a number, and
// tolerates gaps left by voided bills.
type Generator struct {
	Prefix               string
	FiscalYearStartMonth int
	MinDigits            int
	LockID               int64
}

// Next returns the next invoice number for the fiscal year containing now.
// It takes pg_advisory_xact_lock before scanning the current maximum so that
// concurrent transactions serialize on the read-max/increment step; the lock
// is released automatically when the transaction commits or rolls back.
func (g Generator) Next(ctx context.Context, tx Querier, now time.Time) (string, error) {
	lockID := g.LockID
	if lockID == 0 {
		lockID = DefaultLockID
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return "", classify(err)
	}
	prefix := g.fiscalPrefix(now)
	var max int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(substring(invoice_no FROM char_length($1::text) + 1) AS BIGINT)), 0)
		   FROM bills
		  WHERE invoice_no LIKE $1 || '%'`,
		prefix,
	).Scan(&max)
	if err != nil {
		return "", classify(err)
	}
	return g.format(prefix, max+1), nil
}

// FiscalYear returns the two-digit label of the fiscal year containing t: the
// year the fiscal year started in, modulo 100.
func (g Generator) FiscalYear(t time.Time) int {
	start := g.FiscalYearStartMonth
	if start < 1 || start > 12 {
		start = 4
	}
	year := t.Year()
	if int(t.Month()) < start {
		year--
	}
	return year % 100
}

func (g Generator) fiscalPrefix(now time.Time) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%02d-", prefix, g.FiscalYear(now))
}

func (g Generator) format(prefix string, n int64) string {
	digits := g.MinDigits
	if digits < 4 {
		digits = 4
	}
	return fmt.Sprintf("%s%0*d", prefix, digits, n)
}

// classify tags infrastructure-level lock failures as retryable so callers can
// distinguish them from business rejections.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
	}
	return err
}
