package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-salon/internal/catalog"
	"github.com/noah-isme/backend-salon/internal/inventory"
)

// Tx bundles the persistence and transactional collaborator operations the
// engine may perform inside one billing transaction. Payment mutation, state
// transition, invoice minting, and stock decrement all commit or roll back
// together.
type Tx interface {
	InsertBill(ctx context.Context, b *Bill) error
	InsertItem(ctx context.Context, it *BillItem) error
	InsertContribution(ctx context.Context, sc *StaffContribution) error
	// GetBillForUpdate loads the bill with items and payments under a row lock.
	GetBillForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error)
	// UpdateBill persists status, invoice number, reason, links, and stamps.
	UpdateBill(ctx context.Context, b *Bill) error

	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, id uuid.UUID) error

	// NextInvoiceNumber mints the next number for the fiscal year containing
	// now, serialized against concurrent transactions.
	NextInvoiceNumber(ctx context.Context, now time.Time) (string, error)

	ActiveService(ctx context.Context, id uuid.UUID) (catalog.Service, error)
	SellableItem(ctx context.Context, id uuid.UUID) (inventory.Item, error)
	ConsumeStock(ctx context.Context, itemID uuid.UUID, qty int64) error
	CostOfGoods(ctx context.Context, itemID uuid.UUID, qty int64) (int64, error)

	IncrementCustomerStats(ctx context.Context, customerID uuid.UUID, amount int64) error
	PendingBalance(ctx context.Context, customerID uuid.UUID) (int64, error)
	AddPendingBalance(ctx context.Context, customerID uuid.UUID, delta int64) error

	// UnlinkSessions detaches service-session records from a voided bill so
	// they can be rebilled.
	UnlinkSessions(ctx context.Context, billID uuid.UUID) error
}

// Store opens billing transactions and serves read-only projections.
type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
	GetBill(ctx context.Context, id uuid.UUID) (*Bill, error)
	ListBills(ctx context.Context, limit, offset int32) ([]Bill, int64, error)
}
