package inventory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrItemNotFound indicates the inventory item does not exist.
	ErrItemNotFound = errors.New("inventory: item not found")
	// ErrInsufficientStock indicates a consume would drive quantity negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidQuantity indicates a non-positive quantity or negative cost.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
)

// Querier is the subset of pgx.Tx / pgxpool.Pool the ledger needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Item is an inventory row. AvgUnitCost is the weighted-average unit cost in
// minor units; it only moves on receipts, never on sales.
type Item struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Quantity     int64     `json:"quantity"`
	AvgUnitCost  int64     `json:"avgUnitCost"`
	Sellable     bool      `json:"sellable"`
	SellingPrice int64     `json:"sellingPrice"`
}

// WeightedAverage blends a receipt into the running average unit cost,
// truncating to an integer minor-unit cost.
func WeightedAverage(oldQty, oldAvg, qty, unitCost int64) int64 {
	total := oldQty + qty
	if total <= 0 {
		return unitCost
	}
	return (oldQty*oldAvg + qty*unitCost) / total
}

// Ledger reads and mutates per-item quantity and weighted-average cost. Every
// mutation locks the item row so concurrent bills cannot oversell.
type Ledger struct{}

// Get returns the item without locking it.
func (Ledger) Get(ctx context.Context, q Querier, itemID uuid.UUID) (Item, error) {
	var it Item
	err := q.QueryRow(ctx,
		`SELECT id, name, quantity, avg_unit_cost, sellable, selling_price
		   FROM inventory_items WHERE id = $1`,
		itemID,
	).Scan(&it.ID, &it.Name, &it.Quantity, &it.AvgUnitCost, &it.Sellable, &it.SellingPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return it, nil
}

// Receive books a stock receipt: quantity increases and the average cost is
// re-blended. The read and write happen under a row lock.
func (l Ledger) Receive(ctx context.Context, q Querier, itemID uuid.UUID, qty, unitCost int64) (Item, error) {
	if qty <= 0 || unitCost < 0 {
		return Item{}, ErrInvalidQuantity
	}
	it, err := l.lock(ctx, q, itemID)
	if err != nil {
		return Item{}, err
	}
	it.AvgUnitCost = WeightedAverage(it.Quantity, it.AvgUnitCost, qty, unitCost)
	it.Quantity += qty
	if _, err := q.Exec(ctx,
		`UPDATE inventory_items SET quantity = $2, avg_unit_cost = $3, updated_at = now() WHERE id = $1`,
		itemID, it.Quantity, it.AvgUnitCost,
	); err != nil {
		return Item{}, err
	}
	return it, nil
}

// ConsumeForSale decrements stock for a sale. The check and decrement are one
// atomic read-modify-write per item; the average cost does not move.
func (l Ledger) ConsumeForSale(ctx context.Context, q Querier, itemID uuid.UUID, qty int64) (Item, error) {
	if qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	it, err := l.lock(ctx, q, itemID)
	if err != nil {
		return Item{}, err
	}
	if it.Quantity < qty {
		return Item{}, ErrInsufficientStock
	}
	it.Quantity -= qty
	if _, err := q.Exec(ctx,
		`UPDATE inventory_items SET quantity = $2, updated_at = now() WHERE id = $1`,
		itemID, it.Quantity,
	); err != nil {
		return Item{}, err
	}
	return it, nil
}

// CostOfGoods prices qty units at the current average cost. Billing snapshots
// this at creation time; it is not re-evaluated at posting.
func (l Ledger) CostOfGoods(ctx context.Context, q Querier, itemID uuid.UUID, qty int64) (int64, error) {
	it, err := l.Get(ctx, q, itemID)
	if err != nil {
		return 0, err
	}
	return it.AvgUnitCost * qty, nil
}

func (Ledger) lock(ctx context.Context, q Querier, itemID uuid.UUID) (Item, error) {
	var it Item
	err := q.QueryRow(ctx,
		`SELECT id, name, quantity, avg_unit_cost, sellable, selling_price
		   FROM inventory_items WHERE id = $1 FOR UPDATE`,
		itemID,
	).Scan(&it.ID, &it.Name, &it.Quantity, &it.AvgUnitCost, &it.Sellable, &it.SellingPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return it, nil
}
