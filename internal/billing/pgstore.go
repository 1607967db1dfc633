package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-salon/internal/catalog"
	"github.com/noah-isme/backend-salon/internal/customer"
	"github.com/noah-isme/backend-salon/internal/inventory"
	"github.com/noah-isme/backend-salon/internal/sequence"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgStore is the Postgres-backed billing store. The collaborators are
// stateless; they run against whatever transaction the engine opened so the
// invoice mint, stock decrement, and bill write commit together.
type PgStore struct {
	Pool      *pgxpool.Pool
	Seq       sequence.Generator
	Ledger    inventory.Ledger
	Catalog   catalog.Source
	Customers customer.Aggregates
}

// NewPgStore wires the store with its transactional collaborators.
func NewPgStore(pool *pgxpool.Pool, seq sequence.Generator) *PgStore {
	return &PgStore{Pool: pool, Seq: seq}
}

// WithinTx runs fn inside one transaction; any error rolls the whole
// operation back.
func (s *PgStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(&pgTx{tx: tx, store: s}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetBill loads a bill with its items, contributions, and payments.
func (s *PgStore) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return loadBill(ctx, s.Pool, id, false)
}

// ListBills returns a page of bill headers, newest first, plus the total
// count. Items and payments are loaded on demand via GetBill.
func (s *PgStore) ListBills(ctx context.Context, limit, offset int32) ([]Bill, int64, error) {
	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM bills`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.Pool.Query(ctx,
		billSelect+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var bills []Bill
	for rows.Next() {
		var b Bill
		if err := scanBill(rows, &b); err != nil {
			return nil, 0, err
		}
		bills = append(bills, b)
	}
	return bills, total, rows.Err()
}

type pgTx struct {
	tx    pgx.Tx
	store *PgStore
}

const billSelect = `SELECT id, customer_id, invoice_no, status, subtotal, discount,
       taxable_value, cgst, sgst, total_tax, pre_round_total, rounded_total,
       rounding_adjustment, tip_amount, original_bill_id, refund_bill_id,
       reason, posted_at, stock_consumed_at, created_at, updated_at
  FROM bills`

func scanBill(row pgx.Row, b *Bill) error {
	return row.Scan(
		&b.ID, &b.CustomerID, &b.InvoiceNo, &b.Status, &b.Subtotal, &b.Discount,
		&b.TaxableValue, &b.CGST, &b.SGST, &b.TotalTax, &b.PreRoundTotal, &b.RoundedTotal,
		&b.RoundingAdjustment, &b.TipAmount, &b.OriginalBillID, &b.RefundBillID,
		&b.Reason, &b.PostedAt, &b.StockConsumedAt, &b.CreatedAt, &b.UpdatedAt,
	)
}

func loadBill(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Bill, error) {
	query := billSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var b Bill
	err := scanBill(q.QueryRow(ctx, query, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, q, &b); err != nil {
		return nil, err
	}
	if err := loadPayments(ctx, q, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func loadItems(ctx context.Context, q querier, b *Bill) error {
	rows, err := q.Query(ctx,
		`SELECT id, bill_id, service_id, inventory_item_id, description, quantity,
		        unit_price, line_total, cogs
		   FROM bill_items WHERE bill_id = $1 ORDER BY created_at, id`,
		b.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var it BillItem
		if err := rows.Scan(&it.ID, &it.BillID, &it.ServiceID, &it.InventoryItemID,
			&it.Description, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.COGS); err != nil {
			return err
		}
		index[it.ID] = len(b.Items)
		b.Items = append(b.Items, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crows, err := q.Query(ctx,
		`SELECT sc.id, sc.bill_item_id, sc.staff_id, sc.split_type, sc.percent_bps,
		        sc.fixed_amount, sc.minutes, sc.role, sc.amount
		   FROM staff_contributions sc
		   JOIN bill_items bi ON bi.id = sc.bill_item_id
		  WHERE bi.bill_id = $1
		  ORDER BY sc.created_at, sc.id`,
		b.ID,
	)
	if err != nil {
		return err
	}
	defer crows.Close()
	for crows.Next() {
		var sc StaffContribution
		if err := crows.Scan(&sc.ID, &sc.BillItemID, &sc.StaffID, &sc.SplitType,
			&sc.PercentBps, &sc.FixedAmount, &sc.Minutes, &sc.Role, &sc.Amount); err != nil {
			return err
		}
		if i, ok := index[sc.BillItemID]; ok {
			b.Items[i].Contributions = append(b.Items[i].Contributions, sc)
		}
	}
	return crows.Err()
}

func loadPayments(ctx context.Context, q querier, b *Bill) error {
	rows, err := q.Query(ctx,
		`SELECT id, bill_id, method, amount, reference, received_by, received_at
		   FROM payments WHERE bill_id = $1 ORDER BY received_at, id`,
		b.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BillID, &p.Method, &p.Amount,
			&p.Reference, &p.ReceivedBy, &p.ReceivedAt); err != nil {
			return err
		}
		b.Payments = append(b.Payments, p)
	}
	return rows.Err()
}

func (t *pgTx) InsertBill(ctx context.Context, b *Bill) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bills (id, customer_id, invoice_no, status, subtotal, discount,
		        taxable_value, cgst, sgst, total_tax, pre_round_total, rounded_total,
		        rounding_adjustment, tip_amount, original_bill_id, refund_bill_id,
		        reason, posted_at, stock_consumed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		b.ID, b.CustomerID, b.InvoiceNo, b.Status, b.Subtotal, b.Discount,
		b.TaxableValue, b.CGST, b.SGST, b.TotalTax, b.PreRoundTotal, b.RoundedTotal,
		b.RoundingAdjustment, b.TipAmount, b.OriginalBillID, b.RefundBillID,
		b.Reason, b.PostedAt, b.StockConsumedAt, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertItem(ctx context.Context, it *BillItem) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bill_items (id, bill_id, service_id, inventory_item_id,
		        description, quantity, unit_price, line_total, cogs)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		it.ID, it.BillID, it.ServiceID, it.InventoryItemID,
		it.Description, it.Quantity, it.UnitPrice, it.LineTotal, it.COGS,
	)
	return err
}

func (t *pgTx) InsertContribution(ctx context.Context, sc *StaffContribution) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO staff_contributions (id, bill_item_id, staff_id, split_type,
		        percent_bps, fixed_amount, minutes, role, amount)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sc.ID, sc.BillItemID, sc.StaffID, sc.SplitType,
		sc.PercentBps, sc.FixedAmount, sc.Minutes, sc.Role, sc.Amount,
	)
	return err
}

func (t *pgTx) GetBillForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return loadBill(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateBill(ctx context.Context, b *Bill) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bills
		    SET invoice_no = $2, status = $3, original_bill_id = $4, refund_bill_id = $5,
		        reason = $6, posted_at = $7, stock_consumed_at = $8, updated_at = $9
		  WHERE id = $1`,
		b.ID, b.InvoiceNo, b.Status, b.OriginalBillID, b.RefundBillID,
		b.Reason, b.PostedAt, b.StockConsumedAt, b.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payments (id, bill_id, method, amount, reference, received_by, received_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.BillID, p.Method, p.Amount, p.Reference, p.ReceivedBy, p.ReceivedAt,
	)
	return err
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payments SET method = $2, amount = $3, reference = $4, received_by = $5
		  WHERE id = $1`,
		p.ID, p.Method, p.Amount, p.Reference, p.ReceivedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgTx) DeletePayment(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgTx) NextInvoiceNumber(ctx context.Context, now time.Time) (string, error) {
	return t.store.Seq.Next(ctx, t.tx, now)
}

func (t *pgTx) ActiveService(ctx context.Context, id uuid.UUID) (catalog.Service, error) {
	return t.store.Catalog.GetActive(ctx, t.tx, id)
}

func (t *pgTx) SellableItem(ctx context.Context, id uuid.UUID) (inventory.Item, error) {
	it, err := t.store.Ledger.Get(ctx, t.tx, id)
	if err != nil {
		return inventory.Item{}, err
	}
	if !it.Sellable {
		return inventory.Item{}, ErrNotSellable
	}
	return it, nil
}

func (t *pgTx) ConsumeStock(ctx context.Context, itemID uuid.UUID, qty int64) error {
	_, err := t.store.Ledger.ConsumeForSale(ctx, t.tx, itemID, qty)
	return err
}

func (t *pgTx) CostOfGoods(ctx context.Context, itemID uuid.UUID, qty int64) (int64, error) {
	return t.store.Ledger.CostOfGoods(ctx, t.tx, itemID, qty)
}

func (t *pgTx) IncrementCustomerStats(ctx context.Context, customerID uuid.UUID, amount int64) error {
	return t.store.Customers.IncrementStats(ctx, t.tx, customerID, amount)
}

func (t *pgTx) PendingBalance(ctx context.Context, customerID uuid.UUID) (int64, error) {
	return t.store.Customers.PendingBalance(ctx, t.tx, customerID)
}

func (t *pgTx) AddPendingBalance(ctx context.Context, customerID uuid.UUID, delta int64) error {
	return t.store.Customers.AddPendingBalance(ctx, t.tx, customerID, delta)
}

func (t *pgTx) UnlinkSessions(ctx context.Context, billID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE sessions SET bill_id = NULL, updated_at = now() WHERE bill_id = $1`,
		billID,
	)
	return err
}
