package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-salon/internal/catalog"
	"github.com/noah-isme/backend-salon/internal/contribution"
	"github.com/noah-isme/backend-salon/internal/customer"
	"github.com/noah-isme/backend-salon/internal/idem"
	"github.com/noah-isme/backend-salon/internal/inventory"
	"github.com/noah-isme/backend-salon/internal/money"
	"github.com/noah-isme/backend-salon/internal/sequence"
)

// memStore is an in-memory Store with real transaction semantics: each
// WithinTx runs against a deep copy and only a successful return publishes it.
type memStore struct {
	mu        sync.Mutex
	bills     map[uuid.UUID]*Bill
	services  map[uuid.UUID]catalog.Service
	items     map[uuid.UUID]inventory.Item
	customers map[uuid.UUID]*customerState
	unlinked  map[uuid.UUID]bool
}

type customerState struct {
	TotalSpent     int64
	VisitCount     int64
	PendingBalance int64
}

func newMemStore() *memStore {
	return &memStore{
		bills:     map[uuid.UUID]*Bill{},
		services:  map[uuid.UUID]catalog.Service{},
		items:     map[uuid.UUID]inventory.Item{},
		customers: map[uuid.UUID]*customerState{},
		unlinked:  map[uuid.UUID]bool{},
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBill(b *Bill) *Bill {
	c := *b
	c.InvoiceNo = clonePtr(b.InvoiceNo)
	c.OriginalBillID = clonePtr(b.OriginalBillID)
	c.RefundBillID = clonePtr(b.RefundBillID)
	c.Reason = clonePtr(b.Reason)
	c.PostedAt = clonePtr(b.PostedAt)
	c.StockConsumedAt = clonePtr(b.StockConsumedAt)
	c.Items = nil
	for _, it := range b.Items {
		ic := it
		ic.Contributions = append([]StaffContribution(nil), it.Contributions...)
		c.Items = append(c.Items, ic)
	}
	c.Payments = append([]Payment(nil), b.Payments...)
	return &c
}

func (s *memStore) clone() *memStore {
	c := newMemStore()
	for id, b := range s.bills {
		c.bills[id] = cloneBill(b)
	}
	for id, svc := range s.services {
		c.services[id] = svc
	}
	for id, it := range s.items {
		c.items[id] = it
	}
	for id, cs := range s.customers {
		dup := *cs
		c.customers[id] = &dup
	}
	for id := range s.unlinked {
		c.unlinked[id] = true
	}
	return c
}

func (s *memStore) WithinTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shadow := s.clone()
	if err := fn(&memTx{s: shadow}); err != nil {
		return err
	}
	s.bills = shadow.bills
	s.services = shadow.services
	s.items = shadow.items
	s.customers = shadow.customers
	s.unlinked = shadow.unlinked
	return nil
}

func (s *memStore) GetBill(_ context.Context, id uuid.UUID) (*Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	return cloneBill(b), nil
}

func (s *memStore) ListBills(_ context.Context, limit, offset int32) ([]Bill, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Bill
	for _, b := range s.bills {
		out = append(out, *cloneBill(b))
	}
	return out, int64(len(s.bills)), nil
}

type memTx struct {
	s *memStore
}

func (t *memTx) InsertBill(_ context.Context, b *Bill) error {
	header := cloneBill(b)
	header.Items = nil
	header.Payments = nil
	t.s.bills[b.ID] = header
	return nil
}

func (t *memTx) InsertItem(_ context.Context, it *BillItem) error {
	b, ok := t.s.bills[it.BillID]
	if !ok {
		return ErrBillNotFound
	}
	ic := *it
	ic.Contributions = nil
	b.Items = append(b.Items, ic)
	return nil
}

func (t *memTx) InsertContribution(_ context.Context, sc *StaffContribution) error {
	for _, b := range t.s.bills {
		for i := range b.Items {
			if b.Items[i].ID == sc.BillItemID {
				b.Items[i].Contributions = append(b.Items[i].Contributions, *sc)
				return nil
			}
		}
	}
	return fmt.Errorf("no item for contribution %s", sc.ID)
}

func (t *memTx) GetBillForUpdate(_ context.Context, id uuid.UUID) (*Bill, error) {
	b, ok := t.s.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	return cloneBill(b), nil
}

func (t *memTx) UpdateBill(_ context.Context, b *Bill) error {
	st, ok := t.s.bills[b.ID]
	if !ok {
		return ErrBillNotFound
	}
	st.InvoiceNo = clonePtr(b.InvoiceNo)
	st.Status = b.Status
	st.OriginalBillID = clonePtr(b.OriginalBillID)
	st.RefundBillID = clonePtr(b.RefundBillID)
	st.Reason = clonePtr(b.Reason)
	st.PostedAt = clonePtr(b.PostedAt)
	st.StockConsumedAt = clonePtr(b.StockConsumedAt)
	st.UpdatedAt = b.UpdatedAt
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	b, ok := t.s.bills[p.BillID]
	if !ok {
		return ErrBillNotFound
	}
	b.Payments = append(b.Payments, *p)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *Payment) error {
	for _, b := range t.s.bills {
		for i := range b.Payments {
			if b.Payments[i].ID == p.ID {
				b.Payments[i] = *p
				return nil
			}
		}
	}
	return ErrPaymentNotFound
}

func (t *memTx) DeletePayment(_ context.Context, id uuid.UUID) error {
	for _, b := range t.s.bills {
		for i := range b.Payments {
			if b.Payments[i].ID == id {
				b.Payments = append(b.Payments[:i], b.Payments[i+1:]...)
				return nil
			}
		}
	}
	return ErrPaymentNotFound
}

func (t *memTx) NextInvoiceNumber(_ context.Context, now time.Time) (string, error) {
	g := sequence.Generator{Prefix: "INV", FiscalYearStartMonth: 4}
	prefix := fmt.Sprintf("INV-%02d-", g.FiscalYear(now))
	var max int64
	for _, b := range t.s.bills {
		if b.InvoiceNo == nil || !strings.HasPrefix(*b.InvoiceNo, prefix) {
			continue
		}
		n, err := strconv.ParseInt((*b.InvoiceNo)[len(prefix):], 10, 64)
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%04d", prefix, max+1), nil
}

func (t *memTx) ActiveService(_ context.Context, id uuid.UUID) (catalog.Service, error) {
	svc, ok := t.s.services[id]
	if !ok {
		return catalog.Service{}, catalog.ErrNotFound
	}
	return svc, nil
}

func (t *memTx) SellableItem(_ context.Context, id uuid.UUID) (inventory.Item, error) {
	it, ok := t.s.items[id]
	if !ok {
		return inventory.Item{}, inventory.ErrItemNotFound
	}
	if !it.Sellable {
		return inventory.Item{}, ErrNotSellable
	}
	return it, nil
}

func (t *memTx) ConsumeStock(_ context.Context, itemID uuid.UUID, qty int64) error {
	it, ok := t.s.items[itemID]
	if !ok {
		return inventory.ErrItemNotFound
	}
	if it.Quantity < qty {
		return inventory.ErrInsufficientStock
	}
	it.Quantity -= qty
	t.s.items[itemID] = it
	return nil
}

func (t *memTx) CostOfGoods(_ context.Context, itemID uuid.UUID, qty int64) (int64, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return 0, inventory.ErrItemNotFound
	}
	return it.AvgUnitCost * qty, nil
}

func (t *memTx) IncrementCustomerStats(_ context.Context, customerID uuid.UUID, amount int64) error {
	c, ok := t.s.customers[customerID]
	if !ok {
		return customer.ErrNotFound
	}
	c.TotalSpent += amount
	if amount > 0 {
		c.VisitCount++
	}
	return nil
}

func (t *memTx) PendingBalance(_ context.Context, customerID uuid.UUID) (int64, error) {
	c, ok := t.s.customers[customerID]
	if !ok {
		return 0, customer.ErrNotFound
	}
	return c.PendingBalance, nil
}

func (t *memTx) AddPendingBalance(_ context.Context, customerID uuid.UUID, delta int64) error {
	c, ok := t.s.customers[customerID]
	if !ok {
		return customer.ErrNotFound
	}
	c.PendingBalance += delta
	return nil
}

func (t *memTx) UnlinkSessions(_ context.Context, billID uuid.UUID) error {
	t.s.unlinked[billID] = true
	return nil
}

var testNow = time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(store Store) *Engine {
	return &Engine{
		Store:     store,
		Tax:       money.Calculator{RateBps: 1800, MajorUnit: 100},
		Splits:    &contribution.Calculator{},
		Tolerance: 10,
		Log:       zerolog.Nop(),
		Now:       func() time.Time { return testNow },
	}
}

// seedService registers a haircut-style service priced at 50000 with one
// material line against the given inventory item.
func seedService(s *memStore, materialID uuid.UUID) uuid.UUID {
	id := uuid.New()
	svc := catalog.Service{ID: id, Name: "Haircut", Price: 50000, DurationMinutes: 45}
	if materialID != uuid.Nil {
		svc.MaterialUsage = []catalog.MaterialLine{{InventoryItemID: materialID, Quantity: 1}}
	}
	s.services[id] = svc
	return id
}

func seedItem(s *memStore, qty, avgCost int64, sellable bool, price int64) uuid.UUID {
	id := uuid.New()
	s.items[id] = inventory.Item{
		ID: id, Name: "Shampoo", Quantity: qty, AvgUnitCost: avgCost,
		Sellable: sellable, SellingPrice: price,
	}
	return id
}

func seedCustomer(s *memStore, pending int64) uuid.UUID {
	id := uuid.New()
	s.customers[id] = &customerState{PendingBalance: pending}
	return id
}

func serviceLine(serviceID uuid.UUID) CreateItemInput {
	return CreateItemInput{ServiceID: &serviceID, Quantity: 1}
}

func TestCreateDecomposesTaxAndSnapshotsCOGS(t *testing.T) {
	store := newMemStore()
	material := seedItem(store, 100, 1000, false, 0)
	serviceID := seedService(store, material)
	eng := newTestEngine(store)

	bill, err := eng.Create(context.Background(), "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bill.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", bill.Status)
	}
	if bill.Subtotal != 50000 || bill.RoundedTotal != 50000 || bill.RoundingAdjustment != 0 {
		t.Fatalf("unexpected totals: %+v", bill)
	}
	if bill.TaxableValue != 42373 || bill.CGST != 3814 || bill.SGST != 3813 || bill.TotalTax != 7627 {
		t.Fatalf("unexpected tax breakdown: %+v", bill)
	}
	if bill.TaxableValue+bill.TotalTax != bill.PreRoundTotal {
		t.Fatalf("tax does not reconcile: %+v", bill)
	}
	if bill.Items[0].COGS != 1000 {
		t.Fatalf("expected material cost snapshot 1000, got %d", bill.Items[0].COGS)
	}
	if bill.InvoiceNo != nil {
		t.Fatalf("draft bill must not carry an invoice number")
	}
	// stock is untouched until the bill posts
	if store.items[material].Quantity != 100 {
		t.Fatalf("creation must not consume stock")
	}
}

func TestCreateValidation(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	itemID := seedItem(store, 10, 1000, true, 25000)
	eng := newTestEngine(store)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"no items", CreateInput{}, ErrNoItems},
		{"negative discount", CreateInput{Discount: -1, Items: []CreateItemInput{serviceLine(serviceID)}}, ErrNegativeAmount},
		{"both references", CreateInput{Items: []CreateItemInput{{ServiceID: &serviceID, InventoryItemID: &itemID, Quantity: 1}}}, ErrItemReference},
		{"no reference", CreateInput{Items: []CreateItemInput{{Quantity: 1}}}, ErrItemReference},
		{"zero quantity", CreateInput{Items: []CreateItemInput{{ServiceID: &serviceID}}}, ErrInvalidQuantity},
		{"discount exceeds subtotal", CreateInput{Discount: 50001, Items: []CreateItemInput{serviceLine(serviceID)}}, ErrDiscountExceedsSubtotal},
	}
	for _, tc := range cases {
		if _, err := eng.Create(ctx, "", tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	unknown := uuid.New()
	if _, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(unknown)}}); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected catalog not found, got %v", err)
	}
}

func TestCreateRejectsUnsellableAndOutOfStock(t *testing.T) {
	store := newMemStore()
	internalOnly := seedItem(store, 10, 1000, false, 0)
	lowStock := seedItem(store, 1, 1000, true, 25000)
	eng := newTestEngine(store)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{{InventoryItemID: &internalOnly, Quantity: 1}}}); !errors.Is(err, ErrNotSellable) {
		t.Fatalf("expected not sellable, got %v", err)
	}
	if _, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{{InventoryItemID: &lowStock, Quantity: 2}}}); !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestCreatePersistsContributions(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)

	alice, bob := uuid.New(), uuid.New()
	line := serviceLine(serviceID)
	line.Staff = []contribution.Share{
		{StaffID: alice, Type: contribution.SplitPercentage, PercentBps: 6000},
		{StaffID: bob, Type: contribution.SplitPercentage, PercentBps: 4000},
	}
	bill, err := eng.Create(context.Background(), "", CreateInput{Items: []CreateItemInput{line}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := bill.Items[0].Contributions
	if len(got) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(got))
	}
	if got[0].Amount+got[1].Amount != bill.Items[0].LineTotal {
		t.Fatalf("contributions %d+%d must sum to line total %d", got[0].Amount, got[1].Amount, bill.Items[0].LineTotal)
	}
	if got[0].Amount != 30000 || got[1].Amount != 20000 {
		t.Fatalf("unexpected split: %d / %d", got[0].Amount, got[1].Amount)
	}

	bad := serviceLine(serviceID)
	bad.Staff = []contribution.Share{
		{StaffID: alice, Type: contribution.SplitPercentage, PercentBps: 5000},
	}
	if _, err := eng.Create(context.Background(), "", CreateInput{Items: []CreateItemInput{bad}}); !errors.Is(err, contribution.ErrPercentSumInvalid) {
		t.Fatalf("expected percent sum error, got %v", err)
	}
}

func TestPaymentsPostBillAndConsumeStock(t *testing.T) {
	store := newMemStore()
	itemID := seedItem(store, 5, 10000, true, 25000)
	custID := seedCustomer(store, 0)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{
		CustomerID: &custID,
		Items:      []CreateItemInput{{InventoryItemID: &itemID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 50000 total: partial payment keeps it draft
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 30000})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if bill.Status != StatusDraft || bill.InvoiceNo != nil {
		t.Fatalf("expected draft without invoice, got %s %v", bill.Status, bill.InvoiceNo)
	}

	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "upi", Amount: 20000})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if bill.Status != StatusPosted {
		t.Fatalf("expected posted, got %s", bill.Status)
	}
	if bill.InvoiceNo == nil || *bill.InvoiceNo != "INV-26-0001" {
		t.Fatalf("expected INV-26-0001, got %v", bill.InvoiceNo)
	}
	if bill.PostedAt == nil {
		t.Fatalf("posted bill must carry a posting timestamp")
	}
	if store.items[itemID].Quantity != 3 {
		t.Fatalf("expected stock 3 after sale, got %d", store.items[itemID].Quantity)
	}
	cust := store.customers[custID]
	if cust.TotalSpent != 50000 || cust.VisitCount != 1 {
		t.Fatalf("unexpected customer stats: %+v", cust)
	}

	if _, err := eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 100}); !errors.Is(err, ErrBillNotDraft) {
		t.Fatalf("expected BillNotDraft on posted bill, got %v", err)
	}
}

func TestPaymentDeletionRevertsWithoutReversingSideEffects(t *testing.T) {
	store := newMemStore()
	itemID := seedItem(store, 5, 10000, true, 25000)
	custID := seedCustomer(store, 0)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{
		CustomerID: &custID,
		Items:      []CreateItemInput{{InventoryItemID: &itemID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 30000}); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "card", Amount: 20000})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	second := bill.Payments[1].ID

	bill, err = eng.DeletePayment(ctx, bill.ID, second)
	if err != nil {
		t.Fatalf("delete payment: %v", err)
	}
	if bill.Status != StatusDraft {
		t.Fatalf("expected revert to draft, got %s", bill.Status)
	}
	if bill.InvoiceNo == nil || *bill.InvoiceNo != "INV-26-0001" {
		t.Fatalf("invoice number must survive the revert, got %v", bill.InvoiceNo)
	}
	// decrement is permanent, stats are not rolled back
	if store.items[itemID].Quantity != 3 {
		t.Fatalf("stock must not be restored on revert, got %d", store.items[itemID].Quantity)
	}
	if store.customers[custID].TotalSpent != 50000 {
		t.Fatalf("stats must not be rolled back, got %d", store.customers[custID].TotalSpent)
	}

	// re-posting reuses the invoice number and never double-applies side effects
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 20000})
	if err != nil {
		t.Fatalf("repost payment: %v", err)
	}
	if bill.Status != StatusPosted || *bill.InvoiceNo != "INV-26-0001" {
		t.Fatalf("expected reposted with same invoice, got %s %v", bill.Status, bill.InvoiceNo)
	}
	if store.items[itemID].Quantity != 3 {
		t.Fatalf("repost must not consume stock again, got %d", store.items[itemID].Quantity)
	}
	if store.customers[custID].TotalSpent != 50000 {
		t.Fatalf("repost must not double-count spend, got %d", store.customers[custID].TotalSpent)
	}
}

func TestOverpaymentAbsorbedAgainstPendingBalance(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	custID := seedCustomer(store, 15000)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{CustomerID: &custID, Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 60000})
	if err != nil {
		t.Fatalf("overpayment: %v", err)
	}
	if bill.Status != StatusPosted {
		t.Fatalf("expected posted, got %s", bill.Status)
	}
	cust := store.customers[custID]
	if cust.PendingBalance != 5000 {
		t.Fatalf("expected 10000 absorbed, balance 5000, got %d", cust.PendingBalance)
	}
	if cust.TotalSpent != 50000 {
		t.Fatalf("spend counts the bill total, not the tender, got %d", cust.TotalSpent)
	}
}

func TestOverpaymentBeyondBalanceRejected(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	custID := seedCustomer(store, 500)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{CustomerID: &custID, Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 60000}); !errors.Is(err, ErrOverpaymentExceedsBalance) {
		t.Fatalf("expected overpayment rejection, got %v", err)
	}
	// rejection rolls the whole transaction back
	got, err := store.GetBill(ctx, bill.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Payments) != 0 || got.Status != StatusDraft {
		t.Fatalf("rejected payment must leave no trace: %+v", got)
	}

	// a walk-in bill has no balance to absorb into
	walkin, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create walk-in: %v", err)
	}
	if _, err := eng.AddPayment(ctx, walkin.ID, PaymentInput{Method: "cash", Amount: 60000}); !errors.Is(err, ErrOverpaymentExceedsBalance) {
		t.Fatalf("expected walk-in overpayment rejection, got %v", err)
	}
}

func TestPaymentToleranceAbsorbsRoundingSlack(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 10 short of 50000 still posts under the tolerance
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 49990})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if bill.Status != StatusPosted {
		t.Fatalf("expected tolerance post, got %s", bill.Status)
	}
}

func TestCompleteBooksShortfallToPendingBalance(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	custID := seedCustomer(store, 0)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{CustomerID: &custID, Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 20000}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	bill, err = eng.Complete(ctx, bill.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if bill.Status != StatusPosted || bill.InvoiceNo == nil {
		t.Fatalf("expected posted with invoice, got %s %v", bill.Status, bill.InvoiceNo)
	}
	cust := store.customers[custID]
	if cust.TotalSpent != 20000 {
		t.Fatalf("spend credits only the paid amount, got %d", cust.TotalSpent)
	}
	if cust.PendingBalance != 30000 {
		t.Fatalf("shortfall must land on the pending balance, got %d", cust.PendingBalance)
	}

	if _, err := eng.Complete(ctx, bill.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("completing a posted bill must fail, got %v", err)
	}
}

func TestVoidUnlinksSessionsAndMintsNoInvoice(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bill, err = eng.Void(ctx, bill.ID, "customer walked out")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if bill.Status != StatusVoid || bill.InvoiceNo != nil {
		t.Fatalf("expected void without invoice, got %s %v", bill.Status, bill.InvoiceNo)
	}
	if bill.Reason == nil || *bill.Reason != "customer walked out" {
		t.Fatalf("void must record its reason, got %v", bill.Reason)
	}
	if !store.unlinked[bill.ID] {
		t.Fatalf("void must detach linked sessions")
	}

	posted, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err = eng.AddPayment(ctx, posted.ID, PaymentInput{Method: "cash", Amount: 50000}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := eng.Void(ctx, posted.ID, "oops"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("voiding a posted bill must fail, got %v", err)
	}
}

func TestRefundIssuesNegatedMirror(t *testing.T) {
	store := newMemStore()
	itemID := seedItem(store, 5, 10000, true, 25000)
	custID := seedCustomer(store, 0)
	eng := newTestEngine(store)
	ctx := context.Background()

	alice := uuid.New()
	line := CreateItemInput{
		InventoryItemID: &itemID,
		Quantity:        2,
		Staff:           []contribution.Share{{StaffID: alice, Type: contribution.SplitEqual}},
	}
	bill, err := eng.Create(ctx, "", CreateInput{CustomerID: &custID, Items: []CreateItemInput{line}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "card", Amount: 50000}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	refund, err := eng.Refund(ctx, bill.ID, "defective product")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Status != StatusPosted {
		t.Fatalf("refund mirror must post, got %s", refund.Status)
	}
	if refund.InvoiceNo == nil || *refund.InvoiceNo != "INV-26-0002" {
		t.Fatalf("refund needs its own invoice number, got %v", refund.InvoiceNo)
	}
	if refund.RoundedTotal != -50000 || refund.Subtotal != -50000 || refund.TotalTax != -7627 {
		t.Fatalf("refund money fields must be negated: %+v", refund)
	}
	if refund.OriginalBillID == nil || *refund.OriginalBillID != bill.ID {
		t.Fatalf("refund must link the original bill")
	}
	if refund.Items[0].Quantity != -2 || refund.Items[0].LineTotal != -50000 {
		t.Fatalf("refund items must be negated: %+v", refund.Items[0])
	}
	if refund.Items[0].Contributions[0].Amount != -50000 {
		t.Fatalf("refund contributions must be negated: %+v", refund.Items[0].Contributions[0])
	}

	original, err := store.GetBill(ctx, bill.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.Status != StatusRefunded {
		t.Fatalf("original must become refunded, got %s", original.Status)
	}
	if original.RefundBillID == nil || *original.RefundBillID != refund.ID {
		t.Fatalf("original must link the refund bill")
	}
	// consumed stock stays consumed; lifetime spend is backed out
	if store.items[itemID].Quantity != 3 {
		t.Fatalf("refund must not restock, got %d", store.items[itemID].Quantity)
	}
	if store.customers[custID].TotalSpent != 0 {
		t.Fatalf("refund must back out lifetime spend, got %d", store.customers[custID].TotalSpent)
	}

	if _, err := eng.Refund(ctx, bill.ID, "again"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("second refund must fail, got %v", err)
	}
	if _, err := eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 1}); !errors.Is(err, ErrBillRefunded) {
		t.Fatalf("payments on a refunded bill must fail, got %v", err)
	}

	draft, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{{InventoryItemID: &itemID, Quantity: 1}}})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := eng.Refund(ctx, draft.ID, "not posted"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("refunding a draft must fail, got %v", err)
	}
}

func TestUpdatePaymentFlipsStatusBothWays(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 50000})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	paymentID := bill.Payments[0].ID

	bill, err = eng.UpdatePayment(ctx, bill.ID, paymentID, PaymentInput{Method: "cash", Amount: 30000})
	if err != nil {
		t.Fatalf("shrink payment: %v", err)
	}
	if bill.Status != StatusDraft {
		t.Fatalf("underpayment must revert to draft, got %s", bill.Status)
	}

	bill, err = eng.UpdatePayment(ctx, bill.ID, paymentID, PaymentInput{Method: "cash", Amount: 50000})
	if err != nil {
		t.Fatalf("restore payment: %v", err)
	}
	if bill.Status != StatusPosted {
		t.Fatalf("restored payment must repost, got %s", bill.Status)
	}

	if _, err := eng.UpdatePayment(ctx, bill.ID, paymentID, PaymentInput{Method: "cash", Amount: 90000}); !errors.Is(err, ErrOverpaymentExceedsBalance) {
		t.Fatalf("amendment beyond tolerance must fail, got %v", err)
	}
	if _, err := eng.UpdatePayment(ctx, bill.ID, uuid.New(), PaymentInput{Method: "cash", Amount: 100}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}
}

func TestTipCountsTowardPayableTotal(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{TipAmount: 5000, Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bill.PayableTotal() != 55000 {
		t.Fatalf("expected payable 55000, got %d", bill.PayableTotal())
	}
	// the tip is excluded from the tax base
	if bill.TaxableValue != 42373 {
		t.Fatalf("tip must not be taxed, got taxable %d", bill.TaxableValue)
	}
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 50000})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if bill.Status != StatusDraft {
		t.Fatalf("bill must not post before the tip is covered, got %s", bill.Status)
	}
	bill, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 5000})
	if err != nil {
		t.Fatalf("tip payment: %v", err)
	}
	if bill.Status != StatusPosted {
		t.Fatalf("expected posted, got %s", bill.Status)
	}
}

func TestDiscountShrinksTaxBase(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)

	bill, err := eng.Create(context.Background(), "", CreateInput{
		Discount: 10000,
		Items:    []CreateItemInput{serviceLine(serviceID)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bill.PreRoundTotal != 40000 {
		t.Fatalf("expected pre-round total 40000, got %d", bill.PreRoundTotal)
	}
	if bill.TaxableValue+bill.TotalTax != 40000 {
		t.Fatalf("tax must decompose the discounted amount: %+v", bill)
	}
	if bill.RoundedTotal != 40000 {
		t.Fatalf("expected rounded total 40000, got %d", bill.RoundedTotal)
	}
}

func TestCreateIsIdempotentUnderToken(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	eng.Idem = &idem.Store{R: client, TTL: time.Hour}
	ctx := context.Background()

	in := CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}}
	first, err := eng.Create(ctx, "pos-7/receipt-42", in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	retry, err := eng.Create(ctx, "pos-7/receipt-42", in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID != first.ID {
		t.Fatalf("retry must return the original bill, got %s and %s", first.ID, retry.ID)
	}
	if len(store.bills) != 1 {
		t.Fatalf("retry must not create a second bill, got %d", len(store.bills))
	}

	other, err := eng.Create(ctx, "pos-7/receipt-43", in)
	if err != nil {
		t.Fatalf("fresh token: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("a fresh token must create a fresh bill")
	}
}

type notifierSpy struct {
	mu    sync.Mutex
	bills []uuid.UUID
}

func (n *notifierSpy) BillPosted(_ context.Context, b *Bill) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bills = append(n.bills, b.ID)
	return nil
}

func TestNotifierFiresOncePerPosting(t *testing.T) {
	store := newMemStore()
	serviceID := seedService(store, uuid.Nil)
	eng := newTestEngine(store)
	spy := &notifierSpy{}
	eng.Notifier = spy
	ctx := context.Background()

	bill, err := eng.Create(ctx, "", CreateInput{Items: []CreateItemInput{serviceLine(serviceID)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 30000}); err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if len(spy.bills) != 0 {
		t.Fatalf("partial payment must not notify")
	}
	if _, err = eng.AddPayment(ctx, bill.ID, PaymentInput{Method: "cash", Amount: 20000}); err != nil {
		t.Fatalf("closing payment: %v", err)
	}
	if len(spy.bills) != 1 || spy.bills[0] != bill.ID {
		t.Fatalf("expected one notification for %s, got %v", bill.ID, spy.bills)
	}
}
