package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-salon/internal/contribution"
	"github.com/noah-isme/backend-salon/internal/idem"
	"github.com/noah-isme/backend-salon/internal/inventory"
	"github.com/noah-isme/backend-salon/internal/lock"
	"github.com/noah-isme/backend-salon/internal/money"
	"github.com/noah-isme/backend-salon/internal/obs"
	"github.com/noah-isme/backend-salon/internal/resilience"
	"github.com/noah-isme/backend-salon/internal/sequence"
)

// DefaultPaymentTolerance is the slack, in minor units, allowed between the
// paid total and the payable total before a bill posts or an overpayment is
// escalated.
const DefaultPaymentTolerance = 10

// Notifier is called after a bill posts; failures are logged, never surfaced.
type Notifier interface {
	BillPosted(ctx context.Context, b *Bill) error
}

// Engine owns the bill lifecycle: creation, payment reconciliation, posting,
// void, and refund. Every mutating operation runs inside one store transaction
// so totals, invoice numbers, stock, and customer aggregates move together.
type Engine struct {
	Store  Store
	Tax    money.Calculator
	Splits *contribution.Calculator
	Idem   *idem.Store
	// Tolerance in minor units; zero falls back to DefaultPaymentTolerance.
	Tolerance int64
	// InFlight serializes concurrent creates carrying the same idempotency
	// token so a double-submitted request cannot race past the token check.
	InFlight *lock.Locker
	Notifier Notifier
	Log      zerolog.Logger
	// Now is injectable for fiscal-year boundary tests.
	Now func() time.Time
}

// CreateItemInput is one requested line. Exactly one of ServiceID and
// InventoryItemID must be set.
type CreateItemInput struct {
	ServiceID       *uuid.UUID
	InventoryItemID *uuid.UUID
	Quantity        int64
	Staff           []contribution.Share
}

// CreateInput is a request to open a draft bill.
type CreateInput struct {
	CustomerID *uuid.UUID
	Discount   int64
	TipAmount  int64
	Items      []CreateItemInput
}

// PaymentInput records one tender against a bill.
type PaymentInput struct {
	Method     string
	Amount     int64
	Reference  *string
	ReceivedBy string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) tolerance() int64 {
	if e.Tolerance > 0 {
		return e.Tolerance
	}
	return DefaultPaymentTolerance
}

// withinTxRetry reruns the transaction on retryable sequence contention.
// Nothing was committed on such a failure, so the rerun is safe.
func (e *Engine) withinTxRetry(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = e.Store.WithinTx(ctx, fn)
		if err == nil || !errors.Is(err, sequence.ErrRetryable) || attempt >= 3 {
			return err
		}
		if obs.InvoiceSequenceRetryTotal != nil {
			obs.InvoiceSequenceRetryTotal.Inc()
		}
		e.Log.Warn().Err(err).Int("attempt", attempt).Msg("invoice minting contention, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(resilience.Backoff(50*time.Millisecond, attempt, 0.2)):
		}
	}
}

// Create opens a draft bill. Prices and costs are snapshotted from the catalog
// and the inventory ledger at creation time; stock is not touched until the
// bill posts. When token is non-empty and was seen before, the bill created
// under it is returned instead of a new one.
func (e *Engine) Create(ctx context.Context, token string, in CreateInput) (*Bill, error) {
	if token != "" && e.InFlight != nil {
		var bill *Bill
		err := e.InFlight.WithLock(ctx, "lock:bill-create:"+token, 10*time.Second, func(ctx context.Context) error {
			b, err := e.create(ctx, token, in)
			bill = b
			return err
		})
		return bill, err
	}
	return e.create(ctx, token, in)
}

func (e *Engine) create(ctx context.Context, token string, in CreateInput) (*Bill, error) {
	if id, ok, err := e.Idem.Check(ctx, token); err != nil {
		return nil, err
	} else if ok {
		existing, err := e.Store.GetBill(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrBillNotFound) {
			return nil, err
		}
		// the remembered bill is gone; fall through and create fresh
	}

	if err := validateCreate(in); err != nil {
		return nil, err
	}

	var bill *Bill
	err := e.Store.WithinTx(ctx, func(tx Tx) error {
		b, err := e.buildBill(ctx, tx, in)
		if err != nil {
			return err
		}
		if err := tx.InsertBill(ctx, b); err != nil {
			return err
		}
		for i := range b.Items {
			if err := tx.InsertItem(ctx, &b.Items[i]); err != nil {
				return err
			}
			for j := range b.Items[i].Contributions {
				if err := tx.InsertContribution(ctx, &b.Items[i].Contributions[j]); err != nil {
					return err
				}
			}
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.Idem.Remember(ctx, token, bill.ID); err != nil {
		e.Log.Warn().Err(err).Str("bill_id", bill.ID.String()).Msg("remember idempotency token")
	}
	if obs.BillsCreatedTotal != nil {
		obs.BillsCreatedTotal.Inc()
	}
	e.Log.Info().Str("bill_id", bill.ID.String()).Int64("total", bill.PayableTotal()).Msg("bill created")
	return bill, nil
}

func validateCreate(in CreateInput) error {
	if len(in.Items) == 0 {
		return ErrNoItems
	}
	if in.Discount < 0 || in.TipAmount < 0 {
		return ErrNegativeAmount
	}
	for _, it := range in.Items {
		if (it.ServiceID == nil) == (it.InventoryItemID == nil) {
			return ErrItemReference
		}
		if it.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// buildBill resolves references, snapshots prices and costs, decomposes tax,
// applies cash rounding, and computes staff contributions. It performs no
// writes.
func (e *Engine) buildBill(ctx context.Context, tx Tx, in CreateInput) (*Bill, error) {
	now := e.now()
	b := &Bill{
		ID:         uuid.New(),
		CustomerID: in.CustomerID,
		Status:     StatusDraft,
		Discount:   in.Discount,
		TipAmount:  in.TipAmount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, req := range in.Items {
		item := BillItem{
			ID:              uuid.New(),
			BillID:          b.ID,
			ServiceID:       req.ServiceID,
			InventoryItemID: req.InventoryItemID,
			Quantity:        req.Quantity,
		}
		switch {
		case req.ServiceID != nil:
			svc, err := tx.ActiveService(ctx, *req.ServiceID)
			if err != nil {
				return nil, err
			}
			item.Description = svc.Name
			item.UnitPrice = svc.Price
			for _, mat := range svc.MaterialUsage {
				cost, err := tx.CostOfGoods(ctx, mat.InventoryItemID, mat.Quantity*req.Quantity)
				if err != nil {
					return nil, err
				}
				item.COGS += cost
			}
		case req.InventoryItemID != nil:
			sellable, err := tx.SellableItem(ctx, *req.InventoryItemID)
			if err != nil {
				return nil, err
			}
			if sellable.Quantity < req.Quantity {
				return nil, fmt.Errorf("%w: item %s", inventory.ErrInsufficientStock, sellable.ID)
			}
			item.Description = sellable.Name
			item.UnitPrice = sellable.SellingPrice
			cost, err := tx.CostOfGoods(ctx, *req.InventoryItemID, req.Quantity)
			if err != nil {
				return nil, err
			}
			item.COGS = cost
		}
		item.LineTotal = item.UnitPrice * req.Quantity
		b.Subtotal += item.LineTotal

		if len(req.Staff) > 0 {
			shares, err := e.Splits.Calculate(item.LineTotal, req.Staff)
			if err != nil {
				if errors.Is(err, contribution.ErrInvariantViolation) && obs.ContributionInvariantViolations != nil {
					obs.ContributionInvariantViolations.Inc()
				}
				return nil, err
			}
			for _, sh := range shares {
				item.Contributions = append(item.Contributions, StaffContribution{
					ID:          uuid.New(),
					BillItemID:  item.ID,
					StaffID:     sh.StaffID,
					SplitType:   sh.Type,
					PercentBps:  sh.PercentBps,
					FixedAmount: sh.FixedAmount,
					Minutes:     sh.Minutes,
					Role:        sh.Role,
					Amount:      sh.Amount,
				})
			}
		}
		b.Items = append(b.Items, item)
	}

	if in.Discount > b.Subtotal {
		return nil, ErrDiscountExceedsSubtotal
	}
	breakdown, err := e.Tax.Decompose(b.Subtotal - in.Discount)
	if err != nil {
		return nil, err
	}
	b.TaxableValue = breakdown.TaxableValue
	b.CGST = breakdown.CGST
	b.SGST = breakdown.SGST
	b.TotalTax = breakdown.TotalTax
	b.PreRoundTotal = b.Subtotal - in.Discount
	rounded, adjustment, err := e.Tax.RoundToMajorUnit(b.PreRoundTotal)
	if err != nil {
		return nil, err
	}
	b.RoundedTotal = rounded
	b.RoundingAdjustment = adjustment
	return b, nil
}

// AddPayment records one tender. When the paid total reaches the payable total
// within tolerance, the bill posts: the invoice number is minted (once), stock
// for product lines is consumed, and customer stats are updated. Overpayment
// beyond tolerance is absorbed against the customer's pending balance or
// rejected.
func (e *Engine) AddPayment(ctx context.Context, billID uuid.UUID, in PaymentInput) (*Bill, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidPaymentAmount
	}
	var bill *Bill
	var posted bool
	err := e.withinTxRetry(ctx, func(tx Tx) error {
		posted = false
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		switch b.Status {
		case StatusDraft:
		case StatusRefunded:
			return ErrBillRefunded
		default:
			return ErrBillNotDraft
		}

		target := b.PayableTotal()
		paid := b.PaidTotal() + in.Amount
		if excess := paid - target; excess > e.tolerance() {
			if err := e.absorbOverpayment(ctx, tx, b, excess); err != nil {
				return err
			}
		}

		p := Payment{
			ID:         uuid.New(),
			BillID:     b.ID,
			Method:     in.Method,
			Amount:     in.Amount,
			Reference:  in.Reference,
			ReceivedBy: in.ReceivedBy,
			ReceivedAt: e.now(),
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		b.Payments = append(b.Payments, p)

		if paid >= target-e.tolerance() {
			if err := e.post(ctx, tx, b, target); err != nil {
				return err
			}
			posted = true
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if obs.PaymentsRecordedTotal != nil {
		obs.PaymentsRecordedTotal.WithLabelValues(in.Method).Inc()
	}
	e.afterPost(ctx, bill, posted)
	return bill, nil
}

// absorbOverpayment books the excess against the customer's pending balance.
// Walk-in bills and customers without enough balance reject the payment.
func (e *Engine) absorbOverpayment(ctx context.Context, tx Tx, b *Bill, excess int64) error {
	if b.CustomerID == nil {
		return ErrOverpaymentExceedsBalance
	}
	balance, err := tx.PendingBalance(ctx, *b.CustomerID)
	if err != nil {
		return err
	}
	if excess > balance {
		return fmt.Errorf("%w: excess %d, balance %d", ErrOverpaymentExceedsBalance, excess, balance)
	}
	return tx.AddPendingBalance(ctx, *b.CustomerID, -excess)
}

// UpdatePayment amends a recorded payment and reconciles the bill state in
// both directions: a posted bill whose payments drop below the payable total
// reverts to draft keeping its invoice number, and a draft bill whose payments
// now cover the total posts.
func (e *Engine) UpdatePayment(ctx context.Context, billID, paymentID uuid.UUID, in PaymentInput) (*Bill, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidPaymentAmount
	}
	var bill *Bill
	var posted bool
	err := e.withinTxRetry(ctx, func(tx Tx) error {
		posted = false
		b, err := e.amendableBill(ctx, tx, billID)
		if err != nil {
			return err
		}
		p := findPayment(b, paymentID)
		if p == nil {
			return ErrPaymentNotFound
		}
		p.Method = in.Method
		p.Amount = in.Amount
		p.Reference = in.Reference
		if in.ReceivedBy != "" {
			p.ReceivedBy = in.ReceivedBy
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		posted, err = e.reconcile(ctx, tx, b)
		if err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterPost(ctx, bill, posted)
	return bill, nil
}

// DeletePayment removes a recorded payment. A posted bill whose remaining
// payments no longer cover the total reverts to draft; the invoice number and
// consumed stock stay as they are.
func (e *Engine) DeletePayment(ctx context.Context, billID, paymentID uuid.UUID) (*Bill, error) {
	var bill *Bill
	err := e.Store.WithinTx(ctx, func(tx Tx) error {
		b, err := e.amendableBill(ctx, tx, billID)
		if err != nil {
			return err
		}
		if findPayment(b, paymentID) == nil {
			return ErrPaymentNotFound
		}
		if err := tx.DeletePayment(ctx, paymentID); err != nil {
			return err
		}
		kept := b.Payments[:0]
		for _, p := range b.Payments {
			if p.ID != paymentID {
				kept = append(kept, p)
			}
		}
		b.Payments = kept
		if _, err := e.reconcile(ctx, tx, b); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// amendableBill loads a bill whose payments may still be edited.
func (e *Engine) amendableBill(ctx context.Context, tx Tx, billID uuid.UUID) (*Bill, error) {
	b, err := tx.GetBillForUpdate(ctx, billID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case StatusDraft, StatusPosted:
		return b, nil
	case StatusRefunded:
		return nil, ErrBillRefunded
	default:
		return nil, transitionError(b.Status, StatusDraft)
	}
}

func findPayment(b *Bill, paymentID uuid.UUID) *Payment {
	for i := range b.Payments {
		if b.Payments[i].ID == paymentID {
			return &b.Payments[i]
		}
	}
	return nil
}

// reconcile moves the bill between draft and posted after a payment amendment.
// Amendments never absorb overpayment; pushing the paid total beyond tolerance
// is rejected outright.
func (e *Engine) reconcile(ctx context.Context, tx Tx, b *Bill) (posted bool, err error) {
	target := b.PayableTotal()
	paid := b.PaidTotal()
	if paid-target > e.tolerance() {
		return false, fmt.Errorf("%w: amended payments exceed bill total", ErrOverpaymentExceedsBalance)
	}
	switch {
	case b.Status == StatusPosted && paid < target-e.tolerance():
		if err := b.markDraft(); err != nil {
			return false, err
		}
		return false, tx.UpdateBill(ctx, b)
	case b.Status == StatusDraft && paid >= target-e.tolerance():
		return true, e.post(ctx, tx, b, target)
	default:
		b.UpdatedAt = e.now()
		return false, tx.UpdateBill(ctx, b)
	}
}

// Complete posts a draft bill regardless of how much has been paid. Any
// shortfall is booked onto the customer's pending balance, and only the paid
// portion counts toward lifetime spend. Walk-in bills simply post.
func (e *Engine) Complete(ctx context.Context, billID uuid.UUID) (*Bill, error) {
	var bill *Bill
	err := e.withinTxRetry(ctx, func(tx Tx) error {
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status != StatusDraft {
			return transitionError(b.Status, StatusPosted)
		}
		target := b.PayableTotal()
		paid := b.PaidTotal()
		statsAmount := paid
		if statsAmount > target {
			statsAmount = target
		}
		if shortfall := target - paid; shortfall > 0 && b.CustomerID != nil {
			if err := tx.AddPendingBalance(ctx, *b.CustomerID, shortfall); err != nil {
				return err
			}
		}
		if err := e.post(ctx, tx, b, statsAmount); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterPost(ctx, bill, true)
	return bill, nil
}

// Void cancels a draft bill. Linked service sessions are detached so they can
// be billed again; no invoice number is ever minted for a voided bill.
func (e *Engine) Void(ctx context.Context, billID uuid.UUID, reason string) (*Bill, error) {
	var bill *Bill
	err := e.Store.WithinTx(ctx, func(tx Tx) error {
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if err := b.markVoided(reason); err != nil {
			return err
		}
		if err := tx.UnlinkSessions(ctx, b.ID); err != nil {
			return err
		}
		b.UpdatedAt = e.now()
		if err := tx.UpdateBill(ctx, b); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Log.Info().Str("bill_id", billID.String()).Msg("bill voided")
	return bill, nil
}

// Refund reverses a posted bill by issuing a mirror bill with every monetary
// field negated, under its own invoice number in the current fiscal year. The
// original becomes refunded and its amount is backed out of the customer's
// lifetime spend. Stock is not returned; consumed material is not resellable.
func (e *Engine) Refund(ctx context.Context, billID uuid.UUID, reason string) (*Bill, error) {
	var refund *Bill
	err := e.withinTxRetry(ctx, func(tx Tx) error {
		refund = nil
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status == StatusRefunded || b.RefundBillID != nil {
			return ErrAlreadyRefunded
		}
		if b.Status != StatusPosted {
			return transitionError(b.Status, StatusRefunded)
		}

		now := e.now()
		r := negateBill(b, now)
		if reason != "" {
			r.Reason = &reason
		}
		no, err := tx.NextInvoiceNumber(ctx, now)
		if err != nil {
			return err
		}
		r.InvoiceNo = &no
		if err := r.markPosted(now); err != nil {
			return err
		}
		// the stamp blocks any later stock or stats side effects on the
		// mirror; consuming its negative quantities would restock
		r.StockConsumedAt = &now

		if err := tx.InsertBill(ctx, r); err != nil {
			return err
		}
		for i := range r.Items {
			if err := tx.InsertItem(ctx, &r.Items[i]); err != nil {
				return err
			}
			for j := range r.Items[i].Contributions {
				if err := tx.InsertContribution(ctx, &r.Items[i].Contributions[j]); err != nil {
					return err
				}
			}
		}

		if err := b.markRefunded(r.ID, reason); err != nil {
			return err
		}
		b.UpdatedAt = now
		if err := tx.UpdateBill(ctx, b); err != nil {
			return err
		}
		if b.CustomerID != nil {
			if err := tx.IncrementCustomerStats(ctx, *b.CustomerID, -b.PayableTotal()); err != nil {
				return err
			}
		}
		refund = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if obs.BillsRefundedTotal != nil {
		obs.BillsRefundedTotal.Inc()
	}
	e.Log.Info().
		Str("bill_id", billID.String()).
		Str("refund_bill_id", refund.ID.String()).
		Msg("bill refunded")
	return refund, nil
}

// negateBill builds the refund mirror: same references, negated money, fresh
// identifiers.
func negateBill(b *Bill, now time.Time) *Bill {
	r := &Bill{
		ID:                 uuid.New(),
		CustomerID:         b.CustomerID,
		Status:             StatusDraft,
		Subtotal:           -b.Subtotal,
		Discount:           -b.Discount,
		TaxableValue:       -b.TaxableValue,
		CGST:               -b.CGST,
		SGST:               -b.SGST,
		TotalTax:           -b.TotalTax,
		PreRoundTotal:      -b.PreRoundTotal,
		RoundedTotal:       -b.RoundedTotal,
		RoundingAdjustment: -b.RoundingAdjustment,
		TipAmount:          -b.TipAmount,
		OriginalBillID:     &b.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, it := range b.Items {
		mirror := BillItem{
			ID:              uuid.New(),
			BillID:          r.ID,
			ServiceID:       it.ServiceID,
			InventoryItemID: it.InventoryItemID,
			Description:     it.Description,
			Quantity:        -it.Quantity,
			UnitPrice:       it.UnitPrice,
			LineTotal:       -it.LineTotal,
			COGS:            -it.COGS,
		}
		for _, sc := range it.Contributions {
			mirror.Contributions = append(mirror.Contributions, StaffContribution{
				ID:          uuid.New(),
				BillItemID:  mirror.ID,
				StaffID:     sc.StaffID,
				SplitType:   sc.SplitType,
				PercentBps:  sc.PercentBps,
				FixedAmount: -sc.FixedAmount,
				Minutes:     sc.Minutes,
				Role:        sc.Role,
				Amount:      -sc.Amount,
			})
		}
		r.Items = append(r.Items, mirror)
	}
	return r
}

// post executes the one-shot posting side effects. The invoice number is
// minted only if the bill never had one; stock consumption and customer stats
// run at most once per bill, guarded by the StockConsumedAt stamp, so a
// revert-and-repost cycle cannot double-apply them.
func (e *Engine) post(ctx context.Context, tx Tx, b *Bill, statsAmount int64) error {
	now := e.now()
	if b.InvoiceNo == nil {
		no, err := tx.NextInvoiceNumber(ctx, now)
		if err != nil {
			return err
		}
		b.InvoiceNo = &no
	}
	if err := b.markPosted(now); err != nil {
		return err
	}
	if b.StockConsumedAt == nil {
		for _, it := range b.Items {
			if it.InventoryItemID != nil {
				if err := tx.ConsumeStock(ctx, *it.InventoryItemID, it.Quantity); err != nil {
					return err
				}
			}
		}
		if b.CustomerID != nil && statsAmount != 0 {
			if err := tx.IncrementCustomerStats(ctx, *b.CustomerID, statsAmount); err != nil {
				return err
			}
		}
		stamp := now
		b.StockConsumedAt = &stamp
	}
	b.UpdatedAt = now
	return tx.UpdateBill(ctx, b)
}

// afterPost handles post-commit concerns: the posted metric and the notifier.
func (e *Engine) afterPost(ctx context.Context, b *Bill, posted bool) {
	if !posted || b == nil {
		return
	}
	if obs.BillsPostedTotal != nil {
		obs.BillsPostedTotal.Inc()
	}
	invoice := ""
	if b.InvoiceNo != nil {
		invoice = *b.InvoiceNo
	}
	e.Log.Info().Str("bill_id", b.ID.String()).Str("invoice_no", invoice).Msg("bill posted")
	if e.Notifier != nil {
		if err := e.Notifier.BillPosted(ctx, b); err != nil {
			e.Log.Warn().Err(err).Str("bill_id", b.ID.String()).Msg("enqueue posted notification")
		}
	}
}

// Get returns a bill with items and payments.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return e.Store.GetBill(ctx, id)
}

// List returns a page of bills, newest first, with the total count.
func (e *Engine) List(ctx context.Context, limit, offset int32) ([]Bill, int64, error) {
	return e.Store.ListBills(ctx, limit, offset)
}
