package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-salon/internal/contribution"
)

// Status is the lifecycle state of a bill. Allowed transitions:
// draft -> posted -> refunded and draft -> void. Payment amendment may move a
// posted bill back to draft; nothing else does.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPosted   Status = "posted"
	StatusVoid     Status = "void"
	StatusRefunded Status = "refunded"
)

var (
	// ErrInvalidStateTransition is wrapped with the current and attempted state.
	ErrInvalidStateTransition = errors.New("billing: invalid state transition")
	// ErrBillNotFound indicates the bill id does not resolve.
	ErrBillNotFound = errors.New("billing: bill not found")
	// ErrPaymentNotFound indicates the payment id does not resolve on the bill.
	ErrPaymentNotFound = errors.New("billing: payment not found")
	// ErrNoItems rejects a bill with an empty item list.
	ErrNoItems = errors.New("billing: bill requires at least one line item")
	// ErrItemReference rejects a line that references neither or both of a
	// catalog service and an inventory item.
	ErrItemReference = errors.New("billing: line must reference exactly one of service or inventory item")
	// ErrInvalidQuantity rejects non-positive line quantities.
	ErrInvalidQuantity = errors.New("billing: quantity must be positive")
	// ErrInvalidPaymentAmount rejects non-positive payment amounts.
	ErrInvalidPaymentAmount = errors.New("billing: payment amount must be positive")
	// ErrDiscountExceedsSubtotal rejects a discount larger than the subtotal.
	ErrDiscountExceedsSubtotal = errors.New("billing: discount exceeds subtotal")
	// ErrNegativeAmount rejects negative discounts and tips.
	ErrNegativeAmount = errors.New("billing: discount and tip must not be negative")
	// ErrBillNotDraft rejects payments against a bill that already left draft.
	ErrBillNotDraft = errors.New("billing: bill is not in draft")
	// ErrBillRefunded rejects payment amendment on a refunded bill.
	ErrBillRefunded = errors.New("billing: bill has been refunded")
	// ErrAlreadyRefunded rejects a second refund of the same bill.
	ErrAlreadyRefunded = errors.New("billing: bill has already been refunded")
	// ErrOverpaymentExceedsBalance rejects an overpayment larger than the
	// customer's pending balance.
	ErrOverpaymentExceedsBalance = errors.New("billing: overpayment exceeds customer pending balance")
	// ErrNotSellable rejects selling an inventory item not flagged for sale.
	ErrNotSellable = errors.New("billing: inventory item is not sellable")
)

// Bill is an immutable-once-posted financial document. All monetary fields
// are minor currency units. InvoiceNo stays nil until the bill first posts
// and is retained afterwards even if the bill reverts to draft.
type Bill struct {
	ID                 uuid.UUID  `json:"id"`
	CustomerID         *uuid.UUID `json:"customerId,omitempty"`
	InvoiceNo          *string    `json:"invoiceNo,omitempty"`
	Status             Status     `json:"status"`
	Subtotal           int64      `json:"subtotal"`
	Discount           int64      `json:"discount"`
	TaxableValue       int64      `json:"taxableValue"`
	CGST               int64      `json:"cgst"`
	SGST               int64      `json:"sgst"`
	TotalTax           int64      `json:"totalTax"`
	PreRoundTotal      int64      `json:"preRoundTotal"`
	RoundedTotal       int64      `json:"roundedTotal"`
	RoundingAdjustment int64      `json:"roundingAdjustment"`
	TipAmount          int64      `json:"tipAmount"`
	OriginalBillID     *uuid.UUID `json:"originalBillId,omitempty"`
	RefundBillID       *uuid.UUID `json:"refundBillId,omitempty"`
	Reason             *string    `json:"reason,omitempty"`
	PostedAt           *time.Time `json:"postedAt,omitempty"`
	StockConsumedAt    *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	Items    []BillItem `json:"items"`
	Payments []Payment  `json:"payments"`
}

// BillItem is one line: a catalog service or a sellable inventory item, never
// both. UnitPrice is copied at sale time; COGS is snapshotted at creation.
type BillItem struct {
	ID              uuid.UUID  `json:"id"`
	BillID          uuid.UUID  `json:"billId"`
	ServiceID       *uuid.UUID `json:"serviceId,omitempty"`
	InventoryItemID *uuid.UUID `json:"inventoryItemId,omitempty"`
	Description     string     `json:"description"`
	Quantity        int64      `json:"quantity"`
	UnitPrice       int64      `json:"unitPrice"`
	LineTotal       int64      `json:"lineTotal"`
	COGS            int64      `json:"cogs"`

	Contributions []StaffContribution `json:"contributions,omitempty"`
}

// StaffContribution is one staff member's computed share of a line's revenue.
type StaffContribution struct {
	ID          uuid.UUID              `json:"id"`
	BillItemID  uuid.UUID              `json:"billItemId"`
	StaffID     uuid.UUID              `json:"staffId"`
	SplitType   contribution.SplitType `json:"splitType"`
	PercentBps  int32                  `json:"percentBps,omitempty"`
	FixedAmount int64                  `json:"fixedAmount,omitempty"`
	Minutes     int32                  `json:"minutes,omitempty"`
	Role        string                 `json:"role,omitempty"`
	Amount      int64                  `json:"amount"`
}

// Payment records money received against a bill.
type Payment struct {
	ID         uuid.UUID `json:"id"`
	BillID     uuid.UUID `json:"billId"`
	Method     string    `json:"method"`
	Amount     int64     `json:"amount"`
	Reference  *string   `json:"reference,omitempty"`
	ReceivedBy string    `json:"receivedBy"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// PayableTotal is the amount payments must reach for the bill to post.
func (b *Bill) PayableTotal() int64 {
	return b.RoundedTotal + b.TipAmount
}

// PaidTotal sums the recorded payments.
func (b *Bill) PaidTotal() int64 {
	var sum int64
	for _, p := range b.Payments {
		sum += p.Amount
	}
	return sum
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// markPosted transitions draft -> posted. The invoice number must already be
// set; minting is the engine's job so the transition stays pure.
func (b *Bill) markPosted(at time.Time) error {
	if b.Status != StatusDraft {
		return transitionError(b.Status, StatusPosted)
	}
	b.Status = StatusPosted
	b.PostedAt = &at
	return nil
}

// markDraft reverts posted -> draft after a payment amendment. The invoice
// number is retained as an audit trail.
func (b *Bill) markDraft() error {
	if b.Status != StatusPosted {
		return transitionError(b.Status, StatusDraft)
	}
	b.Status = StatusDraft
	b.PostedAt = nil
	return nil
}

// markVoided transitions draft -> void.
func (b *Bill) markVoided(reason string) error {
	if b.Status != StatusDraft {
		return transitionError(b.Status, StatusVoid)
	}
	b.Status = StatusVoid
	if reason != "" {
		b.Reason = &reason
	}
	return nil
}

// markRefunded transitions posted -> refunded and links the refund bill.
func (b *Bill) markRefunded(refundBillID uuid.UUID, reason string) error {
	if b.Status == StatusRefunded {
		return ErrAlreadyRefunded
	}
	if b.Status != StatusPosted {
		return transitionError(b.Status, StatusRefunded)
	}
	b.Status = StatusRefunded
	b.RefundBillID = &refundBillID
	if reason != "" {
		b.Reason = &reason
	}
	return nil
}
