package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-salon/internal/billing"
)

// TypeBillPosted is the asynq task type for post-posting notifications.
const TypeBillPosted = "bill:posted"

// DefaultQueue is the asynq queue notifications land on.
const DefaultQueue = "notifications"

// BillPostedPayload is the task body. It carries enough to render a receipt
// without re-reading the bill on the hot path.
type BillPostedPayload struct {
	BillID     string    `json:"billId"`
	InvoiceNo  string    `json:"invoiceNo"`
	CustomerID string    `json:"customerId,omitempty"`
	Total      int64     `json:"total"`
	PostedAt   time.Time `json:"postedAt"`
}

// Enqueuer publishes bill-posted tasks. It satisfies the billing engine's
// notifier contract; enqueue failures surface to the engine, which logs and
// moves on rather than failing the sale.
type Enqueuer struct {
	Client *asynq.Client
	Queue  string
}

// BillPosted enqueues a notification task for a freshly posted bill. The task
// id is derived from the invoice number so a revert-and-repost cycle does not
// notify the customer twice.
func (e Enqueuer) BillPosted(ctx context.Context, b *billing.Bill) error {
	if e.Client == nil || b == nil || b.InvoiceNo == nil {
		return nil
	}
	payload := BillPostedPayload{
		BillID:    b.ID.String(),
		InvoiceNo: *b.InvoiceNo,
		Total:     b.PayableTotal(),
	}
	if b.CustomerID != nil {
		payload.CustomerID = b.CustomerID.String()
	}
	if b.PostedAt != nil {
		payload.PostedAt = *b.PostedAt
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	queue := e.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	_, err = e.Client.EnqueueContext(ctx, asynq.NewTask(TypeBillPosted, raw),
		asynq.Queue(queue),
		asynq.MaxRetry(5),
		asynq.TaskID("bill-posted:"+*b.InvoiceNo),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
