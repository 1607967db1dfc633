package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-salon/internal/common"
	"github.com/noah-isme/backend-salon/internal/resilience"
)

// CustomerDirectory resolves a customer's contact address.
type CustomerDirectory interface {
	Email(ctx context.Context, id uuid.UUID) (string, error)
}

// PgDirectory reads customer contacts from Postgres.
type PgDirectory struct {
	Pool *pgxpool.Pool
}

// Email returns the customer's email, or empty when none is on file.
func (d PgDirectory) Email(ctx context.Context, id uuid.UUID) (string, error) {
	var email *string
	err := d.Pool.QueryRow(ctx, `SELECT email FROM customers WHERE id = $1`, id).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}

// ReceiptWorker turns bill-posted tasks into receipt emails. The breaker
// stops retry storms against a mail relay that is already down.
type ReceiptWorker struct {
	Directory CustomerDirectory
	Mail      common.EmailSender
	Breaker   *resilience.Breaker
	Enabled   bool
	Log       zerolog.Logger
}

// HandleBillPosted processes one bill-posted task. Walk-in bills and
// customers without an email on file are acknowledged silently.
func (w ReceiptWorker) HandleBillPosted(ctx context.Context, t *asynq.Task) error {
	var payload BillPostedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// malformed payloads never succeed on retry
		return fmt.Errorf("decode bill-posted payload: %v: %w", err, asynq.SkipRetry)
	}
	if !w.Enabled || w.Mail == nil || payload.CustomerID == "" {
		return nil
	}
	customerID, err := uuid.Parse(payload.CustomerID)
	if err != nil {
		return fmt.Errorf("bad customer id %q: %w", payload.CustomerID, asynq.SkipRetry)
	}
	to, err := w.Directory.Email(ctx, customerID)
	if err != nil {
		return err
	}
	if to == "" {
		return nil
	}
	if w.Breaker != nil && !w.Breaker.Allow(ctx) {
		return resilience.ErrOpenCircuit
	}
	err = w.Mail.Send(to, receiptSubject(payload), receiptBody(payload))
	if w.Breaker != nil {
		w.Breaker.Report(ctx, err == nil)
	}
	if err != nil {
		return err
	}
	w.Log.Info().Str("invoice_no", payload.InvoiceNo).Msg("receipt sent")
	return nil
}

func receiptSubject(p BillPostedPayload) string {
	return fmt.Sprintf("Receipt %s", p.InvoiceNo)
}

func receiptBody(p BillPostedPayload) string {
	body := fmt.Sprintf("Thank you for your visit.\nInvoice: %s\nAmount: %s", p.InvoiceNo, formatAmount(p.Total))
	if !p.PostedAt.IsZero() {
		body += fmt.Sprintf("\nDate: %s", p.PostedAt.Format("02 Jan 2006 15:04"))
	}
	return body
}

// formatAmount renders minor units as a rupee string, e.g. 50050 -> "500.50".
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
