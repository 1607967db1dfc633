package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-salon/internal/catalog"
	"github.com/noah-isme/backend-salon/internal/common"
	"github.com/noah-isme/backend-salon/internal/contribution"
	"github.com/noah-isme/backend-salon/internal/customer"
	"github.com/noah-isme/backend-salon/internal/inventory"
	"github.com/noah-isme/backend-salon/internal/sequence"
)

// Handler exposes the bill lifecycle over HTTP.
type Handler struct {
	Engine   *Engine
	Validate *validator.Validate
}

type staffShareInput struct {
	StaffID     uuid.UUID `json:"staffId" validate:"required"`
	SplitType   string    `json:"splitType" validate:"required,oneof=percentage fixed equal time hybrid"`
	PercentBps  int32     `json:"percentBps" validate:"gte=0,lte=10000"`
	FixedAmount int64     `json:"fixedAmount" validate:"gte=0"`
	Minutes     int32     `json:"minutes" validate:"gte=0"`
	Role        string    `json:"role"`
}

type createItemRequest struct {
	ServiceID       *uuid.UUID        `json:"serviceId"`
	InventoryItemID *uuid.UUID        `json:"inventoryItemId"`
	Quantity        int64             `json:"quantity" validate:"required,gt=0"`
	Staff           []staffShareInput `json:"staff" validate:"omitempty,dive"`
}

type createBillRequest struct {
	CustomerID *uuid.UUID          `json:"customerId"`
	Discount   int64               `json:"discount" validate:"gte=0"`
	TipAmount  int64               `json:"tipAmount" validate:"gte=0"`
	Items      []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type paymentRequest struct {
	Method     string  `json:"method" validate:"required,oneof=cash card upi wallet"`
	Amount     int64   `json:"amount" validate:"required,gt=0"`
	Reference  *string `json:"reference"`
	ReceivedBy string  `json:"receivedBy"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Create opens a draft bill. The Idempotency-Key header makes retries safe:
// a repeated key returns the bill created by the first attempt.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var payload createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	in := CreateInput{
		CustomerID: payload.CustomerID,
		Discount:   payload.Discount,
		TipAmount:  payload.TipAmount,
	}
	for _, it := range payload.Items {
		item := CreateItemInput{
			ServiceID:       it.ServiceID,
			InventoryItemID: it.InventoryItemID,
			Quantity:        it.Quantity,
		}
		for _, sh := range it.Staff {
			item.Staff = append(item.Staff, contribution.Share{
				StaffID:     sh.StaffID,
				Type:        contribution.SplitType(sh.SplitType),
				PercentBps:  sh.PercentBps,
				FixedAmount: sh.FixedAmount,
				Minutes:     sh.Minutes,
				Role:        sh.Role,
			})
		}
		in.Items = append(in.Items, item)
	}

	bill, err := h.Engine.Create(r.Context(), r.Header.Get("Idempotency-Key"), in)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusCreated, bill)
}

// Get returns one bill with items, contributions, and payments.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// List returns a page of bills, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt32(r, "limit", 20, 100)
	offset := queryInt32(r, "offset", 0, 1<<30)
	bills, total, err := h.Engine.List(r.Context(), limit, offset)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": bills,
		"meta": map[string]any{"total": total, "limit": limit, "offset": offset},
	})
}

// AddPayment records one tender; crossing the payable total posts the bill.
func (h *Handler) AddPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	payload, ok := h.paymentPayload(w, r)
	if !ok {
		return
	}
	bill, err := h.Engine.AddPayment(r.Context(), id, payload)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// UpdatePayment amends a recorded payment and reconciles the bill status.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentId"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
		return
	}
	payload, ok := h.paymentPayload(w, r)
	if !ok {
		return
	}
	bill, err := h.Engine.UpdatePayment(r.Context(), id, paymentID, payload)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// DeletePayment removes a payment; a posted bill may revert to draft.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentId"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
		return
	}
	bill, err := h.Engine.DeletePayment(r.Context(), id, paymentID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// Complete force-posts a draft bill, booking any shortfall to the customer.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.Engine.Complete(r.Context(), id)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// Void cancels a draft bill.
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var payload reasonRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}
	bill, err := h.Engine.Void(r.Context(), id, payload.Reason)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, bill)
}

// Refund reverses a posted bill; the response carries the refund mirror.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var payload reasonRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}
	refund, err := h.Engine.Refund(r.Context(), id, payload.Reason)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	common.JSONData(w, http.StatusCreated, refund)
}

func (h *Handler) billID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "bill not found", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) paymentPayload(w http.ResponseWriter, r *http.Request) (PaymentInput, bool) {
	var payload paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return PaymentInput{}, false
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return PaymentInput{}, false
	}
	return PaymentInput{
		Method:     payload.Method,
		Amount:     payload.Amount,
		Reference:  payload.Reference,
		ReceivedBy: payload.ReceivedBy,
	}, true
}

func (h *Handler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}

func queryInt32(r *http.Request, key string, def, max int32) int32 {
	n := common.AtoiDefault(r.URL.Query().Get(key), int(def))
	if n < 0 {
		return def
	}
	if n > int(max) {
		return max
	}
	return int32(n)
}

// writeBillingError maps domain sentinels onto the response taxonomy:
// validation failures are 400, unknown references 404, state conflicts 409,
// and retryable infrastructure failures 503.
func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoItems),
		errors.Is(err, ErrItemReference),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidPaymentAmount),
		errors.Is(err, ErrNegativeAmount):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, ErrDiscountExceedsSubtotal):
		common.JSONError(w, http.StatusBadRequest, "DISCOUNT_EXCEEDS_SUBTOTAL", err.Error(), nil)
	case errors.Is(err, ErrBillNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "bill not found", nil)
	case errors.Is(err, ErrPaymentNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
	case errors.Is(err, catalog.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "service not found", nil)
	case errors.Is(err, inventory.ErrItemNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "inventory item not found", nil)
	case errors.Is(err, customer.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "customer not found", nil)
	case errors.Is(err, ErrNotSellable):
		common.JSONError(w, http.StatusConflict, "NOT_SELLABLE", err.Error(), nil)
	case errors.Is(err, inventory.ErrInsufficientStock):
		common.JSONError(w, http.StatusConflict, "INSUFFICIENT_STOCK", err.Error(), nil)
	case errors.Is(err, ErrBillNotDraft),
		errors.Is(err, ErrBillRefunded),
		errors.Is(err, ErrInvalidStateTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, ErrAlreadyRefunded):
		common.JSONError(w, http.StatusConflict, "ALREADY_REFUNDED", err.Error(), nil)
	case errors.Is(err, ErrOverpaymentExceedsBalance):
		common.JSONError(w, http.StatusConflict, "OVERPAYMENT_EXCEEDS_BALANCE", err.Error(), nil)
	case errors.Is(err, contribution.ErrSplitTypeMismatch),
		errors.Is(err, contribution.ErrPercentSumInvalid),
		errors.Is(err, contribution.ErrFixedSumMismatch),
		errors.Is(err, contribution.ErrMissingTimeData),
		errors.Is(err, contribution.ErrDuplicateStaff),
		errors.Is(err, contribution.ErrNoParticipants):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, sequence.ErrRetryable):
		common.JSONError(w, http.StatusServiceUnavailable, "RETRY", "temporary contention, retry the request", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "billing operation failed", nil)
	}
}
