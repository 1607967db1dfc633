package inventory

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-salon/internal/common"
)

// Handler exposes back-office stock endpoints.
type Handler struct {
	Pool     *pgxpool.Pool
	Ledger   Ledger
	Validate *validator.Validate
}

type receiveInput struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
	UnitCost int64 `json:"unitCost" validate:"gte=0"`
}

type consumeInput struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

// Receive books a stock receipt for one item.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var payload receiveInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	item, err := h.inTx(r, func(tx pgx.Tx) (Item, error) {
		return h.Ledger.Receive(r.Context(), tx, itemID, payload.Quantity, payload.UnitCost)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, item)
}

// Consume records internal material usage (not tied to a bill).
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var payload consumeInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	item, err := h.inTx(r, func(tx pgx.Tx) (Item, error) {
		return h.Ledger.ConsumeForSale(r.Context(), tx, itemID, payload.Quantity)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, item)
}

// GetItem returns the current quantity and average cost for one item.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.Ledger.Get(r.Context(), h.Pool, itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSONData(w, http.StatusOK, item)
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "item not found", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}

func (h *Handler) inTx(r *http.Request, fn func(pgx.Tx) (Item, error)) (Item, error) {
	ctx := r.Context()
	tx, err := h.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Item{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	item, err := fn(tx)
	if err != nil {
		return Item{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "item not found", nil)
	case errors.Is(err, ErrInsufficientStock):
		common.JSONError(w, http.StatusConflict, "INSUFFICIENT_STOCK", "not enough stock on hand", nil)
	case errors.Is(err, ErrInvalidQuantity):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "inventory operation failed", nil)
	}
}
