package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.postAdjustment)
	r.Get("/stock", h.currentStock)
	r.Get("/movements", h.listMovements)
}

type adjustmentRequest struct {
	ProductID   int64   `json:"product_id" validate:"required,gt=0"`
	VariantID   *int64  `json:"variant_id,omitempty" validate:"omitempty,gt=0"`
	WarehouseID *int64  `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	ShopID      *int64  `json:"shop_id,omitempty" validate:"omitempty,gt=0"`
	Type        string  `json:"movement_type" validate:"required"`
	Quantity    string  `json:"quantity" validate:"required"`
	UnitCost    *string `json:"unit_cost,omitempty"`
	ActorID     int64   `json:"actor_id" validate:"required,gt=0"`
	Notes       *string `json:"notes,omitempty"`
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid quantity")
		return
	}
	var unitCost *decimal.Decimal
	if req.UnitCost != nil {
		cost, err := decimal.NewFromString(*req.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit cost")
			return
		}
		unitCost = &cost
	}

	movement, err := h.service.PostManualAdjustment(r.Context(), ManualAdjustmentInput{
		ProductID:      req.ProductID,
		VariantID:      req.VariantID,
		WarehouseID:    req.WarehouseID,
		ShopID:         req.ShopID,
		Type:           MovementType(req.Type),
		Quantity:       qty,
		UnitCost:       unitCost,
		ActorID:        req.ActorID,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) currentStock(w http.ResponseWriter, r *http.Request) {
	q := StockQuery{}
	var err error
	q.ProductID, err = strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || q.ProductID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id is required")
		return
	}
	q.VariantID = parseOptionalID(r, "variant_id")
	q.WarehouseID = parseOptionalID(r, "warehouse_id")
	q.ShopID = parseOptionalID(r, "shop_id")

	stock, err := h.service.CurrentStock(r.Context(), q)
	if err != nil {
		h.respondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id": q.ProductID,
		"stock":      stock,
	})
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{}
	var err error
	filter.ProductID, err = strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || filter.ProductID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id is required")
		return
	}
	filter.VariantID = parseOptionalID(r, "variant_id")
	filter.WarehouseID = parseOptionalID(r, "warehouse_id")
	filter.ShopID = parseOptionalID(r, "shop_id")
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements": movements,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error()))
	case errors.Is(err, ErrInvalidMovementType),
		errors.Is(err, ErrZeroQuantity),
		errors.Is(err, ErrLocationExclusive),
		errors.Is(err, ErrMissingReference),
		errors.Is(err, ErrManualTypeOnly),
		errors.Is(err, ErrVariantMismatch),
		errors.Is(err, ErrNegativeStock):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseOptionalID(r *http.Request, name string) *int64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return &id
		}
	}
	return nil
}
