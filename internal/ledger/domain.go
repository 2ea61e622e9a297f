// Package ledger implements the append-only stock movement ledger.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType enumerates supported stock movement categories.
type MovementType string

const (
	MovementTypePurchaseReception MovementType = "PURCHASE_RECEPTION"
	MovementTypeSaleDelivery      MovementType = "SALE_DELIVERY"
	MovementTypeCustomerReturn    MovementType = "CUSTOMER_RETURN"
	MovementTypeSupplierReturn    MovementType = "SUPPLIER_RETURN"
	MovementTypeAdjustmentIn      MovementType = "ADJUSTMENT_IN"
	MovementTypeAdjustmentOut     MovementType = "ADJUSTMENT_OUT"
	MovementTypeTransferIn        MovementType = "TRANSFER_IN"
	MovementTypeTransferOut       MovementType = "TRANSFER_OUT"
	MovementTypeManualEntryIn     MovementType = "MANUAL_ENTRY_IN"
	MovementTypeManualEntryOut    MovementType = "MANUAL_ENTRY_OUT"
	MovementTypeProductionIn      MovementType = "PRODUCTION_IN"
	MovementTypeProductionOut     MovementType = "PRODUCTION_OUT"
)

// IsValid checks if the movement type is known.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypePurchaseReception, MovementTypeSaleDelivery,
		MovementTypeCustomerReturn, MovementTypeSupplierReturn,
		MovementTypeAdjustmentIn, MovementTypeAdjustmentOut,
		MovementTypeTransferIn, MovementTypeTransferOut,
		MovementTypeManualEntryIn, MovementTypeManualEntryOut,
		MovementTypeProductionIn, MovementTypeProductionOut:
		return true
	default:
		return false
	}
}

// Inbound reports whether the type adds stock. The quantity sign of every
// persisted movement follows this, not the caller's input.
func (t MovementType) Inbound() bool {
	switch t {
	case MovementTypePurchaseReception, MovementTypeCustomerReturn,
		MovementTypeAdjustmentIn, MovementTypeTransferIn,
		MovementTypeManualEntryIn, MovementTypeProductionIn:
		return true
	default:
		return false
	}
}

// IsManual reports whether the type is accepted by the manual adjustment entry point.
func (t MovementType) IsManual() bool {
	return t == MovementTypeManualEntryIn || t == MovementTypeManualEntryOut
}

// Reference modules for the originating document of a movement.
const (
	RefModuleSalesOrder = "sales_orders"
	RefModuleDelivery   = "delivery_orders"
	RefModuleManual     = "manual"
)

// StockMovement is one immutable signed ledger entry. Entries are never
// updated or deleted; corrections are new offsetting entries.
type StockMovement struct {
	ID          int64            `json:"id" db:"id"`
	Code        string           `json:"code" db:"code"`
	ProductID   int64            `json:"product_id" db:"product_id"`
	VariantID   *int64           `json:"variant_id,omitempty" db:"variant_id"`
	WarehouseID *int64           `json:"warehouse_id,omitempty" db:"warehouse_id"`
	ShopID      *int64           `json:"shop_id,omitempty" db:"shop_id"`
	Type        MovementType     `json:"movement_type" db:"movement_type"`
	Quantity    decimal.Decimal  `json:"quantity" db:"quantity"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty" db:"unit_cost"`
	MovedAt     time.Time        `json:"moved_at" db:"moved_at"`
	CreatedBy   int64            `json:"created_by" db:"created_by"`
	RefModule   *string          `json:"ref_module,omitempty" db:"ref_module"`
	RefID       *int64           `json:"ref_id,omitempty" db:"ref_id"`
	Notes       *string          `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// MovementInput carries the fields needed to construct a movement. The
// quantity sign is advisory; the movement type is authoritative.
type MovementInput struct {
	ProductID   int64
	VariantID   *int64
	WarehouseID *int64
	ShopID      *int64
	Type        MovementType
	Quantity    decimal.Decimal
	UnitCost    *decimal.Decimal
	MovedAt     time.Time
	CreatedBy   int64
	RefModule   *string
	RefID       *int64
	Notes       *string
	// IdempotencyKey, when set, makes replays of the same request a
	// conflict instead of a duplicate movement.
	IdempotencyKey string
}

// NewMovement validates and normalizes a movement request. It enforces the
// sign convention for the movement type, rejects zero quantities and requires
// exactly one of warehouse/shop.
func NewMovement(input MovementInput) (*StockMovement, error) {
	if !input.Type.IsValid() {
		return nil, ErrInvalidMovementType
	}
	if input.Quantity.IsZero() {
		return nil, ErrZeroQuantity
	}
	if (input.WarehouseID == nil) == (input.ShopID == nil) {
		return nil, ErrLocationExclusive
	}
	if input.ProductID == 0 || input.CreatedBy == 0 {
		return nil, ErrMissingReference
	}

	qty := input.Quantity.Abs()
	if !input.Type.Inbound() {
		qty = qty.Neg()
	}

	movedAt := input.MovedAt
	if movedAt.IsZero() {
		movedAt = time.Now().UTC()
	}

	return &StockMovement{
		ProductID:   input.ProductID,
		VariantID:   input.VariantID,
		WarehouseID: input.WarehouseID,
		ShopID:      input.ShopID,
		Type:        input.Type,
		Quantity:    qty,
		UnitCost:    input.UnitCost,
		MovedAt:     movedAt,
		CreatedBy:   input.CreatedBy,
		RefModule:   input.RefModule,
		RefID:       input.RefID,
		Notes:       input.Notes,
	}, nil
}

// NewMovementCode returns a fresh unique movement code.
func NewMovementCode() string {
	return fmt.Sprintf("MOV-%s", uuid.NewString())
}

// StockQuery identifies one (product, variant, location) stock level.
type StockQuery struct {
	ProductID   int64
	VariantID   *int64
	WarehouseID *int64
	ShopID      *int64
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	ProductID   int64
	VariantID   *int64
	WarehouseID *int64
	ShopID      *int64
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}
