// Package orders provides delivery order entity logic.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a delivery order.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsLocked reports whether the document rejects edits outside the allow-list.
// Shipped deliveries have ledger entries behind them, so everything past
// draft is locked.
func (s Status) IsLocked() bool {
	return s != StatusDraft
}

// CanTransitionTo checks if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusDraft:
		return target == StatusShipped || target == StatusCancelled
	case StatusShipped:
		return target == StatusDelivered || target == StatusCancelled
	default:
		return false
	}
}

// DeliveryOrder represents one shipment against a sales order.
type DeliveryOrder struct {
	ID                 int64      `json:"id" db:"id"`
	DocNumber          string     `json:"doc_number" db:"doc_number"`
	SalesOrderID       int64      `json:"sales_order_id" db:"sales_order_id"`
	WarehouseID        *int64     `json:"warehouse_id,omitempty" db:"warehouse_id"`
	ShopID             *int64     `json:"shop_id,omitempty" db:"shop_id"`
	DeliveryDate       time.Time  `json:"delivery_date" db:"delivery_date"`
	Status             Status     `json:"status" db:"status"`
	Notes              *string    `json:"notes,omitempty" db:"notes"`
	AttachmentURL      *string    `json:"attachment_url,omitempty" db:"attachment_url"`
	CreatedBy          int64      `json:"created_by" db:"created_by"`
	ShippedBy          *int64     `json:"shipped_by,omitempty" db:"shipped_by"`
	ShippedAt          *time.Time `json:"shipped_at,omitempty" db:"shipped_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CancelledBy        *int64     `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string    `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	Lines              []Line     `json:"lines,omitempty" db:"-"`
}

// Line ships part of one sales order line.
type Line struct {
	ID               int64           `json:"id" db:"id"`
	DeliveryOrderID  int64           `json:"delivery_order_id" db:"delivery_order_id"`
	SalesOrderLineID int64           `json:"sales_order_line_id" db:"sales_order_line_id"`
	ProductID        int64           `json:"product_id" db:"product_id"`
	VariantID        *int64          `json:"variant_id,omitempty" db:"variant_id"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	Notes            *string         `json:"notes,omitempty" db:"notes"`
	LineOrder        int             `json:"line_order" db:"line_order"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// WithDetails includes joined data for display.
type WithDetails struct {
	DeliveryOrder
	SalesOrderNumber string `json:"sales_order_number" db:"sales_order_number"`
	CustomerName     string `json:"customer_name" db:"customer_name"`
	LineCount        int    `json:"line_count" db:"line_count"`
}
