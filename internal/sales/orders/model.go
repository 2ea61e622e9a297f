// Package orders provides sales order entity logic.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a sales order.
type Status string

const (
	StatusDraft            Status = "DRAFT"
	StatusApproved         Status = "APPROVED"
	StatusInPreparation    Status = "IN_PREPARATION"
	StatusPartiallyShipped Status = "PARTIALLY_SHIPPED"
	StatusFullyShipped     Status = "FULLY_SHIPPED"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusApproved, StatusInPreparation, StatusPartiallyShipped,
		StatusFullyShipped, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsLocked reports whether the document rejects edits outside the allow-list.
func (s Status) IsLocked() bool {
	return s.IsTerminal() || s == StatusFullyShipped
}

// Reserved reports whether approval-time reservation movements exist for the
// order, meaning cancellation must write offsetting entries.
func (s Status) Reserved() bool {
	switch s {
	case StatusApproved, StatusInPreparation, StatusPartiallyShipped:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusDraft:
		return target == StatusApproved || target == StatusInPreparation || target == StatusCancelled
	case StatusApproved:
		return target == StatusInPreparation || target == StatusPartiallyShipped ||
			target == StatusFullyShipped || target == StatusCancelled
	case StatusInPreparation:
		return target == StatusPartiallyShipped || target == StatusFullyShipped || target == StatusCancelled
	case StatusPartiallyShipped:
		return target == StatusFullyShipped || target == StatusCancelled
	case StatusFullyShipped:
		return target == StatusCompleted
	case StatusCompleted, StatusCancelled:
		return false
	}
	return false
}

// ShippingStatusFor derives the aggregate shipping status from the line
// accumulators. It returns the current status unchanged while nothing has
// shipped, so approval-stage statuses survive until the first shipment.
func ShippingStatusFor(current Status, lines []Line) Status {
	if len(lines) == 0 {
		return current
	}
	anyShipped := false
	allShipped := true
	for _, l := range lines {
		if l.QuantityShipped.IsPositive() {
			anyShipped = true
		}
		if l.QuantityShipped.LessThan(l.Quantity) {
			allShipped = false
		}
	}
	switch {
	case allShipped:
		return StatusFullyShipped
	case anyShipped:
		return StatusPartiallyShipped
	default:
		return current
	}
}

// SalesOrder represents an order from a customer.
type SalesOrder struct {
	ID                 int64           `json:"id" db:"id"`
	DocNumber          string          `json:"doc_number" db:"doc_number"`
	CustomerID         int64           `json:"customer_id" db:"customer_id"`
	WarehouseID        *int64          `json:"warehouse_id,omitempty" db:"warehouse_id"`
	ShopID             *int64          `json:"shop_id,omitempty" db:"shop_id"`
	OrderDate          time.Time       `json:"order_date" db:"order_date"`
	Status             Status          `json:"status" db:"status"`
	Subtotal           decimal.Decimal `json:"subtotal" db:"subtotal"`
	TaxAmount          decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	ShippingCost       decimal.Decimal `json:"shipping_cost" db:"shipping_cost"`
	TotalAmount        decimal.Decimal `json:"total_amount" db:"total_amount"`
	Notes              *string         `json:"notes,omitempty" db:"notes"`
	AttachmentURL      *string         `json:"attachment_url,omitempty" db:"attachment_url"`
	CreatedBy          int64           `json:"created_by" db:"created_by"`
	ApprovedBy         *int64          `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	CancelledBy        *int64          `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string         `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
	Lines              []Line          `json:"lines,omitempty" db:"-"`
}

// Line represents one ordered item. QuantityShipped and QuantityInvoiced are
// reconciliation accumulators, always recomputed from downstream lines.
type Line struct {
	ID               int64           `json:"id" db:"id"`
	SalesOrderID     int64           `json:"sales_order_id" db:"sales_order_id"`
	ProductID        int64           `json:"product_id" db:"product_id"`
	VariantID        *int64          `json:"variant_id,omitempty" db:"variant_id"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	QuantityShipped  decimal.Decimal `json:"quantity_shipped" db:"quantity_shipped"`
	QuantityInvoiced decimal.Decimal `json:"quantity_invoiced" db:"quantity_invoiced"`
	UnitPrice        decimal.Decimal `json:"unit_price" db:"unit_price"`
	DiscountPercent  decimal.Decimal `json:"discount_percent" db:"discount_percent"`
	VATRate          decimal.Decimal `json:"vat_rate" db:"vat_rate"`
	LineTotal        decimal.Decimal `json:"line_total" db:"line_total"`
	Notes            *string         `json:"notes,omitempty" db:"notes"`
	LineOrder        int             `json:"line_order" db:"line_order"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// WithDetails includes joined data for display.
type WithDetails struct {
	SalesOrder
	CustomerName  string `json:"customer_name" db:"customer_name"`
	CreatedByName string `json:"created_by_name" db:"created_by_name"`
	LineCount     int    `json:"line_count" db:"line_count"`
}
