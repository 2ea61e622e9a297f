// Package invoicing implements customer invoices and payment application.
package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a customer invoice.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusSent          Status = "SENT"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusVoided        Status = "VOIDED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPartiallyPaid, StatusPaid, StatusVoided:
		return true
	default:
		return false
	}
}

// IsLocked reports whether the document rejects edits outside the allow-list.
// Sent invoices are immutable commercial documents.
func (s Status) IsLocked() bool {
	return s != StatusDraft
}

// Voidable reports whether the invoice can still be voided. Invoices with
// recorded payments cannot.
func (s Status) Voidable() bool {
	return s == StatusDraft || s == StatusSent
}

// AcceptsPayments reports whether payments may be applied in this status.
// Paid invoices still accept entries so refunds can reopen the balance.
func (s Status) AcceptsPayments() bool {
	switch s {
	case StatusSent, StatusPartiallyPaid, StatusPaid:
		return true
	default:
		return false
	}
}

// PaymentTolerance absorbs rounding residue when closing an invoice: a
// balance at or below it counts as settled.
var PaymentTolerance = decimal.NewFromFloat(0.005)

// StatusForBalance derives the payment status from the paid amount. The
// second return is the amount to persist, pinned to the total when the
// residual balance is inside the tolerance.
func StatusForBalance(total, paid decimal.Decimal) (Status, decimal.Decimal) {
	if total.Sub(paid).LessThanOrEqual(PaymentTolerance) {
		return StatusPaid, total
	}
	if paid.IsPositive() {
		return StatusPartiallyPaid, paid
	}
	return StatusSent, paid
}

// CustomerInvoice bills quantities committed on one or more sales orders of
// the same customer.
type CustomerInvoice struct {
	ID            int64           `json:"id" db:"id"`
	DocNumber     string          `json:"doc_number" db:"doc_number"`
	CustomerID    int64           `json:"customer_id" db:"customer_id"`
	InvoiceDate   time.Time       `json:"invoice_date" db:"invoice_date"`
	DueDate       *time.Time      `json:"due_date,omitempty" db:"due_date"`
	Status        Status          `json:"status" db:"status"`
	Subtotal      decimal.Decimal `json:"subtotal" db:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	Notes         *string         `json:"notes,omitempty" db:"notes"`
	AttachmentURL *string         `json:"attachment_url,omitempty" db:"attachment_url"`
	CreatedBy     int64           `json:"created_by" db:"created_by"`
	SentAt        *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	VoidedBy      *int64          `json:"voided_by,omitempty" db:"voided_by"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty" db:"voided_at"`
	VoidReason    *string         `json:"void_reason,omitempty" db:"void_reason"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	SalesOrderIDs []int64         `json:"sales_order_ids,omitempty" db:"-"`
	Lines         []Line          `json:"lines,omitempty" db:"-"`
	Payments      []Payment       `json:"payments,omitempty" db:"-"`
}

// Line bills part of one sales order line.
type Line struct {
	ID               int64           `json:"id" db:"id"`
	InvoiceID        int64           `json:"invoice_id" db:"invoice_id"`
	SalesOrderLineID int64           `json:"sales_order_line_id" db:"sales_order_line_id"`
	ProductID        int64           `json:"product_id" db:"product_id"`
	VariantID        *int64          `json:"variant_id,omitempty" db:"variant_id"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price" db:"unit_price"`
	DiscountPercent  decimal.Decimal `json:"discount_percent" db:"discount_percent"`
	VATRate          decimal.Decimal `json:"vat_rate" db:"vat_rate"`
	LineTotal        decimal.Decimal `json:"line_total" db:"line_total"`
	Notes            *string         `json:"notes,omitempty" db:"notes"`
	LineOrder        int             `json:"line_order" db:"line_order"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Payment is one applied payment. Negative amounts record refunds.
type Payment struct {
	ID        int64           `json:"id" db:"id"`
	InvoiceID int64           `json:"invoice_id" db:"invoice_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Method    string          `json:"method" db:"method"`
	Reference *string         `json:"reference,omitempty" db:"reference"`
	PaidAt    time.Time       `json:"paid_at" db:"paid_at"`
	Notes     *string         `json:"notes,omitempty" db:"notes"`
	CreatedBy int64           `json:"created_by" db:"created_by"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// WithDetails includes joined data for display.
type WithDetails struct {
	CustomerInvoice
	CustomerName string `json:"customer_name" db:"customer_name"`
	LineCount    int    `json:"line_count" db:"line_count"`
}
