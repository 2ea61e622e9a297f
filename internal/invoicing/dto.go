package invoicing

import "time"

// CreateRequest is the payload for creating a customer invoice.
type CreateRequest struct {
	InvoiceDate   time.Time           `json:"invoice_date" validate:"required"`
	DueDate       *time.Time          `json:"due_date,omitempty"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// CreateLineRequest bills a quantity against one sales order line. Price
// fields default to the order line's values when omitted.
type CreateLineRequest struct {
	SalesOrderLineID int64   `json:"sales_order_line_id" validate:"required,gt=0"`
	Quantity         string  `json:"quantity" validate:"required"`
	UnitPrice        *string `json:"unit_price,omitempty"`
	DiscountPercent  *string `json:"discount_percent,omitempty"`
	VATRate          *string `json:"vat_rate,omitempty"`
	Notes            *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// UpdateRequest carries a partial update. Nil fields are left untouched.
type UpdateRequest struct {
	InvoiceDate   *time.Time          `json:"invoice_date,omitempty"`
	DueDate       *time.Time          `json:"due_date,omitempty"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

func (r UpdateRequest) onlyUnlockedFields() bool {
	return r.InvoiceDate == nil && r.DueDate == nil && r.Lines == nil
}

// VoidRequest carries the reason for voiding an invoice.
type VoidRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// PaymentRequest applies one payment or refund to an invoice.
type PaymentRequest struct {
	InvoiceID int64      `json:"invoice_id" validate:"required,gt=0"`
	Amount    string     `json:"amount" validate:"required"`
	Method    string     `json:"method" validate:"required,oneof=CASH BANK_TRANSFER CARD CHEQUE OTHER"`
	Reference *string    `json:"reference,omitempty" validate:"omitempty,max=200"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	Notes     *string    `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// PaymentResult reports the outcome of a payment application. Applied is
// false when the referenced invoice does not exist; such payments are
// recorded nowhere and only logged.
type PaymentResult struct {
	Applied bool             `json:"applied"`
	Invoice *CustomerInvoice `json:"invoice,omitempty"`
}

// ListRequest is the filter set for listing invoices.
type ListRequest struct {
	CustomerID   int64  `json:"customer_id,omitempty"`
	SalesOrderID int64  `json:"sales_order_id,omitempty"`
	Status       string `json:"status,omitempty" validate:"omitempty,oneof=DRAFT SENT PARTIALLY_PAID PAID VOIDED"`
	DateFrom     string `json:"date_from,omitempty"`
	DateTo       string `json:"date_to,omitempty"`
	Limit        int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
	Offset       int    `json:"offset,omitempty" validate:"omitempty,min=0"`
}

// ListResponse is a page of invoices.
type ListResponse struct {
	Invoices []WithDetails `json:"invoices"`
	Total    int64         `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}
