package invoicing

import "errors"

var (
	ErrNotFound             = errors.New("invoice not found")
	ErrSalesOrderNotFound   = errors.New("sales order not found")
	ErrSalesOrderLineAbsent = errors.New("sales order line not found")
	ErrCustomerMismatch     = errors.New("sales orders belong to different customers")
	ErrOrderNotBillable     = errors.New("sales order is not in a billable status")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrLocked               = errors.New("invoice is locked")
	ErrNotVoidable          = errors.New("invoice can no longer be voided")
	ErrNoLines              = errors.New("invoice must have at least one line")
	ErrBadAmount            = errors.New("invalid numeric value")
	ErrPaymentNotAccepted   = errors.New("invoice does not accept payments in its current status")
	ErrZeroPayment          = errors.New("payment amount must be non-zero")
	ErrOverpayment          = errors.New("payment exceeds the open balance")
	ErrNegativePaid         = errors.New("refund exceeds the amount paid")
	ErrDuplicateDocNumber   = errors.New("document number already exists")
)
