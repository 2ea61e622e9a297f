package orders

import "errors"

var (
	ErrNotFound            = errors.New("sales order not found")
	ErrInvalidStatus       = errors.New("invalid sales order status")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrLocked              = errors.New("sales order is locked")
	ErrNotDraft            = errors.New("sales order can only be modified in draft status")
	ErrNoLines             = errors.New("sales order must have at least one line")
	ErrBadAmount           = errors.New("invalid numeric value")
	ErrLocationExclusive   = errors.New("exactly one of warehouse or shop must be set")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrVariantMismatch     = errors.New("variant does not belong to product")
	ErrHasOpenDeliveries   = errors.New("sales order has non-cancelled deliveries")
	ErrDuplicateDocNumber  = errors.New("document number already exists")
)
