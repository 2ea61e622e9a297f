package orders

import "errors"

var (
	ErrNotFound             = errors.New("delivery order not found")
	ErrSalesOrderNotFound   = errors.New("sales order not found")
	ErrSalesOrderLineAbsent = errors.New("sales order line not found on order")
	ErrSalesOrderNotOpen    = errors.New("sales order is not in a shippable status")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrLocked               = errors.New("delivery order is locked")
	ErrNotDraft             = errors.New("delivery order can only be modified in draft status")
	ErrNoLines              = errors.New("delivery order must have at least one line")
	ErrBadQuantity          = errors.New("quantity must be a number")
	ErrDuplicateDocNumber   = errors.New("document number already exists")
)
