package ledger

import "errors"

// Domain errors for the stock ledger.
var (
	// ErrNotFound indicates a referenced product, variant, location or user is absent.
	ErrNotFound = errors.New("ledger: referenced resource not found")

	ErrInvalidMovementType = errors.New("ledger: invalid movement type")
	ErrZeroQuantity        = errors.New("ledger: movement quantity must be non-zero")
	ErrLocationExclusive   = errors.New("ledger: exactly one of warehouse or shop must be set")
	ErrMissingReference    = errors.New("ledger: product and acting user are required")
	ErrManualTypeOnly      = errors.New("ledger: only manual entry types are accepted here")
	ErrVariantMismatch     = errors.New("ledger: variant does not belong to the given product")
	ErrNegativeStock       = errors.New("ledger: movement would drive stock negative")
)
