// Package recon enforces the monotonic quantity bounds between upstream and
// downstream document lines: a downstream commitment (shipping or invoicing a
// quantity) may never exceed what remains of the upstream line's quantity.
package recon

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Effect names the accumulator a downstream commitment counts against.
type Effect string

const (
	EffectShipped  Effect = "shipped"
	EffectInvoiced Effect = "invoiced"
)

// ExceedsError reports a commitment that would exceed the remaining quantity.
// It carries the quantities involved so callers can render an actionable
// message without a second round-trip.
type ExceedsError struct {
	Effect         Effect
	UpstreamLineID int64
	Ordered        decimal.Decimal
	Committed      decimal.Decimal
	Requested      decimal.Decimal
}

func (e *ExceedsError) Error() string {
	return fmt.Sprintf(
		"quantity %s for line %d exceeds remaining %s quantity (%s). Ordered: %s, Already %s: %s",
		e.Requested, e.UpstreamLineID, e.Effect, e.Ordered.Sub(e.Committed),
		e.Ordered, e.Effect, e.Committed,
	)
}

// ErrNonPositive rejects zero and negative requested quantities.
var ErrNonPositive = errors.New("recon: requested quantity must be positive")

// AsExceeds unwraps an ExceedsError when present.
func AsExceeds(err error) (*ExceedsError, bool) {
	var exceeds *ExceedsError
	if errors.As(err, &exceeds) {
		return exceeds, true
	}
	return nil, false
}

// Remaining returns the quantity still open for downstream commitments. The
// committed sum must already exclude lines of the document being edited.
func Remaining(ordered, committed decimal.Decimal) decimal.Decimal {
	remaining := ordered.Sub(committed)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// CheckCommit validates one requested downstream quantity against the
// upstream line. The check must run inside the same transaction as the write
// it guards, with the upstream line row locked, or two concurrent commits can
// both pass against the same stale sum.
func CheckCommit(effect Effect, upstreamLineID int64, ordered, committed, requested decimal.Decimal) error {
	if requested.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w, got %s", ErrNonPositive, requested)
	}
	if requested.GreaterThan(Remaining(ordered, committed)) {
		return &ExceedsError{
			Effect:         effect,
			UpstreamLineID: upstreamLineID,
			Ordered:        ordered,
			Committed:      committed,
			Requested:      requested,
		}
	}
	return nil
}

// Accumulate re-derives an accumulator from the full set of current
// downstream quantities. Accumulators are always recomputed by re-summing,
// never incremented, so they stay correct under edits and deletions.
func Accumulate(quantities []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, q := range quantities {
		total = total.Add(q)
	}
	return total
}
