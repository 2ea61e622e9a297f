package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusDraft, StatusApproved, true},
		{StatusDraft, StatusInPreparation, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusCompleted, false},
		{StatusApproved, StatusInPreparation, true},
		{StatusApproved, StatusPartiallyShipped, true},
		{StatusApproved, StatusFullyShipped, true},
		{StatusApproved, StatusDraft, false},
		{StatusInPreparation, StatusPartiallyShipped, true},
		{StatusInPreparation, StatusCancelled, true},
		{StatusPartiallyShipped, StatusFullyShipped, true},
		{StatusPartiallyShipped, StatusApproved, false},
		{StatusFullyShipped, StatusCompleted, true},
		{StatusFullyShipped, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusDraft, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusLocking(t *testing.T) {
	require.False(t, StatusDraft.IsLocked())
	require.False(t, StatusApproved.IsLocked())
	require.False(t, StatusPartiallyShipped.IsLocked())
	require.True(t, StatusFullyShipped.IsLocked())
	require.True(t, StatusCompleted.IsLocked())
	require.True(t, StatusCancelled.IsLocked())

	require.False(t, StatusFullyShipped.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
}

func TestStatusReserved(t *testing.T) {
	require.False(t, StatusDraft.Reserved())
	require.True(t, StatusApproved.Reserved())
	require.True(t, StatusInPreparation.Reserved())
	require.True(t, StatusPartiallyShipped.Reserved())
	require.False(t, StatusFullyShipped.Reserved())
	require.False(t, StatusCancelled.Reserved())
}

func soLine(ordered, shipped string) Line {
	return Line{
		Quantity:        decimal.RequireFromString(ordered),
		QuantityShipped: decimal.RequireFromString(shipped),
	}
}

func TestShippingStatusFor(t *testing.T) {
	t.Run("nothing shipped keeps current", func(t *testing.T) {
		lines := []Line{soLine("5", "0"), soLine("3", "0")}
		require.Equal(t, StatusApproved, ShippingStatusFor(StatusApproved, lines))
		require.Equal(t, StatusInPreparation, ShippingStatusFor(StatusInPreparation, lines))
	})

	t.Run("partial shipment", func(t *testing.T) {
		lines := []Line{soLine("5", "5"), soLine("3", "0")}
		require.Equal(t, StatusPartiallyShipped, ShippingStatusFor(StatusInPreparation, lines))
	})

	t.Run("partially shipped line", func(t *testing.T) {
		lines := []Line{soLine("5", "2")}
		require.Equal(t, StatusPartiallyShipped, ShippingStatusFor(StatusApproved, lines))
	})

	t.Run("all lines shipped", func(t *testing.T) {
		lines := []Line{soLine("5", "5"), soLine("3", "3")}
		require.Equal(t, StatusFullyShipped, ShippingStatusFor(StatusPartiallyShipped, lines))
	})

	t.Run("no lines keeps current", func(t *testing.T) {
		require.Equal(t, StatusDraft, ShippingStatusFor(StatusDraft, nil))
	})
}
