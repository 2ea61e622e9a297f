package recon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRemainingFloorsAtZero(t *testing.T) {
	require.True(t, Remaining(d("10"), d("4")).Equal(d("6")))
	require.True(t, Remaining(d("10"), d("10")).Equal(d("0")))
	require.True(t, Remaining(d("10"), d("12")).Equal(d("0")))
}

func TestCheckCommitWithinBound(t *testing.T) {
	require.NoError(t, CheckCommit(EffectShipped, 1, d("10"), d("0"), d("10")))
	require.NoError(t, CheckCommit(EffectShipped, 1, d("10"), d("6"), d("4")))
	require.NoError(t, CheckCommit(EffectInvoiced, 1, d("2.5"), d("1.25"), d("1.25")))
}

func TestCheckCommitRejectsExceedingQuantity(t *testing.T) {
	err := CheckCommit(EffectShipped, 42, d("10"), d("6"), d("5"))
	require.Error(t, err)

	exceeds, ok := AsExceeds(err)
	require.True(t, ok)
	require.Equal(t, int64(42), exceeds.UpstreamLineID)
	require.Equal(t, EffectShipped, exceeds.Effect)
	require.True(t, exceeds.Requested.Equal(d("5")))

	// Message carries ordered, committed and remaining quantities.
	require.Contains(t, err.Error(), "exceeds remaining shipped quantity (4)")
	require.Contains(t, err.Error(), "Ordered: 10")
	require.Contains(t, err.Error(), "Already shipped: 6")
}

func TestCheckCommitRejectsNonPositiveQuantity(t *testing.T) {
	err := CheckCommit(EffectShipped, 1, d("10"), d("0"), d("0"))
	require.ErrorIs(t, err, ErrNonPositive)
	_, ok := AsExceeds(err)
	require.False(t, ok)

	err = CheckCommit(EffectShipped, 1, d("10"), d("0"), d("-2"))
	require.ErrorIs(t, err, ErrNonPositive)
}

func TestCheckCommitOvercommittedUpstream(t *testing.T) {
	// When commitments already exceed the ordered quantity, nothing remains.
	err := CheckCommit(EffectInvoiced, 1, d("10"), d("12"), d("0.01"))
	exceeds, ok := AsExceeds(err)
	require.True(t, ok)
	require.True(t, exceeds.Committed.Equal(d("12")))
}

func TestAccumulateReSums(t *testing.T) {
	sum := Accumulate([]decimal.Decimal{d("1.5"), d("2.5"), d("3")})
	require.True(t, sum.Equal(d("7")))
	require.True(t, Accumulate(nil).Equal(d("0")))
	// Re-running over the same inputs yields the same value.
	require.True(t, Accumulate([]decimal.Decimal{d("1.5"), d("2.5"), d("3")}).Equal(sum))
}
