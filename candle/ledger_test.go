package candle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/textileio/candle-auction/auction"
)

func TestLedgerIncrement(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	require.Equal(t, uint64(0), l.Get("alice"))

	total, err := l.Increment("alice", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), total)

	total, err = l.Increment("alice", 50)
	require.NoError(t, err)
	require.Equal(t, uint64(150), total)
	require.Equal(t, uint64(150), l.Get("alice"))

	total, err = l.Increment("bob", 120)
	require.NoError(t, err)
	require.Equal(t, uint64(120), total)
	require.Equal(t, 2, l.Len())
}

func TestLedgerOverflow(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	_, err := l.Increment("alice", math.MaxUint64)
	require.NoError(t, err)

	_, err = l.Increment("alice", 1)
	require.ErrorIs(t, err, auction.ErrOverflow)
	require.Equal(t, uint64(math.MaxUint64), l.Get("alice"))
}

func TestLedgerBalancesIsACopy(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	_, err := l.Increment("alice", 100)
	require.NoError(t, err)

	balances := l.Balances()
	balances["alice"] = 1
	require.Equal(t, uint64(100), l.Get("alice"))
}
