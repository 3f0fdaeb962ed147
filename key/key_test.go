package key

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareOrder(t *testing.T) {
	a := FromUint64(1)
	b := FromUint64(2)
	c := FromUint64(1 << 40)

	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))
	require.Equal(t, -1, Compare(b, c))
	require.Equal(t, -1, Compare(c, Max()))
}

func TestIncSuccessor(t *testing.T) {
	k := FromUint64(41)
	k.Inc()
	require.Equal(t, uint64(42), k.Uint64())

	// carry across byte boundaries
	k = FromUint64(0xff)
	k.Inc()
	require.Equal(t, uint64(0x100), k.Uint64())

	k = FromUint64(0xffffffffffffffff)
	k.Inc()
	// carry propagates out of the integer suffix
	require.Equal(t, uint64(0), k.Uint64())
	require.Equal(t, byte(1), k[Size-9])

	// the sentinel saturates
	m := Max()
	m.Inc()
	require.True(t, m.IsMax())
}

func TestMaxSentinel(t *testing.T) {
	m := Max()
	require.True(t, m.IsMax())
	require.False(t, FromUint64(7).IsMax())

	for i := uint64(0); i < 1000; i++ {
		require.Equal(t, -1, Compare(FromUint64(i), m))
	}
}
