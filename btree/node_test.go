package btree

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelfs/keel/block"
	"github.com/keelfs/keel/key"
)

// seq field of the common block header, stamped directly so node tests do
// not need a store
const testSeqOff = 16

func newTestNode(size int, seq uint64) node {
	n := node(make([]byte, size))
	binary.LittleEndian.PutUint64(n[testSeqOff:], seq)
	initNode(n)
	return n
}

func insertItem(n node, k uint64, val string) {
	pos, cmp := n.findPos(key.FromUint64(k))
	if cmp == 0 {
		panic("duplicate key in test")
	}
	n.createItem(pos, key.FromUint64(k), len(val))
	copy(n.valAt(pos), val)
}

func TestNodeCreateDelete(t *testing.T) {
	n := newTestNode(1024, 7)

	for _, k := range []uint64{30, 10, 20, 40, 5} {
		insertItem(n, k, "abc")
	}
	require.Equal(t, 5, n.nrItems())

	// sorted by key regardless of insertion order
	want := []uint64{5, 10, 20, 30, 40}
	for i, k := range want {
		require.Equal(t, k, n.keyAt(i).Uint64())
		require.Equal(t, "abc", string(n.valAt(i)))
		require.Equal(t, uint64(7), n.seqAt(i))
	}

	used := n.usedTotal()
	require.Equal(t, 5*allValBytes(3), used)
	require.Equal(t, len(n)-hdrSize-used, n.contigFree())
	require.Equal(t, 0, n.freeReclaim())

	// deleting records reclaimable bytes and zero-fills the item
	off := n.itemOff(2)
	n.deleteItem(2)
	require.Equal(t, 4, n.nrItems())
	require.Equal(t, valBytes(3), n.freeReclaim())
	for _, b := range n[off : off+valBytes(3)] {
		require.Zero(t, b)
	}
	require.Equal(t, []uint64{5, 10, 30, 40}, nodeKeys(n))
}

func nodeKeys(n node) []uint64 {
	keys := make([]uint64, 0, n.nrItems())
	for i := 0; i < n.nrItems(); i++ {
		keys = append(keys, n.keyAt(i).Uint64())
	}
	return keys
}

func TestNodeFindPos(t *testing.T) {
	n := newTestNode(1024, 1)

	pos, cmp := n.findPos(key.FromUint64(1))
	require.Equal(t, 0, pos)
	require.Negative(t, cmp)

	for _, k := range []uint64{10, 20, 30} {
		insertItem(n, k, "v")
	}

	pos, cmp = n.findPos(key.FromUint64(20))
	require.Equal(t, 1, pos)
	require.Zero(t, cmp)

	pos, cmp = n.findPos(key.FromUint64(15))
	require.Equal(t, 1, pos)
	require.Negative(t, cmp)

	// greater than every key returns the invalid position past the end
	pos, _ = n.findPos(key.FromUint64(99))
	require.Equal(t, 3, pos)
}

func TestNodeCompact(t *testing.T) {
	n := newTestNode(1024, 1)

	for k := uint64(1); k <= 8; k++ {
		insertItem(n, k, "0123456789")
	}
	for _, pos := range []int{6, 3, 0} {
		n.deleteItem(pos)
	}

	reclaimable := n.reclaimableFree()
	require.Equal(t, 3*valBytes(10), n.freeReclaim())
	keys := nodeKeys(n)

	n.compact()

	require.Zero(t, n.freeReclaim())
	require.Equal(t, reclaimable, n.contigFree())
	require.Equal(t, keys, nodeKeys(n))
	for i := 0; i < n.nrItems(); i++ {
		require.Equal(t, "0123456789", string(n.valAt(i)))
	}
	// items are packed against the back of the block
	require.Equal(t, len(n)-n.nrItems()*valBytes(10), n.freeEnd())
}

func TestNodeMoveItems(t *testing.T) {
	src := newTestNode(1024, 3)
	dst := newTestNode(1024, 9)

	for k := uint64(1); k <= 6; k++ {
		insertItem(src, k, "vvvv")
	}

	// move the lower half onto the destination's tail
	moveItems(dst, src, false, src.usedTotal()/2)
	require.Equal(t, []uint64{1, 2, 3}, nodeKeys(dst))
	require.Equal(t, []uint64{4, 5, 6}, nodeKeys(src))

	// items keep the sequence they were created under
	for i := 0; i < dst.nrItems(); i++ {
		require.Equal(t, uint64(3), dst.seqAt(i))
	}

	// move the lower block's tail into the higher block's head
	moveItems(src, dst, true, dst.usedTotal())
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, nodeKeys(src))
	require.Zero(t, dst.nrItems())

	for i := 0; i < src.nrItems(); i++ {
		require.Equal(t, "vvvv", string(src.valAt(i)))
	}
}

func TestNodeMoveStopsWhenFull(t *testing.T) {
	src := newTestNode(1024, 1)
	dst := newTestNode(256, 1)

	big := make([]byte, 60)
	for k := uint64(1); k <= 8; k++ {
		pos, _ := src.findPos(key.FromUint64(k))
		src.createItem(pos, key.FromUint64(k), len(big))
	}

	moveItems(dst, src, false, src.usedTotal())
	require.Greater(t, src.nrItems(), 0)
	require.GreaterOrEqual(t, dst.contigFree(), 0)
}

func TestNodeRefRoundTrip(t *testing.T) {
	n := newTestNode(512, 2)

	n.createItem(0, key.FromUint64(100), refSize)
	ref := block.Ref{Blkno: 42, Seq: 7}
	n.setRefAt(0, ref)
	require.Equal(t, ref, n.refAt(0))
}
