package btree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelfs/keel"
	"github.com/keelfs/keel/block"
	"github.com/keelfs/keel/key"
)

// checkTree walks every reachable block and verifies the structural
// invariants: strict key order, item placement and free-space accounting
// within each block, parent keys matching child subtree maxima, and the
// maximum-key sentinel on the right spine.
func checkTree(t *testing.T, tr *Tree) {
	t.Helper()
	root := tr.store.Root()
	if root.Height == 0 {
		require.True(t, root.Ref.IsZero())
		return
	}
	checkSubtree(t, tr, root.Ref, int(root.Height)-1, true)
}

// checkSubtree returns the greatest key actually stored in the subtree.
func checkSubtree(t *testing.T, tr *Tree, ref block.Ref, level int, rightmost bool) key.Key {
	t.Helper()

	h, err := tr.store.ReadRef(ref)
	require.NoError(t, err)
	defer tr.store.Put(h)
	n := node(h.Data())
	nr := n.nrItems()
	require.Greater(t, nr, 0, "reachable block %d is empty", h.Blkno())

	checkNodeLayout(t, n, h.Blkno())

	if level == 0 {
		return n.greatestKey()
	}

	var greatest key.Key
	for i := 0; i < nr; i++ {
		require.Equal(t, refSize, n.valLenAt(i),
			"parent item %d of block %d", i, h.Blkno())
		childGreatest := checkSubtree(t, tr, n.refAt(i), level-1, rightmost && i == nr-1)

		if rightmost && i == nr-1 {
			require.True(t, n.keyAt(i).IsMax(),
				"right spine of block %d lacks the sentinel", h.Blkno())
		} else {
			require.Zero(t, key.Compare(n.keyAt(i), childGreatest),
				"separator %d of block %d", i, h.Blkno())
		}
		greatest = childGreatest
	}
	return greatest
}

func checkNodeLayout(t *testing.T, n node, blkno uint64) {
	t.Helper()
	nr := n.nrItems()

	for i := 1; i < nr; i++ {
		require.Negative(t, key.Compare(n.keyAt(i-1), n.keyAt(i)),
			"key order at %d of block %d", i, blkno)
	}

	require.GreaterOrEqual(t, n.freeEnd(), hdrSize+offSlotSize*nr,
		"free_end overlaps the offset array of block %d", blkno)

	type span struct{ off, size int }
	spans := make([]span, 0, nr)
	for i := 0; i < nr; i++ {
		off := n.itemOff(i)
		size := valBytes(n.valLenAt(i))
		require.GreaterOrEqual(t, off, n.freeEnd(), "item %d of block %d", i, blkno)
		require.LessOrEqual(t, off+size, len(n), "item %d of block %d", i, blkno)
		spans = append(spans, span{off, size})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })

	gaps := 0
	end := n.freeEnd()
	for _, s := range spans {
		require.GreaterOrEqual(t, s.off, end, "overlapping items in block %d", blkno)
		gaps += s.off - end
		end = s.off + s.size
	}
	gaps += len(n) - end

	require.Equal(t, n.freeReclaim(), gaps,
		"reclaim accounting of block %d", blkno)
}

// TestRandomOps drives a tiny-block tree through a scripted random workload
// against a model map, checking invariants and full traversals as it goes.
func TestRandomOps(t *testing.T) {
	tr := newTestTree(t, 256)
	rng := rand.New(rand.NewSource(7))
	model := make(map[uint64]string)

	randVal := func() string {
		b := make([]byte, 1+rng.Intn(40))
		for i := range b {
			b[i] = 'a' + byte(rng.Intn(26))
		}
		return string(b)
	}

	verify := func() {
		t.Helper()
		checkTree(t, tr)

		keys := make([]uint64, 0, len(model))
		for k := range model {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		got := collect(t, tr, 0, 1000)
		require.Len(t, got, len(keys))
		for i, k := range keys {
			require.Equal(t, k, got[i].key)
			require.Equal(t, model[k], got[i].val)
		}
	}

	for op := 0; op < 3000; op++ {
		k := uint64(rng.Intn(300))
		switch rng.Intn(4) {
		case 0, 1:
			val := randVal()
			var c Cursor
			err := tr.Insert(key.FromUint64(k), len(val), &c)
			if _, ok := model[k]; ok {
				require.ErrorIs(t, err, keel.ErrExists)
			} else {
				require.NoError(t, err)
				copy(c.Val(), val)
				c.Release()
				model[k] = val
			}
		case 2:
			err := tr.Delete(key.FromUint64(k))
			if _, ok := model[k]; ok {
				require.NoError(t, err)
				delete(model, k)
			} else {
				require.ErrorIs(t, err, keel.ErrNotFound)
			}
		case 3:
			var c Cursor
			err := tr.Update(key.FromUint64(k), &c)
			if val, ok := model[k]; ok {
				require.NoError(t, err)
				require.Equal(t, val, string(c.Val()))
				c.Release()
			} else {
				require.ErrorIs(t, err, keel.ErrNotFound)
			}
		}

		if op%250 == 249 {
			verify()
		}
		if op%1000 == 999 {
			require.NoError(t, tr.store.CommitTx())
		}
	}
	verify()
}
