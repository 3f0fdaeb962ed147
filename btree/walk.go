// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/keelfs/keel"
	"github.com/keelfs/keel/block"
	"github.com/keelfs/keel/key"
)

type walkOp int

const (
	opLookup walkOp = iota
	opInsert
	opDelete
	opNext
	opNextSeq
	opDirty
)

func (o walkOp) dirty() bool {
	return o == opInsert || o == opDelete || o == opDirty
}

// skipPosSeq reports whether iteration by sequence number should skip the
// item at pos: a parent item is tested by its block ref's seq, a leaf item
// by its own seq.
func skipPosSeq(n node, pos, level int, seq uint64, o walkOp) bool {
	if o != opNextSeq || pos >= n.nrItems() {
		return false
	}
	if level > 0 {
		return n.refAt(pos).Seq < seq
	}
	return n.seqAt(pos) < seq
}

// nextPosSeq returns the next sorted position, skipping items older than
// the desired sequence number.
func nextPosSeq(n node, pos, level int, seq uint64, o walkOp) int {
	for {
		pos++
		if !skipPosSeq(n, pos, level, seq, o) {
			return pos
		}
	}
}

// findPosAfterSeq returns the first position at or after the key, skipping
// items older than the desired sequence number.
func findPosAfterSeq(n node, k key.Key, level int, seq uint64, o walkOp) int {
	pos, _ := n.findPos(k)
	if skipPosSeq(n, pos, level, seq, o) {
		pos = nextPosSeq(n, pos, level, seq, o)
	}
	return pos
}

func (t *Tree) allocTreeBlock() (*block.Handle, error) {
	h, err := t.store.AllocDirty()
	if err != nil {
		return nil, err
	}
	initNode(h.Data())
	return h, nil
}

// growTree allocates a new tree block and points the root at it. The caller
// is responsible for the items in the new block.
func (t *Tree) growTree(root *block.TreeRoot) (*block.Handle, error) {
	h, err := t.allocTreeBlock()
	if err != nil {
		return nil, err
	}
	root.Height++
	root.Ref = block.Ref{Blkno: h.Blkno(), Seq: h.Seq()}
	return h, nil
}

// createParentItem creates an item in the parent that references the child
// under the given key.
func createParentItem(parent node, pos int, child node, k key.Key) {
	parent.createItem(pos, k, refSize)
	parent.setRefAt(pos, block.Ref{Blkno: block.Blkno(child), Seq: block.Seq(child)})
}

// trySplit makes sure the fetched block has room to insert an item of the
// given value length, compacting or splitting it as needed.
//
// Parent blocks need room for a new child ref in case a child splits; leaf
// blocks need room for the caller's item. The split moves the lower half
// into a new left sibling so the greatest key of the existing block does
// not change and its parent item needs no update. If the search key falls
// in the new left block, that block is returned for the walk to continue
// through.
//
// When the root itself splits there is no parent yet: the tree grows a new
// root whose single item references the split block under the maximum key,
// preserving the right-spine invariant. The walk skips locking the new
// parent as it descends, which is fine while it holds the root lock.
func (t *Tree) trySplit(root *block.TreeRoot, level int, k key.Key, valLen int,
	parent node, parentPos int, right *block.Handle) (*block.Handle, error) {

	if level > 0 {
		valLen = refSize
	}
	need := allValBytes(valLen)
	rn := node(right.Data())

	if rn.contigFree() >= need {
		return right, nil
	}
	if rn.reclaimableFree() >= need {
		// hold the block lock while scrambling item addresses, so a
		// cursor still seated in this block keeps a consistent view
		right.Lock()
		rn.compact()
		right.Unlock()
		return right, nil
	}

	// allocate the split neighbour first to avoid unwinding tree growth
	left, err := t.allocTreeBlock()
	if err != nil {
		t.store.Put(right)
		return nil, err
	}
	ln := node(left.Data())

	if parent == nil {
		parentH, err := t.growTree(root)
		if err != nil {
			t.store.FreeBlock(left.Blkno())
			t.store.Put(left)
			t.store.Put(right)
			return nil, err
		}
		parent = parentH.Data()
		parentPos = 0
		createParentItem(parent, parentPos, rn, key.Max())
		defer t.store.Put(parentH)
	}

	// the new left block is invisible to readers, but this block may be
	// held by a cursor; mutate it only under its lock
	right.Lock()
	moveItems(ln, rn, false, rn.usedTotal()/2)
	createParentItem(parent, parentPos, ln, ln.greatestKey())
	t.log.Debug("split block",
		zap.Uint64("blkno", right.Blkno()),
		zap.Uint64("left", left.Blkno()),
		zap.Int("level", level))

	if key.Compare(k, ln.greatestKey()) <= 0 {
		// insertion goes to the new left block
		right.Unlock()
		t.store.Put(right)
		right = left
	} else {
		t.store.Put(left)

		// insertion still goes through us, might need to compact
		if rn.contigFree() < need {
			rn.compact()
		}
		right.Unlock()
	}
	return right, nil
}

// tryMerge pulls items from a sibling when the fetched block has more than
// FreeLimit bytes of reclaimable free space during a delete descent. When
// the whole sibling fits it is drained and its block freed. If the parent
// is the root and is left with a single child, the tree shrinks by one
// level.
//
// The sibling and parent are dirty before any item moves, so the migration
// itself cannot fail. The caller only has the parent locked; it locks
// whichever block is returned.
func (t *Tree) tryMerge(root *block.TreeRoot, parentH *block.Handle, pos int,
	h *block.Handle) (*block.Handle, error) {

	parent := node(parentH.Data())
	bt := node(h.Data())

	if bt.reclaimableFree() <= t.freeLimit {
		return h, nil
	}

	// move items right into our block if we have a left sibling
	var sibPos int
	var moveRight bool
	if pos > 0 {
		sibPos = pos - 1
		moveRight = true
	} else {
		sibPos = pos + 1
		moveRight = false
	}
	if sibPos >= parent.nrItems() {
		return h, nil
	}

	sibRef := parent.refAt(sibPos)
	sib, err := t.store.DirtyRef(&sibRef)
	if err != nil {
		t.store.Put(h)
		return nil, err
	}
	parent.setRefAt(sibPos, sibRef)
	sn := node(sib.Data())

	// both blocks' contents move; hold their locks so cursors seated in
	// either keep a consistent view
	h.Lock()
	sib.Lock()

	var toMove int
	if sn.usedTotal() <= bt.reclaimableFree() {
		toMove = sn.usedTotal()
	} else {
		toMove = bt.reclaimableFree() - t.freeLimit
	}
	if bt.contigFree() < toMove {
		bt.compact()
	}

	moveItems(bt, sn, moveRight, toMove)

	// update our parent's ref key if we changed our greatest key
	if !moveRight {
		parent.setKeyAt(pos, bt.greatestKey())
	}

	sib.Unlock()
	h.Unlock()

	// delete an empty sibling, or update its key if its greatest changed
	if sn.nrItems() == 0 {
		parent.deleteItem(sibPos)
		t.store.FreeBlock(sib.Blkno())
	} else if moveRight {
		parent.setKeyAt(sibPos, sn.greatestKey())
	}

	// shrink the tree if our parent is the root and down to a single child
	if parent.nrItems() == 1 && root.Ref.Blkno == parentH.Blkno() {
		root.Height--
		root.Ref = block.Ref{Blkno: h.Blkno(), Seq: h.Seq()}
		t.store.FreeBlock(parentH.Blkno())
		t.log.Debug("collapsed root",
			zap.Uint64("blkno", h.Blkno()),
			zap.Uint8("height", root.Height))
	}

	t.store.Put(sib)
	return h, nil
}

// walk returns the leaf block that should contain the given key, locked for
// reading or writing depending on the operation. The caller searches the
// leaf and performs its operation.
//
// Descent locks couple from the root down: the parent stays locked until
// the child is locked, and only one parent is held at a time. Mutating
// operations keep the tree's root lock exclusively for the whole operation;
// readers drop it as soon as the first block is locked.
//
// As the walk passes parent items it sets nextKey to the successor of the
// parent separator, which iteration uses to advance to the next leaf even
// when this one yields nothing.
func (t *Tree) walk(k key.Key, nextKey *key.Key, valLen int, seq uint64, o walkOp) (*block.Handle, error) {
	dirty := o.dirty()

	// no sibling separators if there are no parent blocks
	if nextKey != nil {
		*nextKey = key.Max()
	}

	if dirty {
		t.mu.Lock()
	} else {
		t.mu.RLock()
	}
	rootHeld := true
	var parent *block.Handle

	fail := func(err error) (*block.Handle, error) {
		if parent != nil {
			parent.Unlock()
			t.store.Put(parent)
		}
		if dirty {
			t.mu.Unlock()
		} else if rootHeld {
			t.mu.RUnlock()
		}
		return nil, err
	}

	// release the held parent; for the first step that is the root lock,
	// which writers keep until the operation completes
	releaseParent := func() {
		if parent != nil {
			parent.Unlock()
			t.store.Put(parent)
			parent = nil
		} else if !dirty && rootHeld {
			t.mu.RUnlock()
			rootHeld = false
		}
	}

	root := t.store.Root()

	if root.Height == 0 {
		if o != opInsert {
			return fail(keel.ErrNotFound)
		}
		h, err := t.growTree(root)
		if err != nil {
			return fail(err)
		}
		h.Lock()
		return h, nil
	}

	// skip the whole tree if the root ref's seq is old
	if o == opNextSeq && root.Ref.Seq < seq {
		return fail(keel.ErrNotFound)
	}

	ref := root.Ref
	pos := 0
	for level := int(root.Height) - 1; ; level-- {
		var h *block.Handle
		var err error
		if dirty {
			h, err = t.store.DirtyRef(&ref)
		} else {
			h, err = t.store.ReadRef(ref)
		}
		if err != nil {
			return fail(err)
		}
		if dirty {
			// a dirty fetch may have copied the block; the new
			// (blkno, seq) has to land in the parent before it is
			// unlocked
			if parent == nil {
				root.Ref = ref
			} else {
				node(parent.Data()).setRefAt(pos, ref)
			}
		}

		if o == opInsert {
			var pn node
			if parent != nil {
				pn = parent.Data()
			}
			h, err = t.trySplit(root, level, k, valLen, pn, pos, h)
			if err != nil {
				return fail(err)
			}
		}
		if o == opDelete && parent != nil {
			h, err = t.tryMerge(root, parent, pos, h)
			if err != nil {
				return fail(err)
			}
		}

		h.Lock()
		if level == 0 {
			releaseParent()
			return h, nil
		}

		// unlock the parent before searching so others can use it
		releaseParent()
		parent = h
		pn := node(parent.Data())

		// find the parent item referencing the next child to search;
		// skipping items with old seqs can leave none
		pos = findPosAfterSeq(pn, k, level, seq, o)
		if pos >= pn.nrItems() {
			if o == opNextSeq {
				return fail(keel.ErrNotFound)
			}
			return fail(errors.Wrapf(keel.ErrIntegrity,
				"no child for key %s at level %d of block %d", k, level, parent.Blkno()))
		}
		ref = pn.refAt(pos)

		if nextKey != nil {
			nk := pn.keyAt(pos)
			nk.Inc()
			*nextKey = nk
		}
	}
}
