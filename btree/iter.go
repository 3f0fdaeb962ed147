// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"github.com/cockroachdb/errors"

	"github.com/keelfs/keel"
	"github.com/keelfs/keel/key"
)

// Next advances the cursor to the next item in [first, last] in ascending
// key order, entering fresh if the cursor is empty. Returns true while the
// cursor holds an in-range item and false once the range is exhausted.
//
//	var c btree.Cursor
//	for ok, err := t.Next(first, last, &c); ok; ok, err = t.Next(first, last, &c) {
//		...
//	}
func (t *Tree) Next(first, last key.Key, c *Cursor) (bool, error) {
	return t.iterate(first, last, 0, opNext, c)
}

// Since is Next restricted to items modified at or after seq. Subtrees
// whose parent refs carry older sequence numbers are not descended into.
func (t *Tree) Since(first, last key.Key, seq uint64, c *Cursor) (bool, error) {
	return t.iterate(first, last, seq, opNextSeq, c)
}

// iterate holds no path state between steps. When the cursor's leaf is
// exhausted it searches the tree again from the resume key, the successor
// of the last parent separator passed on the way down, which guarantees
// forward progress even when a whole leaf is filtered out.
func (t *Tree) iterate(first, last key.Key, seq uint64, o walkOp, c *Cursor) (bool, error) {
	if key.Compare(first, last) > 0 {
		return false, nil
	}

	k := first

	// advance within the held leaf, releasing it if it is spent
	if c.h != nil {
		k = c.Key()
		k.Inc()

		c.pos = nextPosSeq(c.n, c.pos, 0, seq, o)
		if c.pos >= c.n.nrItems() {
			c.Release()
		}
	}

	// find the leaf holding the next item at or after the resume key
	for c.h == nil && key.Compare(k, last) <= 0 {
		var nextKey key.Key
		h, err := t.walk(k, &nextKey, 0, seq, o)
		if err != nil {
			if !errors.Is(err, keel.ErrNotFound) {
				return false, err
			}
			// sequence-filtered walks terminate in parents whose
			// refs are all stale; resume past the pruned subtree
			if o == opNextSeq && key.Compare(nextKey, k) > 0 {
				k = nextKey
				continue
			}
			break
		}
		n := node(h.Data())

		// keep trying leaves until the resume key passes last; the
		// separator successor stops advancing at the top of the
		// keyspace, where nothing is left to find
		pos := findPosAfterSeq(n, k, 0, seq, o)
		if pos >= n.nrItems() {
			h.Unlock()
			t.store.Put(h)
			if key.Compare(nextKey, k) <= 0 {
				break
			}
			k = nextKey
			continue
		}

		c.set(t, h, pos, false, false)
	}

	// only report the item if it is within last
	if c.h != nil && key.Compare(c.Key(), last) <= 0 {
		return true, nil
	}
	c.Release()
	return false, nil
}

// Hole finds the first key in [first, last], inclusive, with no item
// present. Returns ErrNoSpace if every key in the range is occupied.
func (t *Tree) Hole(first, last key.Key) (key.Key, error) {
	var c Cursor
	defer c.Release()

	hole := first
	for {
		ok, err := t.Next(first, last, &c)
		if err != nil {
			return key.Key{}, err
		}
		if !ok {
			break
		}

		// the expected key was skipped, the hole is before the cursor
		if key.Compare(hole, c.Key()) < 0 {
			break
		}
		hole = c.Key()
		hole.Inc()
	}

	if key.Compare(hole, last) <= 0 {
		return hole, nil
	}
	return key.Key{}, keel.ErrNoSpace
}
