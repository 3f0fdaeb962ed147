// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

// Package btree implements the persistent tree that stores keel metadata:
// fixed-size keys mapped to variable-length values, packed into the fixed
// size blocks managed by the block package.
//
// Parent blocks share the leaf format. A parent item's key is the greatest
// key reachable in its child's subtree, and the right spine carries the
// maximum-key sentinel, so inserting a key greater than everything in the
// tree never updates an ancestor separator.
//
// Blocks, block references, and items carry sequence numbers set to the
// current dirty sequence when modified, which lets Since search a key range
// for items newer than a given sequence without visiting stale subtrees.
//
// Operations run in one pass down the tree, cascading locks from the root
// toward the leaves and splitting or merging on the way, so no record of
// the descent path is kept.
package btree

import (
	"sync"

	"go.uber.org/zap"

	"github.com/keelfs/keel"
	"github.com/keelfs/keel/block"
	"github.com/keelfs/keel/key"
)

// FreeLimitDenominator sets the merge threshold: a block visited by a
// delete descent merges with a sibling once more than blockSize/denominator
// bytes are reclaimable. Well below half a block, so a merge does not
// immediately force the next insert to split.
const FreeLimitDenominator = 8

// Tree is a persistent copy-on-write tree over a block store. Read
// operations may run concurrently; at most one mutating operation is in
// flight at a time.
type Tree struct {
	mu        sync.RWMutex
	store     *block.Store
	log       *zap.Logger
	freeLimit int
}

// New returns a tree over the store's root record.
func New(store *block.Store) *Tree {
	return &Tree{
		store:     store,
		log:       store.Logger().Named("btree"),
		freeLimit: store.BlockSize() / FreeLimitDenominator,
	}
}

// MaxValLen returns the largest value length an item may carry. Bounded by
// half a block so a split always leaves room for the insertion.
func (t *Tree) MaxValLen() int {
	return (t.store.BlockSize()-hdrSize)/2 - itemHdrSize - offSlotSize
}

// Cursor refers to an item in a pinned, locked leaf block. The key and
// value accessors read the live in-block bytes; they are valid until
// Release. A caller holds at most one unreleased cursor at a time.
type Cursor struct {
	tree  *Tree
	h     *block.Handle
	n     node
	pos   int
	write bool

	// write cursors keep the tree's root lock exclusively until released
	rootLocked bool
}

// Valid reports whether the cursor refers to an item.
func (c *Cursor) Valid() bool {
	return c.h != nil
}

// Key returns the item's key.
func (c *Cursor) Key() key.Key {
	return c.n.keyAt(c.pos)
}

// Seq returns the sequence number the item was last modified at.
func (c *Cursor) Seq() uint64 {
	return c.n.seqAt(c.pos)
}

// Val returns the item's value bytes in place. Writable only through a
// cursor returned by Insert or Update.
func (c *Cursor) Val() []byte {
	return c.n.valAt(c.pos)
}

// Writable reports whether the value may be modified through the cursor.
func (c *Cursor) Writable() bool {
	return c.write
}

// Release unlocks and unpins the block the cursor refers to and clears the
// cursor. Releasing an empty cursor is a no-op.
func (c *Cursor) Release() {
	if c.h != nil {
		c.h.Unlock()
		c.tree.store.Put(c.h)
	}
	if c.rootLocked {
		c.tree.mu.Unlock()
	}
	*c = Cursor{}
}

func (c *Cursor) set(t *Tree, h *block.Handle, pos int, write, rootLocked bool) {
	c.tree = t
	c.h = h
	c.n = h.Data()
	c.pos = pos
	c.write = write
	c.rootLocked = rootLocked
}

func (c *Cursor) mustBeEmpty() {
	if c.h != nil {
		panic("keel/btree: cursor already holds a block")
	}
}

// Lookup points the cursor at the item with the given key. The item cannot
// be modified through it. Returns ErrNotFound if the key is not present.
func (t *Tree) Lookup(k key.Key, c *Cursor) error {
	c.mustBeEmpty()

	h, err := t.walk(k, nil, 0, 0, opLookup)
	if err != nil {
		return err
	}
	n := node(h.Data())

	pos, cmp := n.findPos(k)
	if cmp != 0 {
		h.Unlock()
		t.store.Put(h)
		return keel.ErrNotFound
	}
	c.set(t, h, pos, false, false)
	return nil
}

// Insert creates an item with the given key and value length and points the
// cursor at it. The caller fills the value bytes through the cursor before
// releasing it. Returns ErrExists if the key is already present.
func (t *Tree) Insert(k key.Key, valLen int, c *Cursor) error {
	c.mustBeEmpty()
	if valLen > t.MaxValLen() {
		return keel.ErrTooLarge
	}

	h, err := t.walk(k, nil, valLen, 0, opInsert)
	if err != nil {
		return err
	}
	n := node(h.Data())

	pos, cmp := n.findPos(k)
	if cmp == 0 {
		h.Unlock()
		t.store.Put(h)
		t.mu.Unlock()
		return keel.ErrExists
	}
	n.createItem(pos, k, valLen)
	c.set(t, h, pos, true, true)
	return nil
}

// Delete removes the item with the given key. Deleting the last item resets
// the root to empty and frees the final block. Returns ErrNotFound if the
// key is not present.
func (t *Tree) Delete(k key.Key) error {
	h, err := t.walk(k, nil, 0, 0, opDelete)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	n := node(h.Data())

	pos, cmp := n.findPos(k)
	if cmp != 0 {
		h.Unlock()
		t.store.Put(h)
		return keel.ErrNotFound
	}
	n.deleteItem(pos)

	root := t.store.Root()
	if n.nrItems() == 0 && root.Height == 1 && root.Ref.Blkno == h.Blkno() {
		root.Height = 0
		root.Ref = block.Ref{}
		t.store.FreeBlock(h.Blkno())
		t.log.Debug("tree emptied")
	}

	h.Unlock()
	t.store.Put(h)
	return nil
}

// Update dirties the item's block, bumps the item's sequence number, and
// points the cursor at it for modification in place. It cannot fail for
// I/O or allocation reasons if Dirty succeeded for the key in the current
// transaction.
func (t *Tree) Update(k key.Key, c *Cursor) error {
	c.mustBeEmpty()

	h, err := t.walk(k, nil, 0, 0, opDirty)
	if err != nil {
		return err
	}
	n := node(h.Data())

	pos, cmp := n.findPos(k)
	if cmp != 0 {
		h.Unlock()
		t.store.Put(h)
		t.mu.Unlock()
		return keel.ErrNotFound
	}
	n.setSeqAt(pos, block.Seq(n))
	c.set(t, h, pos, true, true)
	return nil
}

// Dirty pins the blocks leading to the item with the given key as dirty, so
// a later Update of the key in the same transaction cannot fail.
func (t *Tree) Dirty(k key.Key) error {
	h, err := t.walk(k, nil, 0, 0, opDirty)
	if err != nil {
		return err
	}
	n := node(h.Data())

	_, cmp := n.findPos(k)
	h.Unlock()
	t.store.Put(h)
	t.mu.Unlock()
	if cmp != 0 {
		return keel.ErrNotFound
	}
	return nil
}
