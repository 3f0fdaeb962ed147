// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/keelfs/keel/block"
	"github.com/keelfs/keel/key"
)

// node is a view of a tree block's buffer. Parent and leaf blocks share the
// format; a parent item's value is exactly one block reference.
//
// Layout past the common block header, little-endian:
//
//	24  nr_items u16
//	26  free_end u16
//	28  free_reclaim u16
//	30  item_offs[nr_items] u16, sorted by key
//	...
//	free_end  items (header + value), packed from the end of the block
//
// An item is {key, seq u64, val_len u16} followed by val_len value bytes.
// Items grow from the back of the block toward the front; the offset array
// grows from the front toward the back.
type node []byte

const (
	nrItemsOff     = block.HeaderSize
	freeEndOff     = block.HeaderSize + 2
	freeReclaimOff = block.HeaderSize + 4
	hdrSize        = block.HeaderSize + 6

	itemSeqOff    = key.Size
	itemValLenOff = key.Size + 8
	itemHdrSize   = key.Size + 8 + 2

	offSlotSize = 2
	refSize     = 16
)

// valBytes is the number of contiguous bytes used by an item header and a
// value of the given length.
func valBytes(valLen int) int {
	return itemHdrSize + valLen
}

// allValBytes is the total bytes consumed by an item with the given value
// length: offset slot, header, value.
func allValBytes(valLen int) int {
	return offSlotSize + valBytes(valLen)
}

func initNode(n node) {
	n.setNrItems(0)
	n.setFreeEnd(len(n))
	n.setFreeReclaim(0)
}

func (n node) nrItems() int {
	return int(binary.LittleEndian.Uint16(n[nrItemsOff:]))
}

func (n node) setNrItems(v int) {
	binary.LittleEndian.PutUint16(n[nrItemsOff:], uint16(v))
}

func (n node) freeEnd() int {
	return int(binary.LittleEndian.Uint16(n[freeEndOff:]))
}

func (n node) setFreeEnd(v int) {
	binary.LittleEndian.PutUint16(n[freeEndOff:], uint16(v))
}

func (n node) freeReclaim() int {
	return int(binary.LittleEndian.Uint16(n[freeReclaimOff:]))
}

func (n node) setFreeReclaim(v int) {
	binary.LittleEndian.PutUint16(n[freeReclaimOff:], uint16(v))
}

func (n node) itemOff(pos int) int {
	return int(binary.LittleEndian.Uint16(n[hdrSize+offSlotSize*pos:]))
}

func (n node) setItemOff(pos, off int) {
	binary.LittleEndian.PutUint16(n[hdrSize+offSlotSize*pos:], uint16(off))
}

// contigFree is the number of contiguous free bytes between the offset
// array and the lowest item.
func (n node) contigFree() int {
	return n.freeEnd() - (hdrSize + offSlotSize*n.nrItems())
}

// reclaimableFree is the number of free bytes after compacting the items.
func (n node) reclaimableFree() int {
	return n.contigFree() + n.freeReclaim()
}

// usedTotal is all bytes used by item offsets, headers, and values.
func (n node) usedTotal() int {
	return len(n) - hdrSize - n.reclaimableFree()
}

func (n node) keyAtOff(off int) (k key.Key) {
	copy(k[:], n[off:])
	return
}

func (n node) valLenAtOff(off int) int {
	return int(binary.LittleEndian.Uint16(n[off+itemValLenOff:]))
}

func (n node) keyAt(pos int) key.Key {
	return n.keyAtOff(n.itemOff(pos))
}

func (n node) setKeyAt(pos int, k key.Key) {
	copy(n[n.itemOff(pos):], k[:])
}

func (n node) seqAt(pos int) uint64 {
	return binary.LittleEndian.Uint64(n[n.itemOff(pos)+itemSeqOff:])
}

func (n node) setSeqAt(pos int, seq uint64) {
	binary.LittleEndian.PutUint64(n[n.itemOff(pos)+itemSeqOff:], seq)
}

func (n node) valLenAt(pos int) int {
	return n.valLenAtOff(n.itemOff(pos))
}

func (n node) valAt(pos int) []byte {
	off := n.itemOff(pos)
	return n[off+itemHdrSize : off+itemHdrSize+n.valLenAtOff(off)]
}

// itemBytesAt returns the item's full byte range, header and value.
func (n node) itemBytesAt(pos int) []byte {
	off := n.itemOff(pos)
	return n[off : off+valBytes(n.valLenAtOff(off))]
}

// refAt decodes the block reference stored as a parent item's value.
func (n node) refAt(pos int) block.Ref {
	val := n.valAt(pos)
	return block.Ref{
		Blkno: binary.LittleEndian.Uint64(val),
		Seq:   binary.LittleEndian.Uint64(val[8:]),
	}
}

func (n node) setRefAt(pos int, ref block.Ref) {
	val := n.valAt(pos)
	binary.LittleEndian.PutUint64(val, ref.Blkno)
	binary.LittleEndian.PutUint64(val[8:], ref.Seq)
}

func (n node) greatestKey() key.Key {
	return n.keyAt(n.nrItems() - 1)
}

// findPos returns the sorted position an item with the given key should
// occupy and the final comparison against that position's key: 0 if equal,
// <0 if the position's key is greater. The position can equal nrItems when
// the key is greater than every item's key; callers must test for it.
func (n node) findPos(k key.Key) (pos, cmp int) {
	start := 0
	end := n.nrItems()
	cmp = -1

	for start < end {
		pos = start + (end-start)/2
		cmp = key.Compare(k, n.keyAt(pos))
		if cmp < 0 {
			end = pos
		} else if cmp > 0 {
			pos++
			start = pos
			cmp = -1
		} else {
			break
		}
	}
	return pos, cmp
}

// createItem allocates an item at the sorted position. The caller has made
// sure there is contiguous room for it, and initializes the value bytes.
func (n node) createItem(pos int, k key.Key, valLen int) {
	nr := n.nrItems()
	if pos < nr {
		copy(n[hdrSize+offSlotSize*(pos+1):hdrSize+offSlotSize*(nr+1)],
			n[hdrSize+offSlotSize*pos:hdrSize+offSlotSize*nr])
	}

	off := n.freeEnd() - valBytes(valLen)
	n.setFreeEnd(off)
	n.setItemOff(pos, off)
	n.setNrItems(nr + 1)

	copy(n[off:], k[:])
	binary.LittleEndian.PutUint64(n[off+itemSeqOff:], block.Seq(n))
	binary.LittleEndian.PutUint16(n[off+itemValLenOff:], uint16(valLen))
}

// deleteItem removes the item at pos, recording its bytes as reclaimable so
// a later insertion can be satisfied by compaction instead of splitting.
// The item's byte range is zeroed so deleted values never reach disk.
func (n node) deleteItem(pos int) {
	off := n.itemOff(pos)
	size := valBytes(n.valLenAtOff(off))

	nr := n.nrItems()
	if pos < nr-1 {
		copy(n[hdrSize+offSlotSize*pos:hdrSize+offSlotSize*(nr-1)],
			n[hdrSize+offSlotSize*(pos+1):hdrSize+offSlotSize*nr])
	}
	n.setFreeReclaim(n.freeReclaim() + size)
	n.setNrItems(nr - 1)

	clear(n[off : off+size])
}

// compact repacks items against the back of the block, turning reclaimable
// free space into contiguous free space.
//
// The offset array is the only record of the items, so it is sorted twice:
// first by offset to walk items in reverse placement order while they move,
// then by key to restore the search order. Compaction scrambles item
// addresses; it is only legal while no cursor refers into this block.
func (n node) compact() {
	nr := n.nrItems()
	offs := make([]int, nr)
	for i := range offs {
		offs[i] = n.itemOff(i)
	}
	sort.Ints(offs)

	end := len(n)
	for i := nr - 1; i >= 0; i-- {
		off := offs[i]
		size := valBytes(n.valLenAtOff(off))
		end -= size
		if off != end {
			copy(n[end:end+size], n[off:off+size])
		}
		offs[i] = end
	}

	n.setFreeEnd(end)
	n.setFreeReclaim(0)

	sort.Slice(offs, func(i, j int) bool {
		return bytes.Compare(n[offs[i]:offs[i]+key.Size], n[offs[j]:offs[j]+key.Size]) < 0
	})
	for i, off := range offs {
		n.setItemOff(i, off)
	}
}

// moveItems migrates items between sibling blocks until the byte budget is
// spent or the source empties. move_right takes from the source's tail into
// the destination's head; otherwise from the source's head onto the
// destination's tail. Items keep their sequence numbers.
func moveItems(dst, src node, moveRight bool, toMove int) {
	var f, t int
	if moveRight {
		f = src.nrItems() - 1
	} else {
		t = dst.nrItems()
	}

	for f >= 0 && f < src.nrItems() && toMove > 0 {
		valLen := src.valLenAt(f)
		if dst.contigFree() < allValBytes(valLen) {
			break
		}

		dst.createItem(t, src.keyAt(f), valLen)
		copy(dst.itemBytesAt(t), src.itemBytesAt(f))
		toMove -= allValBytes(valLen)

		src.deleteItem(f)
		if moveRight {
			f--
		} else {
			t++
		}
	}
}
