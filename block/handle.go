// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"sync"
	"sync/atomic"
)

// Handle is a pinned reference to a cached block. The buffer stays valid
// until the last pin is dropped with Store.Put.
//
// The embedded lock is the per-block exclusive lock used by tree descent.
// The Store never takes it; owners lock a block only while reading or
// modifying its contents.
type Handle struct {
	mu    sync.Mutex
	buf   []byte
	blkno uint64
	pins  atomic.Int32
	dirty bool
}

// Data returns the block's buffer. The caller must hold the block lock
// while accessing it.
func (h *Handle) Data() []byte {
	return h.buf
}

// Blkno returns the block number the handle was acquired under.
func (h *Handle) Blkno() uint64 {
	return h.blkno
}

// Seq returns the sequence number stamped in the block header.
func (h *Handle) Seq() uint64 {
	return hdrSeq(h.buf)
}

// Dirty reports whether the block is dirty in the current transaction.
func (h *Handle) Dirty() bool {
	return h.dirty
}

func (h *Handle) Lock() {
	h.mu.Lock()
}

func (h *Handle) Unlock() {
	h.mu.Unlock()
}

func (h *Handle) pin() *Handle {
	h.pins.Add(1)
	return h
}
