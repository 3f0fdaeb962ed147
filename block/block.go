// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

// Package block manages the fixed-size blocks that persist keel metadata.
//
// Blocks are owned by a Store, which hands out pinned Handles. Clean blocks
// are immutable; acquiring a block in dirty form copies it to a newly
// allocated block number, so a crashed transaction never overwrites
// committed state. Every block carries a checksum and its own block number
// in a common header, both verified on read.
package block

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DefaultBlockSize is the block size used unless Options overrides it.
const DefaultBlockSize = 4096

// HeaderSize is the size of the common header at the start of every block:
// crc, padding, block number, and sequence number.
const HeaderSize = 24

const (
	hdrCrcOff   = 0
	hdrBlknoOff = 8
	hdrSeqOff   = 16
)

// Ref addresses a block and records the sequence number observed when the
// reference was written.
type Ref struct {
	Blkno uint64
	Seq   uint64
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.Blkno == 0 && r.Seq == 0
}

// TreeRoot is the root record of a block-resident tree, persisted in the
// superblock. Height 0 means the tree is empty.
type TreeRoot struct {
	Height uint8
	Ref    Ref
}

// Blkno returns the block number stored in a buffer's common header.
func Blkno(b []byte) uint64 {
	return hdrBlkno(b)
}

// Seq returns the sequence number stored in a buffer's common header.
func Seq(b []byte) uint64 {
	return hdrSeq(b)
}

func hdrBlkno(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[hdrBlknoOff:])
}

func hdrSeq(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[hdrSeqOff:])
}

func stampHeader(b []byte, blkno, seq uint64) {
	binary.LittleEndian.PutUint64(b[hdrBlknoOff:], blkno)
	binary.LittleEndian.PutUint64(b[hdrSeqOff:], seq)
}

// checksum covers everything past the crc field itself.
func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b[4:]))
}

func stampChecksum(b []byte) {
	binary.LittleEndian.PutUint32(b[hdrCrcOff:], checksum(b))
}

func verifyChecksum(b []byte) bool {
	return binary.LittleEndian.Uint32(b[hdrCrcOff:]) == checksum(b)
}
