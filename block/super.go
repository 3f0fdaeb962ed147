// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/keelfs/keel"
)

// The superblock is written alternately to block numbers 0 and 1; the copy
// with the highest sequence number wins on load. Data blocks start at 2.
//
// Layout past the common header, little-endian:
//
//	24  magic [4]byte
//	28  version u32
//	32  block size u32, 4 pad
//	40  fsid [16]byte
//	56  next_blkno u64
//	64  root height u8, 7 pad
//	72  root ref blkno u64
//	80  root ref seq u64
//	88  free count u32, 4 pad
//	96  freelist entries u64 ...
const (
	superMagicOff   = HeaderSize
	superVersionOff = 28
	superSizeOff    = 32
	superFsidOff    = 40
	superNextOff    = 56
	superHeightOff  = 64
	superRootOff    = 72
	superFreeOff    = 88
	superListOff    = 96

	superVersion = 1

	firstDataBlkno = 2
)

var superMagic = [4]byte{'k', 'e', 'e', 'l'}

type super struct {
	fsid      uuid.UUID
	blockSize uint32
	seq       uint64
	nextBlkno uint64
	root      TreeRoot
	freelist  []uint64
}

// probeBlockSize reads enough of the first superblock copy to recover the
// volume's block size without knowing it up front.
func probeBlockSize(file keel.File) (int, error) {
	buf := make([]byte, superFsidOff)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	if [4]byte(buf[superMagicOff:superMagicOff+4]) != superMagic {
		return 0, errors.Wrap(keel.ErrBadSuper, "unknown magic")
	}
	size := int(binary.LittleEndian.Uint32(buf[superSizeOff:]))
	if size < superListOff || size > 1<<16 {
		return 0, errors.Wrapf(keel.ErrBadSuper, "implausible block size %d", size)
	}
	return size, nil
}

func freelistCapacity(blockSize int) int {
	return (blockSize - superListOff) / 8
}

func encodeSuper(buf []byte, sb *super, copyNr uint64) {
	clear(buf)
	stampHeader(buf, copyNr, sb.seq)
	copy(buf[superMagicOff:], superMagic[:])
	binary.LittleEndian.PutUint32(buf[superVersionOff:], superVersion)
	binary.LittleEndian.PutUint32(buf[superSizeOff:], uint32(len(buf)))
	copy(buf[superFsidOff:], sb.fsid[:])
	binary.LittleEndian.PutUint64(buf[superNextOff:], sb.nextBlkno)
	buf[superHeightOff] = sb.root.Height
	binary.LittleEndian.PutUint64(buf[superRootOff:], sb.root.Ref.Blkno)
	binary.LittleEndian.PutUint64(buf[superRootOff+8:], sb.root.Ref.Seq)
	binary.LittleEndian.PutUint32(buf[superFreeOff:], uint32(len(sb.freelist)))
	for i, blkno := range sb.freelist {
		binary.LittleEndian.PutUint64(buf[superListOff+8*i:], blkno)
	}
	stampChecksum(buf)
}

func decodeSuper(buf []byte, copyNr uint64) (*super, error) {
	if !verifyChecksum(buf) {
		return nil, errors.Wrapf(keel.ErrBadChecksum, "superblock copy %d", copyNr)
	}
	if [4]byte(buf[superMagicOff:superMagicOff+4]) != superMagic {
		return nil, errors.Wrapf(keel.ErrBadSuper, "unknown magic in copy %d", copyNr)
	}
	if v := binary.LittleEndian.Uint32(buf[superVersionOff:]); v != superVersion {
		return nil, errors.Wrapf(keel.ErrBadSuper, "unsupported version %d", v)
	}
	if got := hdrBlkno(buf); got != copyNr {
		return nil, errors.Wrapf(keel.ErrBadSuper, "copy %d has blkno %d", copyNr, got)
	}
	if size := binary.LittleEndian.Uint32(buf[superSizeOff:]); size != uint32(len(buf)) {
		return nil, errors.Wrapf(keel.ErrBadSuper, "block size %d, read %d", size, len(buf))
	}

	sb := &super{
		blockSize: uint32(len(buf)),
		seq:       hdrSeq(buf),
		nextBlkno: binary.LittleEndian.Uint64(buf[superNextOff:]),
		root: TreeRoot{
			Height: buf[superHeightOff],
			Ref: Ref{
				Blkno: binary.LittleEndian.Uint64(buf[superRootOff:]),
				Seq:   binary.LittleEndian.Uint64(buf[superRootOff+8:]),
			},
		},
	}
	copy(sb.fsid[:], buf[superFsidOff:])

	count := int(binary.LittleEndian.Uint32(buf[superFreeOff:]))
	if count > freelistCapacity(len(buf)) {
		return nil, errors.Wrapf(keel.ErrBadSuper, "freelist count %d", count)
	}
	for i := 0; i < count; i++ {
		sb.freelist = append(sb.freelist, binary.LittleEndian.Uint64(buf[superListOff+8*i:]))
	}
	return sb, nil
}
