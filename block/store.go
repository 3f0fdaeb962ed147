// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keelfs/keel"
)

// Store owns the block cache, the allocator, and the superblock of a keel
// volume. One transaction is in flight at a time: blocks dirtied since the
// last CommitTx stay pinned in memory and are written back together.
type Store struct {
	mu   sync.Mutex
	file keel.File
	log  *zap.Logger
	met  metrics

	blockSize int
	readOnly  bool
	fsid      uuid.UUID

	// seq is the current dirty sequence, stamped into every block
	// modified in this transaction. Always committed.seq + 1.
	seq  uint64
	next uint64
	root TreeRoot

	cache     map[uint64]*Handle
	dirtyset  map[uint64]*Handle
	allocedTx map[uint64]struct{}

	// free holds block numbers reusable now; pendingFree holds numbers
	// still referenced by the committed tree, reusable after the next
	// commit.
	free        []uint64
	pendingFree []uint64

	committed super
}

// Format initializes an empty volume on file and returns an open Store.
func Format(file keel.File, opt Options) (*Store, error) {
	s := newStore(file, opt)
	if s.readOnly {
		return nil, keel.ErrReadOnly
	}

	s.fsid = uuid.New()
	s.next = firstDataBlkno
	sb := super{fsid: s.fsid, seq: 0, nextBlkno: s.next}

	buf := make([]byte, s.blockSize)
	for copyNr := uint64(0); copyNr < 2; copyNr++ {
		encodeSuper(buf, &sb, copyNr)
		if _, err := file.WriteAt(buf, int64(copyNr)*int64(s.blockSize)); err != nil {
			return nil, errors.Wrap(err, "format: write superblock")
		}
	}
	if err := file.Sync(); err != nil {
		return nil, errors.Wrap(err, "format: sync")
	}

	s.committed = sb
	s.seq = 1
	s.log.Debug("formatted volume",
		zap.String("fsid", s.fsid.String()),
		zap.Int("block_size", s.blockSize))
	return s, nil
}

// Open loads the superblock from file and returns a Store positioned at the
// last committed transaction. A zero Options.BlockSize is recovered from
// the superblock itself.
func Open(file keel.File, opt Options) (*Store, error) {
	if opt.BlockSize == 0 {
		size, err := probeBlockSize(file)
		if err != nil {
			return nil, errors.Wrap(err, "open")
		}
		opt.BlockSize = size
	}
	s := newStore(file, opt)

	buf := make([]byte, s.blockSize)
	var best *super
	var firstErr error
	for copyNr := uint64(0); copyNr < 2; copyNr++ {
		if _, err := file.ReadAt(buf, int64(copyNr)*int64(s.blockSize)); err != nil {
			firstErr = errors.CombineErrors(firstErr, errors.Wrapf(err, "read superblock copy %d", copyNr))
			continue
		}
		sb, err := decodeSuper(buf, copyNr)
		if err != nil {
			firstErr = errors.CombineErrors(firstErr, err)
			continue
		}
		if best == nil || sb.seq > best.seq {
			best = sb
		}
	}
	if best == nil {
		return nil, errors.Wrap(firstErr, "open")
	}

	s.committed = *best
	s.fsid = best.fsid
	s.next = best.nextBlkno
	s.root = best.root
	s.free = append(s.free, best.freelist...)
	s.seq = best.seq + 1
	s.log.Debug("opened volume",
		zap.String("fsid", s.fsid.String()),
		zap.Uint64("seq", best.seq),
		zap.Uint8("height", best.root.Height))
	return s, nil
}

func newStore(file keel.File, opt Options) *Store {
	return &Store{
		file:      file,
		log:       opt.logger(),
		met:       newMetrics(),
		blockSize: opt.blockSize(),
		readOnly:  opt.ReadOnly,
		cache:     make(map[uint64]*Handle),
		dirtyset:  make(map[uint64]*Handle),
		allocedTx: make(map[uint64]struct{}),
	}
}

// BlockSize returns the volume's block size in bytes.
func (s *Store) BlockSize() int {
	return s.blockSize
}

// FSID returns the volume id stamped at format time.
func (s *Store) FSID() uuid.UUID {
	return s.fsid
}

// Seq returns the current dirty sequence number.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Root returns the tree root record owned by the superblock. Callers
// serialize access through the tree's root lock.
func (s *Store) Root() *TreeRoot {
	return &s.root
}

// Logger returns the store's logger.
func (s *Store) Logger() *zap.Logger {
	return s.log
}

func (s *Store) allocBlkno() uint64 {
	if n := len(s.free); n > 0 {
		blkno := s.free[n-1]
		s.free = s.free[:n-1]
		return blkno
	}
	blkno := s.next
	s.next++
	return blkno
}

// AllocDirty allocates a fresh block, already dirty in the current
// transaction, with a zeroed buffer and a stamped header. The handle is
// returned pinned.
func (s *Store) AllocDirty() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return nil, keel.ErrReadOnly
	}

	blkno := s.allocBlkno()
	h := &Handle{
		buf:   make([]byte, s.blockSize),
		blkno: blkno,
		dirty: true,
	}
	stampHeader(h.buf, blkno, s.seq)
	s.cache[blkno] = h
	s.dirtyset[blkno] = h
	s.allocedTx[blkno] = struct{}{}
	s.met.allocs.Inc()
	return h.pin(), nil
}

// ReadRef returns a pinned handle for the referenced block, reading it from
// the file if it is not cached. The block's checksum, number, and sequence
// are verified against the reference.
func (s *Store) ReadRef(ref Ref) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRefLocked(ref)
}

func (s *Store) readRefLocked(ref Ref) (*Handle, error) {
	if h, ok := s.cache[ref.Blkno]; ok {
		if h.Seq() != ref.Seq {
			return nil, errors.Wrapf(keel.ErrIntegrity,
				"block %d has seq %d, ref expects %d", ref.Blkno, h.Seq(), ref.Seq)
		}
		return h.pin(), nil
	}

	buf := make([]byte, s.blockSize)
	if _, err := s.file.ReadAt(buf, int64(ref.Blkno)*int64(s.blockSize)); err != nil {
		return nil, errors.Wrapf(err, "read block %d", ref.Blkno)
	}
	if !verifyChecksum(buf) {
		s.log.Warn("block checksum mismatch", zap.Uint64("blkno", ref.Blkno))
		return nil, errors.Wrapf(keel.ErrBadChecksum, "block %d", ref.Blkno)
	}
	if got := hdrBlkno(buf); got != ref.Blkno {
		return nil, errors.Wrapf(keel.ErrIntegrity,
			"block %d carries blkno %d", ref.Blkno, got)
	}
	if got := hdrSeq(buf); got != ref.Seq {
		return nil, errors.Wrapf(keel.ErrIntegrity,
			"block %d has seq %d, ref expects %d", ref.Blkno, got, ref.Seq)
	}

	h := &Handle{buf: buf, blkno: ref.Blkno}
	s.cache[ref.Blkno] = h
	s.met.reads.Inc()
	return h.pin(), nil
}

// DirtyRef returns the referenced block in dirty form, pinned. If the block
// is clean it is copied to a newly allocated block number and the old one is
// queued for release at the next commit; ref is updated in place to the new
// (blkno, seq) before returning.
func (s *Store) DirtyRef(ref *Ref) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return nil, keel.ErrReadOnly
	}

	if h, ok := s.cache[ref.Blkno]; ok && h.dirty {
		if h.Seq() != ref.Seq {
			return nil, errors.Wrapf(keel.ErrIntegrity,
				"dirty block %d has seq %d, ref expects %d", ref.Blkno, h.Seq(), ref.Seq)
		}
		return h.pin(), nil
	}

	old, err := s.readRefLocked(*ref)
	if err != nil {
		return nil, err
	}

	blkno := s.allocBlkno()
	h := &Handle{
		buf:   make([]byte, s.blockSize),
		blkno: blkno,
		dirty: true,
	}
	copy(h.buf, old.buf)
	stampHeader(h.buf, blkno, s.seq)
	old.pins.Add(-1)

	// The old block stays on disk for crash consistency until the next
	// commit supersedes it.
	delete(s.cache, ref.Blkno)
	s.pendingFree = append(s.pendingFree, ref.Blkno)

	s.cache[blkno] = h
	s.dirtyset[blkno] = h
	s.allocedTx[blkno] = struct{}{}
	s.met.clones.Inc()

	*ref = Ref{Blkno: blkno, Seq: s.seq}
	return h.pin(), nil
}

// FreeBlock returns a block number to the allocator. It must succeed for
// blocks dirtied in the current transaction.
func (s *Store) FreeBlock(blkno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, blkno)
	if _, ok := s.allocedTx[blkno]; ok {
		// never reached disk, reusable immediately
		delete(s.dirtyset, blkno)
		delete(s.allocedTx, blkno)
		s.free = append(s.free, blkno)
	} else {
		s.pendingFree = append(s.pendingFree, blkno)
	}
	s.met.frees.Inc()
}

// Put drops a pin taken by AllocDirty, ReadRef, or DirtyRef.
func (s *Store) Put(h *Handle) {
	if h != nil {
		h.pins.Add(-1)
	}
}

// CommitTx writes all dirty blocks and the superblock, advances the dirty
// sequence, and recycles blocks freed by the transaction.
func (s *Store) CommitTx() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return keel.ErrReadOnly
	}

	for blkno, h := range s.dirtyset {
		stampChecksum(h.buf)
		if _, err := s.file.WriteAt(h.buf, int64(blkno)*int64(s.blockSize)); err != nil {
			return errors.Wrapf(err, "commit: write block %d", blkno)
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "commit: sync blocks")
	}

	freelist := append(append([]uint64(nil), s.free...), s.pendingFree...)
	if limit := freelistCapacity(s.blockSize); len(freelist) > limit {
		s.log.Warn("freelist overflow, leaking blocks",
			zap.Int("dropped", len(freelist)-limit))
		freelist = freelist[:limit]
	}
	sb := super{
		fsid:      s.fsid,
		seq:       s.seq,
		nextBlkno: s.next,
		root:      s.root,
		freelist:  freelist,
	}
	buf := make([]byte, s.blockSize)
	copyNr := s.seq % 2
	encodeSuper(buf, &sb, copyNr)
	if _, err := s.file.WriteAt(buf, int64(copyNr)*int64(s.blockSize)); err != nil {
		return errors.Wrap(err, "commit: write superblock")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "commit: sync superblock")
	}

	for blkno, h := range s.dirtyset {
		h.dirty = false
		delete(s.dirtyset, blkno)
	}
	clear(s.allocedTx)
	s.free = append(s.free, s.pendingFree...)
	s.pendingFree = nil
	s.committed = sb
	s.log.Debug("committed transaction",
		zap.Uint64("seq", s.seq),
		zap.Uint8("height", s.root.Height))
	s.seq++
	s.met.commits.Inc()
	return nil
}

// AbortTx discards all dirty state and restores the last committed
// superblock view.
func (s *Store) AbortTx() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for blkno := range s.dirtyset {
		delete(s.cache, blkno)
		delete(s.dirtyset, blkno)
	}
	clear(s.allocedTx)
	s.pendingFree = nil
	s.next = s.committed.nextBlkno
	s.root = s.committed.root
	s.free = append(s.free[:0], s.committed.freelist...)
}

// Stats returns coarse store counters for tooling.
func (s *Store) Stats() (cached, dirty, free int, nextBlkno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache), len(s.dirtyset), len(s.free) + len(s.pendingFree), s.next
}
