package keel

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound means a lookup, delete, or update did not find the key.
	ErrNotFound = errors.New("keel: not found")

	// ErrExists means an insert found the key already present.
	ErrExists = errors.New("keel: already exists")

	// ErrNoSpace means a hole search found every key in the range present.
	ErrNoSpace = errors.New("keel: no space")

	// ErrTooLarge means a value does not fit in a tree block.
	ErrTooLarge = errors.New("keel: value too large")

	// ErrIntegrity means an on-disk structure did not have the expected
	// shape. It is not retryable.
	ErrIntegrity = errors.New("keel: integrity error")

	ErrBadChecksum = errors.New("keel: bad checksum")
	ErrBadSuper    = errors.New("keel: bad superblock")
	ErrReadOnly    = errors.New("keel: read-only")
	ErrClosed      = errors.New("keel: closed")
)
