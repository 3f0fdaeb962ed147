// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

// Package mem provides an in-memory implementation of the keel.File
// interface, used by tests and tooling.
package mem

import (
	"io"
	"sync"

	"github.com/keelfs/keel"
)

// File is an in-memory keel.File. It is safe for concurrent use.
//
// File requires no initialization - just declare and use:
//
//	var f mem.File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw  sync.RWMutex
	buf []byte
}

var _ keel.File = new(File)

// Close discards all data stored in the File.
// It is safe to write to the file again after closing.
func (file *File) Close() error {
	file.rw.Lock()
	file.buf = nil
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.buf))
}

// WriteAt writes len(p) bytes from p starting at byte offset off.
// Writing past the current size grows the file, zero-filling any gap.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.Lock()
	defer file.rw.Unlock()
	if end := off + int64(len(p)); end > int64(len(file.buf)) {
		grown := make([]byte, end)
		copy(grown, file.buf)
		file.buf = grown
	}
	return copy(file.buf[off:], p), nil
}

// ReadAt reads len(p) bytes into p starting at byte offset off.
// Reads past the end of the file return io.EOF.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.RLock()
	defer file.rw.RUnlock()
	if off >= int64(len(file.buf)) {
		return 0, io.EOF
	}
	n = copy(p, file.buf[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Truncate changes the size of the file. Growing zero-fills the new space.
func (file *File) Truncate(size int64) error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if size <= int64(len(file.buf)) {
		file.buf = file.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, file.buf)
	file.buf = grown
	return nil
}

// Sync is a no-op for in-memory files.
func (file *File) Sync() error {
	return nil
}

// ReadFrom replaces the entire file content with data read from r.
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	file.rw.Lock()
	defer file.rw.Unlock()
	buf, err := io.ReadAll(r)
	file.buf = buf
	return int64(len(buf)), err
}

// WriteTo writes a consistent snapshot of the file content to w.
func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	c, err := w.Write(file.buf)
	return int64(c), err
}
