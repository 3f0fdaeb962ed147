// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

//go:build unix

// Package mmap provides a keel.File whose reads go through a shared memory
// mapping of the backing file, avoiding read syscalls on hot block loads.
// Writes go through the file descriptor so the usual write-back and sync
// semantics apply.
package mmap

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/keelfs/keel"
)

// File is a memory-mapped keel.File. It is safe for concurrent use.
type File struct {
	rw   sync.RWMutex
	f    *os.File
	data []byte
	size int64
}

var _ keel.File = (*File)(nil)

// Open maps the named file, creating it if necessary.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	file := &File{f: f}
	if err := file.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return file, nil
}

// remap refreshes the mapping to cover the current file size.
// Called with rw held for writing, or before the file is shared.
func (file *File) remap() error {
	st, err := file.f.Stat()
	if err != nil {
		return err
	}
	if file.data != nil {
		if err := unix.Munmap(file.data); err != nil {
			return errors.Wrap(err, "munmap")
		}
		file.data = nil
	}
	file.size = st.Size()
	if file.size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(file.f.Fd()), 0, int(file.size),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}
	file.data = data
	return nil
}

// ReadAt serves reads from the mapping.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	file.rw.RLock()
	defer file.rw.RUnlock()
	if off >= file.size {
		return 0, io.EOF
	}
	n = copy(p, file.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// WriteAt writes through the descriptor and extends the mapping when the
// file grows.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	file.rw.Lock()
	defer file.rw.Unlock()
	n, err = file.f.WriteAt(p, off)
	if err != nil {
		return
	}
	if off+int64(n) > file.size {
		err = file.remap()
	}
	return
}

// Truncate resizes the file and the mapping.
func (file *File) Truncate(size int64) error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if err := file.f.Truncate(size); err != nil {
		return err
	}
	return file.remap()
}

// Sync flushes written data to stable storage.
func (file *File) Sync() error {
	return file.f.Sync()
}

// Close drops the mapping and closes the descriptor.
func (file *File) Close() error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.data != nil {
		if err := unix.Munmap(file.data); err != nil {
			return errors.Wrap(err, "munmap")
		}
		file.data = nil
	}
	return file.f.Close()
}
