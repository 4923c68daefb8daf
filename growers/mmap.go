// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package growers

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cznic/rawmalloc/rmerr"
	"github.com/cznic/rawmalloc/rmptr"
)

// MmapGrower grows an anonymous, private mapping obtained from the OS.
// It plays the role lldb.OSFiler plays for file-backed storage, and the
// role BrkGrower/libc::brk plays in the original Rust crate this module
// was distilled from: Go has no sbrk binding, so MmapGrower instead
// reserves a large address range up front with PROT_NONE and commits
// pages into it with mprotect as the heap grows. Reserve-then-commit,
// rather than mmap/mremap-with-move, is what keeps every pointer handed
// out by an earlier Grow call valid for the grower's whole lifetime, as
// Grower requires.
type MmapGrower struct {
	reserved     []byte
	heapEnd      unsafe.Pointer
	mappedEnd    unsafe.Pointer
	pageSize     uintptr
	minIncrement uintptr
}

// NewMmapGrower reserves maxSize bytes of address space and returns a
// Grower that commits pages into it on demand, never granting less than
// minIncrement bytes per call. maxSize is rounded up to a whole number
// of pages.
func NewMmapGrower(maxSize, minIncrement uintptr) (*MmapGrower, error) {
	pageSize := uintptr(unix.Getpagesize())
	rounded := (maxSize + pageSize - 1) &^ (pageSize - 1)

	reserved, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, rmerr.Wrap("NewMmapGrower", rmerr.OutOfMemory, err)
	}

	base := unsafe.Pointer(unsafe.SliceData(reserved))
	return &MmapGrower{
		reserved:     reserved,
		heapEnd:      base,
		mappedEnd:    base,
		pageSize:     pageSize,
		minIncrement: minIncrement,
	}, nil
}

// Close releases the reserved address range. No Grow call may follow a
// Close.
func (g *MmapGrower) Close() error { return unix.Munmap(g.reserved) }

// Grow implements Grower.
func (g *MmapGrower) Grow(size uintptr) (unsafe.Pointer, uintptr, error) {
	if size == 0 {
		return g.heapEnd, 0, nil
	}

	granted := size
	if granted < g.minIncrement {
		granted = g.minIncrement
	}

	reserveEnd := unsafe.Add(unsafe.Pointer(unsafe.SliceData(g.reserved)), len(g.reserved))
	newHeapEnd, ok := rmptr.CheckedAdd(g.heapEnd, granted)
	if !ok || uintptr(newHeapEnd) > uintptr(reserveEnd) {
		return nil, 0, rmerr.WithSize("MmapGrower.Grow", rmerr.OutOfMemory, size, 0)
	}

	if uintptr(newHeapEnd) > uintptr(g.mappedEnd) {
		newMappedEnd := unsafe.Pointer((uintptr(newHeapEnd) + g.pageSize - 1) &^ (g.pageSize - 1))
		if uintptr(newMappedEnd) > uintptr(reserveEnd) {
			newMappedEnd = reserveEnd
		}

		commitLen := uintptr(newMappedEnd) - uintptr(g.mappedEnd)
		commit := unsafe.Slice((*byte)(g.mappedEnd), commitLen)
		if err := unix.Mprotect(commit, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, 0, rmerr.Wrap("MmapGrower.Grow", rmerr.OutOfMemory, err)
		}

		g.mappedEnd = newMappedEnd
	}

	oldEnd := g.heapEnd
	g.heapEnd = newHeapEnd
	return oldEnd, granted, nil
}
