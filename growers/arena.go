// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package growers

import (
	"unsafe"

	"github.com/cznic/rawmalloc/rmerr"
	"github.com/cznic/rawmalloc/rmptr"
)

// ArenaGrower grows within a single, fixed-size buffer supplied by the
// caller. It never reaches outside that buffer, which makes it the
// grower of choice for tests, embedded targets, or any setting where the
// heap's maximum footprint must be known up front — the same role
// lldb.MemFiler plays for in-memory-only Filer use.
type ArenaGrower struct {
	base         unsafe.Pointer
	heapEnd      unsafe.Pointer
	arenaEnd     unsafe.Pointer
	minIncrement uintptr
}

// NewArenaGrower returns a Grower that serves memory out of buf, never
// growing past the first size bytes of it (size may be less than
// len(buf), reserving the remainder untouched). Every successful Grow
// call, other than the zero-probe, grants at least minIncrement bytes.
//
// buf must outlive the ArenaGrower and must not be resized (appended to
// in a way that reallocates) while the grower or any heap built on it is
// in use.
func NewArenaGrower(buf []byte, size, minIncrement uintptr) *ArenaGrower {
	if size > uintptr(len(buf)) {
		panic("growers: size exceeds buffer length")
	}

	var base unsafe.Pointer
	if len(buf) > 0 {
		base = unsafe.Pointer(unsafe.SliceData(buf))
	}

	return &ArenaGrower{
		base:         base,
		heapEnd:      base,
		arenaEnd:     unsafe.Add(base, size),
		minIncrement: minIncrement,
	}
}

// Grow implements Grower.
func (a *ArenaGrower) Grow(size uintptr) (unsafe.Pointer, uintptr, error) {
	if size == 0 {
		return a.heapEnd, 0, nil
	}

	granted := size
	if granted < a.minIncrement {
		granted = a.minIncrement
	}

	newEnd, ok := rmptr.CheckedAdd(a.heapEnd, granted)
	if !ok || uintptr(newEnd) > uintptr(a.arenaEnd) {
		return nil, 0, rmerr.WithSize("ArenaGrower.Grow", rmerr.OutOfMemory, size, 0)
	}

	oldEnd := a.heapEnd
	a.heapEnd = newEnd
	return oldEnd, granted, nil
}
