// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rmheader defines the one-machine-word block header every block
// in the heap is prefixed with.
//
// To keep the header's memory footprint at a single word, the block's
// free/occupied status is kept in the least significant bit of the size
// field — a technique usually called tagging. A tagged header denotes a
// free block, an untagged header an occupied one. Relying on tagging is
// safe here because content sizes are always rounded up to a multiple of
// HeaderSize (see the augmentation rules in package rawmalloc), so the low
// bit of a genuine content size is always zero.
package rmheader

import "unsafe"

// Header is the single machine word prefixing every block.
type Header struct {
	size uintptr
}

// HeaderSize and HeaderAlign are the size and alignment every block in
// the heap must respect.
const (
	HeaderSize  = unsafe.Sizeof(Header{})
	HeaderAlign = unsafe.Alignof(Header{})
)

// New returns a header for a block with the given content size and
// free/occupied status. Panics if contentSize is odd: the tag bit relies
// on every content size being even.
func New(contentSize uintptr, free bool) Header {
	if contentSize%2 != 0 {
		panic("rmheader: content size must be even")
	}

	h := Header{size: contentSize}
	if free {
		return h.Tagged()
	}

	return h
}

// Tagged returns a copy of h with the free bit set.
func (h Header) Tagged() Header { return Header{size: h.size | 1} }

// Untagged returns a copy of h with the free bit cleared.
func (h Header) Untagged() Header { return Header{size: h.size &^ 1} }

// IsFree reports whether h is tagged free.
func (h Header) IsFree() bool { return h.size&1 != 0 }

// ContentSize returns the size of the block content, with the tag bit
// masked off.
func (h Header) ContentSize() uintptr { return h.size &^ 1 }

// GrowContent returns a copy of h whose content size is larger by extra,
// preserving h's tag bit. extra must be even: every content size this
// package hands out is even, so HeaderSize plus another block's content
// size always is too.
func (h Header) GrowContent(extra uintptr) Header { return Header{size: h.size + extra} }

// At reinterprets the HeaderSize bytes starting at p as a *Header. p must
// be HeaderAlign-aligned and point at HeaderSize valid, writable bytes.
func At(p unsafe.Pointer) *Header { return (*Header)(p) }
