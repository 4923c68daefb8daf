// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawmalloc implements a single-threaded heap engine on top of a
// pluggable Grower: a free-list allocator that splits and coalesces
// blocks over whatever contiguous, append-only memory its Grower
// supplies.
package rawmalloc

import (
	"unsafe"

	"github.com/cznic/rawmalloc/growers"
	"github.com/cznic/rawmalloc/rmerr"
	"github.com/cznic/rawmalloc/rmfreelist"
	"github.com/cznic/rawmalloc/rmheader"
	"github.com/cznic/rawmalloc/rmptr"
)

const (
	blockContentMinSize  = rmfreelist.NodeSize
	blockContentMinAlign = rmfreelist.NodeAlign
	blockMinSize         = rmheader.HeaderSize + blockContentMinSize
)

// Heap is a single-threaded allocator built over a Grower. The zero
// value is not usable; construct one with New.
//
// Every parameter Heap's methods pass to its Grower is already rounded
// up to a multiple of HeaderSize, and every pointer the Grower returns
// is assumed to be at least HeaderAlign-aligned and never reused
// elsewhere for the Grower's lifetime.
type Heap[G growers.Grower] struct {
	freelist rmfreelist.Freelist
	grower   G

	base    unsafe.Pointer
	baseSet bool
}

// New returns a Heap that serves memory from grower. grower must not be
// shared with, or manage the same backing buffer as, any other Heap.
func New[G growers.Grower](grower G) *Heap[G] {
	return &Heap[G]{grower: grower}
}

// Allocate returns a pointer to a freshly allocated region of at least
// size bytes, aligned to align, which must be a power of two. It first
// tries the free list (first fit, coalescing forward as it searches),
// then falls back to growing the heap.
func (h *Heap[G]) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	objSize, objAlign, err := h.augment("Allocate", size, align)
	if err != nil {
		return nil, err
	}

	if p, ok := h.placeInFirstFreeBlock(objSize, objAlign); ok {
		return p, nil
	}

	return h.growAndPlace(objSize, objAlign)
}

// Deallocate returns the block starting at p, which must have been
// returned by a prior Allocate or Reallocate on h, to the free list.
// size and align are advisory and not checked against the block's
// actual content size, which may legitimately be larger than size was
// augmented to (placeRaw can absorb a right-padding remainder too
// small to host its own block). It performs no coalescing of its own;
// adjacent free blocks are merged lazily the next time Allocate walks
// past them.
func (h *Heap[G]) Deallocate(p unsafe.Pointer, size, align uintptr) {
	_, _ = size, align

	blockStart := unsafe.Add(p, -int(rmheader.HeaderSize))
	if header := rmheader.At(blockStart); header.ContentSize() < blockContentMinSize {
		panic("rawmalloc: Deallocate on a block smaller than the minimum content size")
	}

	h.freeBlock(blockStart)
}

// Reallocate resizes the allocation at p, which must have been returned
// by a prior Allocate or Reallocate on h with content size oldSize and
// the given align, to hold newSize bytes, returning the (possibly
// unchanged) pointer to the resized allocation. It first tries to grow
// or shrink the existing block in place, consuming immediately
// following free blocks as needed, and only allocates a new block and
// copies when that is not possible.
func (h *Heap[G]) Reallocate(p unsafe.Pointer, oldSize, align, newSize uintptr) (unsafe.Pointer, error) {
	newObjSize, _, err := h.augment("Reallocate", newSize, align)
	if err != nil {
		return nil, err
	}

	blockStart := unsafe.Add(p, -int(rmheader.HeaderSize))
	oldContentSize := rmheader.At(blockStart).ContentSize()

	if h.tryAdjust(blockStart, newObjSize) {
		return p, nil
	}

	newP, err := h.Allocate(newSize, align)
	if err != nil {
		return nil, err
	}

	memmove(newP, p, oldContentSize)
	h.freeBlock(blockStart)
	return newP, nil
}

// augment normalizes a caller-supplied size/align pair into the
// (objSize, objAlign) every other method operates on: objAlign is align
// widened up to blockContentMinAlign, objSize is size widened up to
// blockContentMinSize and then up to the next multiple of HeaderSize.
func (h *Heap[G]) augment(op string, size, align uintptr) (objSize, objAlign uintptr, err error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, 0, rmerr.WithSize(op, rmerr.AlignmentInfeasible, size, align)
	}

	objAlign = align
	if objAlign < blockContentMinAlign {
		objAlign = blockContentMinAlign
	}

	objSize, err = augmentSize(size)
	if err != nil {
		return 0, 0, rmerr.WithSize(op, rmerr.AugmentationOverflow, size, align)
	}

	return objSize, objAlign, nil
}

// augmentSize widens size up to blockContentMinSize and then up to the
// next multiple of HeaderSize, rejecting sizes so large the result
// would not fit in a uintptr or would not leave the top bit free (the
// same headroom Rust's allocator API reserves by capping object sizes
// at isize::MAX).
func augmentSize(size uintptr) (uintptr, error) {
	if size < blockContentMinSize {
		size = blockContentMinSize
	}

	rounded, ok := rmptr.RoundUpToMultiple(size, rmheader.HeaderSize)
	if !ok || rounded > ^uintptr(0)>>1 {
		return 0, rmerr.WithSize("augmentSize", rmerr.AugmentationOverflow, size, 0)
	}

	return rounded, nil
}

// heapEnd returns the current end of the heap, as reported by a
// zero-probe Grow call, latching the first such value as the heap's
// base for Walk/Stats.
func (h *Heap[G]) heapEnd() (unsafe.Pointer, bool) {
	end, _, err := h.grower.Grow(0)
	if err != nil {
		return nil, false
	}

	if !h.baseSet {
		h.base = end
		h.baseSet = true
	}

	return end, true
}

// grow extends the heap by enough to place an object of size objSize
// aligned to objAlign right after the current heap end, returning the
// old heap end, the growth amount actually granted, and where the
// object should start.
func (h *Heap[G]) grow(objSize, objAlign uintptr) (oldHeapEnd unsafe.Pointer, growth uintptr, objStart unsafe.Pointer, err error) {
	oldHeapEnd, ok := h.heapEnd()
	if !ok {
		return nil, 0, nil, rmerr.New("grow", rmerr.OutOfMemory)
	}

	objStart, ok = findPlace(oldHeapEnd, objAlign)
	if !ok {
		return nil, 0, nil, rmerr.WithSize("grow", rmerr.AlignmentInfeasible, objSize, objAlign)
	}

	objEnd, ok := rmptr.CheckedAdd(objStart, objSize)
	if !ok {
		return nil, 0, nil, rmerr.WithSize("grow", rmerr.AddressSpaceOverflow, objSize, objAlign)
	}

	growthAmount := uintptr(objEnd) - uintptr(oldHeapEnd)
	grantedEnd, granted, growErr := h.grower.Grow(growthAmount)
	if growErr != nil {
		return nil, 0, nil, rmerr.Wrap("grow", rmerr.OutOfMemory, growErr)
	}

	return grantedEnd, granted, objStart, nil
}

// growAndPlace grows the heap to accommodate an object of size objSize
// aligned to objAlign, then places it, returning a pointer to it.
func (h *Heap[G]) growAndPlace(objSize, objAlign uintptr) (unsafe.Pointer, error) {
	oldHeapEnd, growth, objStart, err := h.grow(objSize, objAlign)
	if err != nil {
		return nil, err
	}

	h.placeRaw(oldHeapEnd, unsafe.Add(oldHeapEnd, growth), objStart, objSize)
	return objStart, nil
}

// placeInFirstFreeBlock walks the free list, lazily coalescing each
// block with its immediate memory successors as it goes, and places the
// object in the first block it finds room for.
func (h *Heap[G]) placeInFirstFreeBlock(objSize, objAlign uintptr) (unsafe.Pointer, bool) {
	p := h.freelist.Head()
	for p != nil {
		h.mergeForward(p)

		blockStart := unsafe.Add(p, -int(rmheader.HeaderSize))
		if obj, ok := h.tryPlace(blockStart, objSize, objAlign); ok {
			return obj, true
		}

		p = rmfreelist.Next(p)
	}

	return nil, false
}

// tryPlace tries to fit an object of size objSize aligned to objAlign
// into the free block starting at blockStart, splitting off left/right
// padding blocks as needed. blockStart must be a free block's header.
func (h *Heap[G]) tryPlace(blockStart unsafe.Pointer, objSize, objAlign uintptr) (unsafe.Pointer, bool) {
	header := rmheader.At(blockStart)
	blockEnd := unsafe.Add(blockStart, rmheader.HeaderSize+header.ContentSize())

	objStart, ok := findPlace(blockStart, objAlign)
	if !ok {
		return nil, false
	}

	objEnd, ok := rmptr.CheckedAdd(objStart, objSize)
	if !ok || uintptr(objEnd) > uintptr(blockEnd) {
		return nil, false
	}

	h.freelist.Remove(unsafe.Add(blockStart, rmheader.HeaderSize))
	h.placeRaw(blockStart, blockEnd, objStart, objSize)
	return objStart, true
}

// tryAdjust tries to resize the occupied block at blockStart in place
// to hold newObjSize bytes, consuming immediately following free blocks
// as needed. It always succeeds for a shrink; a grow fails if the heap
// end is reached before enough free space is consumed.
func (h *Heap[G]) tryAdjust(blockStart unsafe.Pointer, newObjSize uintptr) bool {
	heapEnd, ok := h.heapEnd()
	if !ok {
		return false
	}

	header := rmheader.At(blockStart)
	objStart := unsafe.Add(blockStart, rmheader.HeaderSize)

	newBlockEnd, ok := rmptr.CheckedAdd(objStart, newObjSize)
	if !ok {
		return false
	}

	for {
		blockEnd := unsafe.Add(objStart, header.ContentSize())
		if uintptr(blockEnd) >= uintptr(newBlockEnd) {
			h.placeRaw(blockStart, blockEnd, objStart, newObjSize)
			return true
		}

		if blockEnd == heapEnd {
			return false
		}

		nextHeader := rmheader.At(blockEnd)
		if !nextHeader.IsFree() {
			return false
		}

		h.freelist.Remove(unsafe.Add(blockEnd, rmheader.HeaderSize))
		*header = header.GrowContent(rmheader.HeaderSize + nextHeader.ContentSize())
	}
}

// placeRaw carves the region [blockStart, blockEnd) into, at most,
// three blocks: a free left-padding block (if the gap before objStart
// is too big to merge into the header gap), the occupied block hosting
// the object, and a free right-padding block (if what is left after the
// object is at least blockMinSize; otherwise the object's block simply
// absorbs it). It only writes headers, never the object's own content.
func (h *Heap[G]) placeRaw(blockStart, blockEnd, objStart unsafe.Pointer, objSize uintptr) {
	objEnd := unsafe.Add(objStart, objSize)

	if dist := uintptr(objStart) - uintptr(blockStart); dist != rmheader.HeaderSize {
		paddingContentSize := dist - 2*rmheader.HeaderSize
		h.createNewBlock(blockStart, paddingContentSize, true)
		blockStart = unsafe.Add(blockStart, rmheader.HeaderSize+paddingContentSize)
	}

	if dist := uintptr(blockEnd) - uintptr(objEnd); dist >= blockMinSize {
		paddingContentSize := dist - rmheader.HeaderSize
		h.createNewBlock(objEnd, paddingContentSize, true)
	} else {
		objEnd = blockEnd
		objSize = uintptr(objEnd) - uintptr(objStart)
	}

	h.createNewBlock(blockStart, objSize, false)
}

// freeBlock tags blockStart's header free and pushes it onto the free
// list.
func (h *Heap[G]) freeBlock(blockStart unsafe.Pointer) {
	header := rmheader.At(blockStart)
	*header = header.Tagged()
	h.freelist.PushFront(unsafe.Add(blockStart, rmheader.HeaderSize))
}

// createNewBlock writes a fresh header for a block of contentSize bytes
// at blockStart, pushing it onto the free list if isFree.
func (h *Heap[G]) createNewBlock(blockStart unsafe.Pointer, contentSize uintptr, isFree bool) {
	*rmheader.At(blockStart) = rmheader.New(contentSize, isFree)
	if isFree {
		h.freelist.PushFront(unsafe.Add(blockStart, rmheader.HeaderSize))
	}
}

// mergeForward absorbs every free block immediately following node's
// block, in memory order, into node's block, removing each from the
// free list as it goes. It stops at the first occupied block or at the
// heap end.
func (h *Heap[G]) mergeForward(node unsafe.Pointer) {
	blockStart := unsafe.Add(node, -int(rmheader.HeaderSize))
	header := rmheader.At(blockStart)

	heapEnd, ok := h.heapEnd()
	if !ok {
		return
	}

	for {
		nextBlockStart := unsafe.Add(node, header.ContentSize())
		if nextBlockStart == heapEnd {
			return
		}

		nextHeader := rmheader.At(nextBlockStart)
		if !nextHeader.IsFree() {
			return
		}

		h.freelist.Remove(unsafe.Add(nextBlockStart, rmheader.HeaderSize))
		*header = header.GrowContent(rmheader.HeaderSize + nextHeader.ContentSize())
	}
}

// findPlace returns the smallest objAlign-aligned address at or after
// blockStart such that the gap before it is either exactly HeaderSize
// (the object sits right behind the block's own header) or at least
// HeaderSize+blockMinSize (enough room for a left-padding block), or
// (nil, false) if no such address exists before the address space
// wraps. Panics if objAlign is not a power of two.
func findPlace(blockStart unsafe.Pointer, objAlign uintptr) (unsafe.Pointer, bool) {
	objStart := blockStart
	for {
		dist := uintptr(objStart) - uintptr(blockStart)
		if dist == rmheader.HeaderSize || dist >= rmheader.HeaderSize+blockMinSize {
			return objStart, true
		}

		if uintptr(objStart) == ^uintptr(0) {
			return nil, false
		}

		next, ok := rmptr.CheckedAdd(objStart, 1)
		if !ok {
			return nil, false
		}

		objStart, ok = rmptr.FindAligned(next, objAlign)
		if !ok {
			return nil, false
		}
	}
}

// memmove copies n bytes from src to dst. The ranges must not overlap.
func memmove(dst, src unsafe.Pointer, n uintptr) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
