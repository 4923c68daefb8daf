// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawmalloc

import (
	"sort"
	"unsafe"

	"github.com/cznic/mathutil"
	"github.com/cznic/sortutil"

	"github.com/cznic/rawmalloc/rmheader"
)

// BlockInfo describes one block visited by Walk.
type BlockInfo struct {
	// Start is the address of the block's content, the same address an
	// Allocate call that produced it would have returned.
	Start       unsafe.Pointer
	ContentSize uintptr
	Free        bool
}

// HeapStats summarizes the current partition of a Heap, grounded the
// same way lldb.Allocator.Verify derives its AllocStats: by walking the
// block partition from the heap's base to its current end.
type HeapStats struct {
	TotalBytes       int64
	OccupiedBytes    int64
	FreeBytes        int64
	OccupiedBlocks   int
	FreeBlocks       int
	LargestFreeBlock int64
	// FreeBlockSizes is every free block's content size, ascending.
	FreeBlockSizes []int64
}

// Walk visits every block in the heap, from base to the current end, in
// address order, stopping early if fn returns false.
func (h *Heap[G]) Walk(fn func(BlockInfo) bool) {
	end, ok := h.heapEnd()
	if !ok {
		return
	}

	p := h.base
	for uintptr(p) < uintptr(end) {
		header := rmheader.At(p)
		info := BlockInfo{
			Start:       unsafe.Add(p, rmheader.HeaderSize),
			ContentSize: header.ContentSize(),
			Free:        header.IsFree(),
		}

		if !fn(info) {
			return
		}

		p = unsafe.Add(p, rmheader.HeaderSize+header.ContentSize())
	}
}

// Stats computes a HeapStats snapshot by walking the whole heap.
func (h *Heap[G]) Stats() HeapStats {
	var st HeapStats
	var freeSizes sortutil.Int64Slice

	h.Walk(func(b BlockInfo) bool {
		st.TotalBytes += int64(rmheader.HeaderSize) + int64(b.ContentSize)
		if b.Free {
			st.FreeBlocks++
			st.FreeBytes += int64(b.ContentSize)
			st.LargestFreeBlock = mathutil.MaxInt64(st.LargestFreeBlock, int64(b.ContentSize))
			freeSizes = append(freeSizes, int64(b.ContentSize))
		} else {
			st.OccupiedBlocks++
			st.OccupiedBytes += int64(b.ContentSize)
		}
		return true
	})

	sort.Sort(freeSizes)
	st.FreeBlockSizes = freeSizes
	return st
}
