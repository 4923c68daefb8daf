// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawmalloc

import (
	"testing"
	"unsafe"

	"github.com/cznic/rawmalloc/growers"
	"github.com/cznic/rawmalloc/rmfreelist"
	"github.com/cznic/rawmalloc/rmheader"
)

func arenaHeap(t *testing.T, size uintptr) *Heap[*growers.ArenaGrower] {
	t.Helper()
	buf := make([]byte, size)
	g := growers.NewArenaGrower(buf, size, 0)
	return New[*growers.ArenaGrower](g)
}

func TestAllocateReturnsAlignedUntaggedBlock(t *testing.T) {
	h := arenaHeap(t, 4096)

	for _, align := range []uintptr{rmheader.HeaderAlign, 16, 32, 64} {
		p, err := h.Allocate(10, align)
		if err != nil {
			t.Fatalf("Allocate(10, %d): %v", align, err)
		}
		if uintptr(p)%align != 0 {
			t.Fatalf("p not aligned to %d", align)
		}

		header := rmheader.At(unsafe.Add(p, -int(rmheader.HeaderSize)))
		if header.IsFree() {
			t.Fatal("allocated block should be untagged")
		}
		if header.ContentSize() < blockContentMinSize {
			t.Fatalf("content size %d below minimum %d", header.ContentSize(), blockContentMinSize)
		}
	}
}

func TestWalkReachesHeapEndExactly(t *testing.T) {
	h := arenaHeap(t, 4096)

	for i := 0; i < 10; i++ {
		if _, err := h.Allocate(uintptr(8*(i+1)), rmheader.HeaderAlign); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}

	end, ok := h.heapEnd()
	if !ok {
		t.Fatal("heapEnd failed")
	}

	var walked uintptr
	h.Walk(func(b BlockInfo) bool {
		walked += rmheader.HeaderSize + b.ContentSize
		return true
	})

	if h.base == nil {
		t.Fatal("base not set")
	}
	if got, want := uintptr(h.base)+walked, uintptr(end); got != want {
		t.Fatalf("walk ended at %d, want %d", got, want)
	}
}

func TestFreeListMembershipMatchesTag(t *testing.T) {
	h := arenaHeap(t, 4096)

	var ps []unsafe.Pointer
	for i := 0; i < 5; i++ {
		p, err := h.Allocate(8*rmheader.HeaderSize, rmheader.HeaderAlign)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		ps = append(ps, p)
	}
	h.Deallocate(ps[1], 8*rmheader.HeaderSize, rmheader.HeaderAlign)
	h.Deallocate(ps[3], 8*rmheader.HeaderSize, rmheader.HeaderAlign)

	inFreelist := map[unsafe.Pointer]bool{}
	for n := h.freelist.Head(); n != nil; n = rmfreelist.Next(n) {
		inFreelist[n] = true
	}

	h.Walk(func(b BlockInfo) bool {
		if b.Free != inFreelist[b.Start] {
			t.Fatalf("block %p: tag free=%v, freelist membership=%v", b.Start, b.Free, inFreelist[b.Start])
		}
		return true
	})
}

func TestReallocatePreservesContents(t *testing.T) {
	h := arenaHeap(t, 4096)

	p, err := h.Allocate(8*rmheader.HeaderSize, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := unsafe.Slice((*byte)(p), 8*rmheader.HeaderSize)
	for i := range b {
		b[i] = byte(i)
	}

	q, err := h.Reallocate(p, 8*rmheader.HeaderSize, rmheader.HeaderAlign, 40*rmheader.HeaderSize)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}

	qb := unsafe.Slice((*byte)(q), 8*rmheader.HeaderSize)
	for i, v := range qb {
		if v != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, v, byte(i))
		}
	}
}

func TestShrinkInPlaceReturnsSamePointer(t *testing.T) {
	h := arenaHeap(t, 4096)

	p, err := h.Allocate(8*rmheader.HeaderSize, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	q, err := h.Reallocate(p, 8*rmheader.HeaderSize, rmheader.HeaderAlign, 1)
	if err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if q != p {
		t.Fatal("shrink in place should return the same pointer")
	}

	header := rmheader.At(unsafe.Add(p, -int(rmheader.HeaderSize)))
	if header.ContentSize() != blockContentMinSize {
		t.Fatalf("content size after shrink = %d, want %d", header.ContentSize(), blockContentMinSize)
	}
}

// Placing a smaller request into a larger freed block absorbs a
// too-small-to-split remainder into the object, so the block's content
// size can legitimately exceed what the caller's size augments to.
// Deallocate must accept such a block without checking size for exact
// equality against the stored content size.
func TestDeallocateAcceptsAbsorbedRemainder(t *testing.T) {
	const H = rmheader.HeaderSize
	h := arenaHeap(t, 4096)

	p, err := h.Allocate(4*H, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate(4*H): %v", err)
	}
	h.Deallocate(p, 4*H, rmheader.HeaderAlign)

	q, err := h.Allocate(2*H, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate(2*H): %v", err)
	}
	if q != p {
		t.Fatalf("expected the 2*H request to reuse the freed 4*H block at %p, got %p", p, q)
	}

	header := rmheader.At(unsafe.Add(q, -int(rmheader.HeaderSize)))
	if got, want := header.ContentSize(), 4*H; got != want {
		t.Fatalf("content size = %d, want %d (remainder too small to split off should be absorbed)", got, want)
	}

	h.Deallocate(q, 2*H, rmheader.HeaderAlign)
}

// S1: arena of 64*H bytes; allocate five blocks of content size 8*H; free
// the 2nd and 4th; allocating another 8*H reuses one of the two freed
// blocks rather than extending the heap. Which of the two gets reused is
// a function of free-list order (push_front is LIFO, so the more
// recently freed block is found first by the first-fit scan), not
// specified beyond that.
func TestScenarioS1ReusesFreedBlock(t *testing.T) {
	const H = rmheader.HeaderSize
	h := arenaHeap(t, 64*H)

	var ps [5]unsafe.Pointer
	for i := range ps {
		p, err := h.Allocate(8*H, rmheader.HeaderAlign)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		ps[i] = p
	}

	h.Deallocate(ps[1], 8*H, rmheader.HeaderAlign)
	h.Deallocate(ps[3], 8*H, rmheader.HeaderAlign)

	end, _ := h.heapEnd()

	p, err := h.Allocate(8*H, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p != ps[1] && p != ps[3] {
		t.Fatalf("got %p, want a reused block (%p or %p)", p, ps[1], ps[3])
	}

	if newEnd, _ := h.heapEnd(); newEnd != end {
		t.Fatal("allocate should have reused a freed block, not grown the heap")
	}
}

// S3: allocate one block exactly filling the arena; a second allocate of
// any positive size fails.
func TestScenarioS3ExactFitThenOutOfMemory(t *testing.T) {
	const H = rmheader.HeaderSize
	const arena = 16 * H
	h := arenaHeap(t, arena)

	if _, err := h.Allocate(arena-H, rmheader.HeaderAlign); err != nil {
		t.Fatalf("Allocate(arena-H): %v", err)
	}

	if _, err := h.Allocate(1, rmheader.HeaderAlign); err == nil {
		t.Fatal("expected OutOfMemory for a heap with no room left")
	}
}

// S4: allocating 32*H-sized blocks at HeaderAlign from a 1024*H arena
// places them back to back with no padding, one header plus the request
// size apart.
func TestScenarioS4PacksWithoutPadding(t *testing.T) {
	const H = rmheader.HeaderSize
	h := arenaHeap(t, 1024*H)

	const size = 32 * H
	p0, err := h.Allocate(size, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p1, err := h.Allocate(size, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if got, want := uintptr(p1)-uintptr(p0), H+size; got != want {
		t.Fatalf("distance between allocations = %d, want %d", got, want)
	}
}

// S6: two successive allocate(0, 1) calls return distinct pointers.
func TestScenarioS6ZeroSizeAllocationsAreDistinct(t *testing.T) {
	h := arenaHeap(t, 4096)

	p1, err := h.Allocate(0, 1)
	if err != nil {
		t.Fatalf("Allocate(0, 1): %v", err)
	}
	p2, err := h.Allocate(0, 1)
	if err != nil {
		t.Fatalf("Allocate(0, 1): %v", err)
	}
	if p1 == p2 {
		t.Fatal("zero-size allocations should return distinct pointers")
	}
}

// S7: shrink-then-grow round trips to the same pointer.
func TestScenarioS7ShrinkThenGrowSamePointer(t *testing.T) {
	h := arenaHeap(t, 4096)

	p, err := h.Allocate(60, rmheader.HeaderAlign)
	if err != nil {
		t.Fatalf("Allocate(60): %v", err)
	}

	q, err := h.Reallocate(p, 60, rmheader.HeaderAlign, 20)
	if err != nil {
		t.Fatalf("Reallocate(shrink): %v", err)
	}
	if q != p {
		t.Fatal("shrink should return the same pointer")
	}

	r, err := h.Reallocate(q, 20, rmheader.HeaderAlign, 60)
	if err != nil {
		t.Fatalf("Reallocate(grow back): %v", err)
	}
	if r != p {
		t.Fatal("growing back within the original augmented size should return the same pointer")
	}
}

func TestAllocateFailsOnBadAlignment(t *testing.T) {
	h := arenaHeap(t, 4096)
	if _, err := h.Allocate(8, 3); err == nil {
		t.Fatal("expected AlignmentInfeasible for a non power-of-two alignment")
	}
}
