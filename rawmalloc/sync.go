// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawmalloc

import (
	"sync"
	"unsafe"

	"github.com/cznic/rawmalloc/growers"
	"github.com/cznic/rawmalloc/rmerr"
)

// SyncHeap wraps a Heap behind a mutex for use from more than one
// goroutine. Every exported method acquires the lock, performs exactly
// one call into the wrapped Heap, and releases it; no method ever holds
// the lock across two separate engine operations.
//
// Go mutexes, unlike Rust's, are not poisoned by a panicking critical
// section, so SyncHeap latches its own poisoned flag whenever a call
// panics while the lock is held: every subsequent Allocate, Reallocate,
// Stats and Walk call then fails fast with an rmerr.Poisoned error, and
// Deallocate does nothing, instead of operating on a heap that may have
// panicked mid-mutation.
type SyncHeap[G growers.Grower] struct {
	mu       sync.Mutex
	heap     *Heap[G]
	poisoned bool
}

// NewSync returns a SyncHeap serving memory from grower.
func NewSync[G growers.Grower](grower G) *SyncHeap[G] {
	return &SyncHeap[G]{heap: New(grower)}
}

// guard returns a function that, deferred, re-panics after latching
// s.poisoned if the call it guards panicked, and is a no-op otherwise.
func (s *SyncHeap[G]) guard() func() {
	return func() {
		if r := recover(); r != nil {
			s.poisoned = true
			panic(r)
		}
	}
}

func (s *SyncHeap[G]) checkPoisoned(op string) error {
	if s.poisoned {
		return rmerr.New(op, rmerr.Poisoned)
	}
	return nil
}

// Allocate is Heap.Allocate under the lock.
func (s *SyncHeap[G]) Allocate(size, align uintptr) (unsafe.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPoisoned("Allocate"); err != nil {
		return nil, err
	}
	defer s.guard()()
	return s.heap.Allocate(size, align)
}

// Deallocate is Heap.Deallocate under the lock. It silently does
// nothing if the heap is already poisoned, matching the "may fail fast"
// half of spec'd poisoning semantics without requiring callers to check
// an error on every free.
func (s *SyncHeap[G]) Deallocate(p unsafe.Pointer, size, align uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return
	}
	defer s.guard()()
	s.heap.Deallocate(p, size, align)
}

// Reallocate is Heap.Reallocate under the lock.
func (s *SyncHeap[G]) Reallocate(p unsafe.Pointer, oldSize, align, newSize uintptr) (unsafe.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPoisoned("Reallocate"); err != nil {
		return nil, err
	}
	defer s.guard()()
	return s.heap.Reallocate(p, oldSize, align, newSize)
}

// Stats is Heap.Stats under the lock.
func (s *SyncHeap[G]) Stats() (HeapStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPoisoned("Stats"); err != nil {
		return HeapStats{}, err
	}
	defer s.guard()()
	return s.heap.Stats(), nil
}

// Walk is Heap.Walk under the lock: fn runs with the lock held, so it
// must not call back into s.
func (s *SyncHeap[G]) Walk(fn func(BlockInfo) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPoisoned("Walk"); err != nil {
		return err
	}
	defer s.guard()()
	s.heap.Walk(fn)
	return nil
}

// Poisoned reports whether a previous call panicked while the lock was
// held.
func (s *SyncHeap[G]) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}
