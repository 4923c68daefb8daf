// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rmfreelist implements the intrusive, doubly linked list that
// threads every currently-free block in the heap.
//
// A Node lives inside the content region of a free block, starting at
// the first byte past the block's header — there is no separate
// metadata store. List membership is precisely "block tag == free";
// order within the list reflects freeing order, not block address.
package rmfreelist

import "unsafe"

// Node is the in-place list cell written into a free block's content.
type Node struct {
	next, prev unsafe.Pointer // *Node, kept as unsafe.Pointer to avoid importing package cycles into the heap bytes.
}

// NodeSize and NodeAlign bound the minimum content size and alignment
// every block must have, since every free block must be able to host a
// Node.
const (
	NodeSize  = unsafe.Sizeof(Node{})
	NodeAlign = unsafe.Alignof(Node{})
)

// Freelist is a process-local doubly linked list of free blocks. The
// zero value is an empty list.
type Freelist struct {
	head unsafe.Pointer // *Node
}

// PushFront writes a Node at p and links it at the head of the list in
// O(1). p must be the start of a block's content region — HeaderSize
// bytes past that block's header — for a block that is being freed (so
// neither already free nor still occupied).
func (l *Freelist) PushFront(p unsafe.Pointer) {
	n := (*Node)(p)
	n.next = l.head
	n.prev = nil
	if l.head != nil {
		(*Node)(l.head).prev = p
	}
	l.head = p
}

// Remove unlinks node from the list in O(1). node must currently be a
// member of the list.
func (l *Freelist) Remove(node unsafe.Pointer) {
	n := (*Node)(node)
	switch {
	case n.prev == nil:
		l.head = n.next
	default:
		(*Node)(n.prev).next = n.next
	}
	if n.next != nil {
		(*Node)(n.next).prev = n.prev
	}
}

// Head returns the address of the head node, or nil if the list is
// empty.
func (l *Freelist) Head() unsafe.Pointer { return l.head }

// Next returns the node following node in the list, or nil at the tail.
func Next(node unsafe.Pointer) unsafe.Pointer { return (*Node)(node).next }

// Prev returns the node preceding node in the list, or nil at the head.
func Prev(node unsafe.Pointer) unsafe.Pointer { return (*Node)(node).prev }
