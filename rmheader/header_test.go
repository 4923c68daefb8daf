// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rmheader

import "testing"

func TestNewPanicsOnOddSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for odd content size")
		}
	}()
	New(21, false)
}

func TestTaggedUntagged(t *testing.T) {
	h := New(20, true)
	if !h.IsFree() {
		t.Fatal("expected free header")
	}
	if h.ContentSize() != 20 {
		t.Fatalf("ContentSize() = %d, want 20", h.ContentSize())
	}

	u := h.Untagged()
	if u.IsFree() {
		t.Fatal("untagged copy should not be free")
	}
	if u.ContentSize() != 20 {
		t.Fatalf("ContentSize() = %d, want 20", u.ContentSize())
	}
}

func TestOccupiedHeader(t *testing.T) {
	h := New(20, false)
	if h.IsFree() {
		t.Fatal("expected occupied header")
	}
	if h.ContentSize() != 20 {
		t.Fatalf("ContentSize() = %d, want 20", h.ContentSize())
	}

	tg := h.Tagged()
	if !tg.IsFree() {
		t.Fatal("tagged copy should be free")
	}
	if tg.ContentSize() != 20 {
		t.Fatalf("ContentSize() = %d, want 20", tg.ContentSize())
	}
}

func TestIdempotence(t *testing.T) {
	occ := New(20, false)
	if occ.Untagged() != occ {
		t.Fatal("untagging an occupied header should be a no-op")
	}
	if occ.Tagged().Untagged() != occ {
		t.Fatal("tag then untag should round-trip")
	}

	free := New(20, true)
	if free.Tagged() != free {
		t.Fatal("tagging a free header should be a no-op")
	}
	if free.Untagged().Tagged() != free {
		t.Fatal("untag then tag should round-trip")
	}
}
