/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package device

import "testing"

func TestLFSR24NeverEmitsLowByte(t *testing.T) {
	f, err := newLFSR24()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		if v := f.next(); v&0xff != 0 {
			t.Fatalf("expected the low 8 bits to stay zero, got %#x", v)
		}
	}
}

func TestLFSR24DoesNotRepeatWithinOneCycle(t *testing.T) {
	f, err := newLFSR24()
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint32]bool)
	for i := 0; i < 100000; i++ {
		v := f.next()
		if seen[v] {
			t.Fatalf("index %#x repeated after %d draws", v, i)
		}
		seen[v] = true
	}
}

func TestIndexTableAssignsAndLooksUp(t *testing.T) {
	table, err := NewIndexTable()
	if err != nil {
		t.Fatal(err)
	}

	p1 := &Peer{}
	p2 := &Peer{}

	idx1 := table.NewIndex(p1)
	idx2 := table.NewIndex(p2)
	if idx1 == idx2 {
		t.Fatal("two peers were assigned the same index")
	}

	// a receiver_idx carrying nonzero low bits must still resolve.
	if got := table.Lookup(idx1 | 0x3f); got != p1 {
		t.Fatal("lookup did not ignore the reserved low bits")
	}
	if got := table.Lookup(idx2); got != p2 {
		t.Fatal("lookup returned the wrong peer")
	}

	table.Delete(idx1)
	if got := table.Lookup(idx1); got != nil {
		t.Fatal("expected a deleted index to no longer resolve")
	}
}
