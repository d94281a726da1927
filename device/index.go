/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/rand"
	"sync"
)

const indexBits = 24
const indexMask = 1<<indexBits - 1

// lfsr24 produces the device's stream of session indices: a maximal-length
// linear feedback shift register over the low 24 bits, XOR-masked with a
// second random value, so the sequence an observer sees reveals neither how
// many peers have been created nor the order they were created in
// (spec.md §3, §4.4).
type lfsr24 struct {
	initial uint32
	lfsr    uint32
	mask    uint32
}

func random24Nonzero() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := (uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])) & indexMask
		if v != 0 {
			return v, nil
		}
	}
}

func newLFSR24() (*lfsr24, error) {
	initial, err := random24Nonzero()
	if err != nil {
		return nil, err
	}
	mask, err := random24Nonzero()
	if err != nil {
		return nil, err
	}
	return &lfsr24{initial: initial, lfsr: initial, mask: mask}, nil
}

// next emits the next index in the sequence, already packed into the high
// 24 bits of the 32-bit wire field (the low 8 bits are left zero — room the
// protocol reserves for additional bits, per spec.md §3/§4.4). It panics if
// the register cycles back to its seed, which would mean more than 2^24
// indices have been allocated from a single lfsr24.
func (f *lfsr24) next() uint32 {
	out := (f.lfsr - 1) ^ f.mask
	var feedback uint32
	if f.lfsr&1 != 0 {
		feedback = 0xd80000
	}
	f.lfsr = (f.lfsr >> 1) ^ feedback
	if f.lfsr == f.initial {
		panic("session index space exhausted")
	}
	return (out & indexMask) << 8
}

// IndexTable is peers_by_index: the map from a locally assigned session
// index to the peer that owns it. One table is shared by the whole device.
// Keys are the full wire-format value the allocator emitted (low byte
// zero), so a lookup only needs to mask off the low 8 bits an arriving
// receiver_idx may carry.
type IndexTable struct {
	mutex sync.RWMutex
	lfsr  *lfsr24
	table map[uint32]*Peer
}

func NewIndexTable() (*IndexTable, error) {
	f, err := newLFSR24()
	if err != nil {
		return nil, err
	}
	return &IndexTable{lfsr: f, table: make(map[uint32]*Peer)}, nil
}

// NewIndex allocates a fresh index for peer and records the association.
func (t *IndexTable) NewIndex(peer *Peer) uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for {
		idx := t.lfsr.next()
		if idx == 0 {
			continue
		}
		if _, taken := t.table[idx]; taken {
			continue
		}
		t.table[idx] = peer
		return idx
	}
}

// Lookup resolves an arriving receiver_idx field to its owning peer,
// ignoring the low 8 bits the wire format reserves (spec.md §4.4).
func (t *IndexTable) Lookup(receiverIdx uint32) *Peer {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.table[receiverIdx&^0xff]
}

func (t *IndexTable) Delete(idx uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.table, idx)
}
