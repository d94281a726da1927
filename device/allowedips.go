/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"errors"
	"math/bits"
	"net"
	"sync"
	"unsafe"
)

// trieEntry is one node of the binary tries behind Router, the
// longest-prefix-match table over (address-family, prefix, prefix-length)
// keyed to peer handles. IPv4 and IPv6 share one logical table, each rooted
// in its own trie; lookups are typed by the queried address's family.
type trieEntry struct {
	cidr  uint
	child [2]*trieEntry
	bits  net.IP
	peer  *Peer

	bitAtByte  uint
	bitAtShift uint
}

func isLittleEndian() bool {
	one := uint32(1)
	return *(*byte)(unsafe.Pointer(&one)) != 0
}

func swapU32(i uint32) uint32 {
	if !isLittleEndian() {
		return i
	}
	return bits.ReverseBytes32(i)
}

func swapU64(i uint64) uint64 {
	if !isLittleEndian() {
		return i
	}
	return bits.ReverseBytes64(i)
}

func commonBits(ip1, ip2 net.IP) uint {
	size := len(ip1)
	if size == net.IPv4len {
		a := (*uint32)(unsafe.Pointer(&ip1[0]))
		b := (*uint32)(unsafe.Pointer(&ip2[0]))
		x := *a ^ *b
		return uint(bits.LeadingZeros32(swapU32(x)))
	} else if size == net.IPv6len {
		a := (*uint64)(unsafe.Pointer(&ip1[0]))
		b := (*uint64)(unsafe.Pointer(&ip2[0]))
		x := *a ^ *b
		if x != 0 {
			return uint(bits.LeadingZeros64(swapU64(x)))
		}
		a = (*uint64)(unsafe.Pointer(&ip1[8]))
		b = (*uint64)(unsafe.Pointer(&ip2[8]))
		x = *a ^ *b
		return 64 + uint(bits.LeadingZeros64(swapU64(x)))
	}
	panic("wrong size bit string")
}

func (node *trieEntry) removeByPeer(p *Peer) *trieEntry {
	if node == nil {
		return node
	}

	node.child[0] = node.child[0].removeByPeer(p)
	node.child[1] = node.child[1].removeByPeer(p)

	if node.peer != p {
		return node
	}

	node.peer = nil
	if node.child[0] != nil && node.child[1] != nil {
		return node
	}
	if node.child[0] == nil {
		return node.child[1]
	}
	return node.child[0]
}

func (node *trieEntry) choose(ip net.IP) byte {
	return (ip[node.bitAtByte] >> node.bitAtShift) & 1
}

func (node *trieEntry) insert(ip net.IP, cidr uint, peer *Peer) *trieEntry {
	if node == nil {
		return &trieEntry{
			bits:       ip,
			peer:       peer,
			cidr:       cidr,
			bitAtByte:  cidr / 8,
			bitAtShift: 7 - (cidr % 8),
		}
	}

	common := commonBits(node.bits, ip)
	if node.cidr <= cidr && common >= node.cidr {
		if node.cidr == cidr {
			node.peer = peer
			return node
		}
		bit := node.choose(ip)
		node.child[bit] = node.child[bit].insert(ip, cidr, peer)
		return node
	}

	newNode := &trieEntry{
		bits:       ip,
		peer:       peer,
		cidr:       cidr,
		bitAtByte:  cidr / 8,
		bitAtShift: 7 - (cidr % 8),
	}

	cidr = min(cidr, common)

	if newNode.cidr == cidr {
		bit := newNode.choose(node.bits)
		newNode.child[bit] = node
		return newNode
	}

	parent := &trieEntry{
		bits:       ip,
		peer:       nil,
		cidr:       cidr,
		bitAtByte:  cidr / 8,
		bitAtShift: 7 - (cidr % 8),
	}

	bit := parent.choose(ip)
	parent.child[bit] = newNode
	parent.child[bit^1] = node

	return parent
}

// lookup walks the trie, remembering the most specific ("longest mask")
// node whose prefix still matches ip — the tie-breaking rule spec.md §4.2
// requires.
func (node *trieEntry) lookup(ip net.IP) *Peer {
	var found *Peer
	size := uint(len(ip))
	for node != nil && commonBits(node.bits, ip) >= node.cidr {
		if node.peer != nil {
			found = node.peer
		}
		if node.bitAtByte == size {
			break
		}
		bit := node.choose(ip)
		node = node.child[bit]
	}
	return found
}

func (node *trieEntry) entriesForPeer(p *Peer, results []net.IPNet) []net.IPNet {
	if node == nil {
		return results
	}
	if node.peer == p {
		mask := net.CIDRMask(int(node.cidr), len(node.bits)*8)
		results = append(results, net.IPNet{
			Mask: mask,
			IP:   node.bits.Mask(mask),
		})
	}
	results = node.child[0].entriesForPeer(p, results)
	results = node.child[1].entriesForPeer(p, results)
	return results
}

type Router struct {
	v4    *trieEntry
	v6    *trieEntry
	mutex sync.RWMutex
}

func (r *Router) EntriesForPeer(peer *Peer) []net.IPNet {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	allowed := make([]net.IPNet, 0, 10)
	allowed = r.v4.entriesForPeer(peer, allowed)
	allowed = r.v6.entriesForPeer(peer, allowed)
	return allowed
}

func (r *Router) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.v4 = nil
	r.v6 = nil
}

// RemoveByPeer is the "filtered bulk remove" spec.md §4.2 requires during
// peer deletion: every entry whose handle equals peer disappears.
func (r *Router) RemoveByPeer(peer *Peer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.v4 = r.v4.removeByPeer(peer)
	r.v6 = r.v6.removeByPeer(peer)
}

func (r *Router) Insert(ip net.IP, cidr uint, peer *Peer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch len(ip) {
	case net.IPv6len:
		r.v6 = r.v6.insert(ip, cidr, peer)
	case net.IPv4len:
		r.v4 = r.v4.insert(ip, cidr, peer)
	default:
		panic(errors.New("inserting unknown address type"))
	}
}

func (r *Router) LookupIPv4(address []byte) *Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.v4.lookup(address)
}

func (r *Router) LookupIPv6(address []byte) *Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.v6.lookup(address)
}
