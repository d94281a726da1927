/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package ipheader implements the zero-copy IP header view spec.md §4.1/§4.2
// describe: a thin borrow over a byte slice exposing just enough of an IPv4
// or IPv6 datagram's fixed header to route and gate it, without parsing
// anything past the addresses and declared length. It is grounded on the
// teacher's legacy src/ip.go offset table, generalized from a pair of
// untyped constants into a real view type.
package ipheader

import (
	"errors"
	"net"
)

const (
	v4offsetSrc  = 12
	v4offsetDst  = v4offsetSrc + net.IPv4len
	v4headerSize = 20

	v6offsetSrc  = 8
	v6offsetDst  = v6offsetSrc + net.IPv6len
	v6headerSize = 40
)

// ErrInvalidPacket is returned when the first byte's version nibble is
// neither 4 nor 6, or the slice is too short to contain the fields this
// package reads (spec.md §4.1 "A non-{4,6} version fails with
// InvalidPacket").
var ErrInvalidPacket = errors.New("ipheader: invalid packet")

// Header is a zero-copy view over an IPv4 or IPv6 packet's fixed header
// fields. The zero Header (Version 0) denotes a keepalive: spec.md §3 says
// an empty slice "carries no addresses".
type Header struct {
	Version uint8
	Src     net.IP
	Dst     net.IP
	// TotalLen is the header-declared total datagram length: the v4
	// header's Total Length field, or 40 plus the v6 header's Payload
	// Length field (spec.md §4.1).
	TotalLen int
}

// FromSlice parses the version, addresses and declared total length out of
// b without copying. An empty slice yields the zero Header and no error —
// spec.md's keepalive case (scenario a). A non-empty slice shorter than the
// applicable fixed header returns ErrInvalidPacket rather than silently
// under-reading; callers that need the TUN decoder's "need more bytes"
// distinction use the packet codec instead, which does its own sniffing
// before ever calling into this package.
func FromSlice(b []byte) (Header, error) {
	if len(b) == 0 {
		return Header{}, nil
	}

	switch b[0] >> 4 {
	case 4:
		if len(b) < v4headerSize {
			return Header{}, ErrInvalidPacket
		}
		total := int(b[2])<<8 | int(b[3])
		return Header{
			Version:  4,
			Src:      net.IP(b[v4offsetSrc:v4offsetDst]),
			Dst:      net.IP(b[v4offsetDst : v4offsetDst+net.IPv4len]),
			TotalLen: total,
		}, nil
	case 6:
		if len(b) < v6headerSize {
			return Header{}, ErrInvalidPacket
		}
		payload := int(b[4])<<8 | int(b[5])
		return Header{
			Version:  6,
			Src:      net.IP(b[v6offsetSrc:v6offsetDst]),
			Dst:      net.IP(b[v6offsetDst : v6offsetDst+net.IPv6len]),
			TotalLen: v6headerSize + payload,
		}, nil
	default:
		return Header{}, ErrInvalidPacket
	}
}

// IsKeepalive reports whether h is the zero Header returned for an empty
// slice — the forwarding paths drop these silently (spec.md §4.1 "Edge
// cases").
func (h Header) IsKeepalive() bool {
	return h.Version == 0
}
