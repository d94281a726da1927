/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"golang.zx2c4.com/wireguard-engine/ipheader"
)

// ErrInvalidPacket reports a framing error: the packet at the head of the
// TUN stream has a version nibble that is neither 4 nor 6.
var ErrInvalidPacket = ipheader.ErrInvalidPacket

// minSniffLen is the fewest bytes PacketCodec needs to have read before it
// can tell a v4 header's Total Length field from a v6 header's Payload
// Length field (spec.md §4.1: "6 treats bytes 4..6 as the payload length").
const minSniffLen = 6

// v4HeaderSize is the minimum IPv4 header length the codec insists on
// seeing before it will even trust the Total Length field (spec.md §4.1:
// "20 for v4").
const v4HeaderSize = 20

// PacketCodec chops a raw TUN byte stream into whole IP datagrams. One
// Decode call yields at most one packet: the algorithm inspects the first
// byte's version nibble, reads the declared length from the appropriate
// header field, and reports how many bytes of buf that packet occupies.
// Encode is pass-through — the TUN layer adds no framing of its own
// (spec.md §4.1).
type PacketCodec struct{}

// Decode inspects buf, which holds n previously-read bytes, and returns the
// length of the first whole IP packet at its head. ok is false when fewer
// than the required header bytes are present yet — "need more bytes",
// spec.md §4.1 — and the caller should read more before decoding again. An
// empty buf decodes as a zero-length keepalive (scenario a).
func (PacketCodec) Decode(buf []byte) (packetLen int, ok bool, err error) {
	if len(buf) == 0 {
		return 0, true, nil
	}

	switch buf[0] >> 4 {
	case 4:
		if len(buf) < v4HeaderSize {
			return 0, false, nil
		}
		total := int(buf[2])<<8 | int(buf[3])
		if len(buf) < total {
			return 0, false, nil
		}
		return total, true, nil
	case 6:
		if len(buf) < minSniffLen {
			return 0, false, nil
		}
		total := 40 + (int(buf[4])<<8 | int(buf[5]))
		if len(buf) < total {
			return 0, false, nil
		}
		return total, true, nil
	default:
		return 0, false, ErrInvalidPacket
	}
}

// Encode appends packet to dst verbatim and returns the extended slice. The
// TUN device frames nothing of its own; this exists so callers can treat
// encode/decode symmetrically (spec.md §4.1, testable property 4).
func (PacketCodec) Encode(dst, packet []byte) []byte {
	return append(dst, packet...)
}
