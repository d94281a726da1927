/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"bytes"
	"testing"
)

// icmpEcho is the 84-byte ICMP-echo fixture from spec.md's scenario (b):
// starts 45 00 00 54, src 10.0.0.1, dst 10.0.0.2.
var icmpEcho = func() []byte {
	b := make([]byte, 84)
	b[0] = 0x45
	b[2], b[3] = 0x00, 0x54
	copy(b[12:16], []byte{10, 0, 0, 1})
	copy(b[16:20], []byte{10, 0, 0, 2})
	return b
}()

func TestDecodeEmptyIsKeepalive(t *testing.T) {
	n, ok, err := (PacketCodec{}).Decode(nil)
	if err != nil || !ok || n != 0 {
		t.Fatalf("got (%d, %v, %v), want (0, true, nil)", n, ok, err)
	}
}

func TestDecodeIPv4Fixture(t *testing.T) {
	n, ok, err := (PacketCodec{}).Decode(icmpEcho)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a complete decode")
	}
	if n != 84 {
		t.Fatalf("got length %d, want 84", n)
	}
}

func TestDecodeNeedsMoreBytesV4(t *testing.T) {
	_, ok, err := (PacketCodec{}).Decode(icmpEcho[:10])
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected need-more-bytes for a truncated v4 header")
	}
}

func TestDecodeNeedsMoreBytesV6Sniff(t *testing.T) {
	_, ok, err := (PacketCodec{}).Decode([]byte{0x60, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected need-more-bytes before the v6 payload length is readable")
	}
}

func TestDecodeIPv6(t *testing.T) {
	b := make([]byte, 40+8)
	b[0] = 0x60
	b[4], b[5] = 0x00, 0x08
	n, ok, err := (PacketCodec{}).Decode(b)
	if err != nil || !ok {
		t.Fatalf("got (%d, %v, %v)", n, ok, err)
	}
	if n != 48 {
		t.Fatalf("got length %d, want 48", n)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	_, _, err := (PacketCodec{}).Decode([]byte{0x55, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected an error for a non-{4,6} version nibble")
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	var codec PacketCodec
	var out []byte
	out = codec.Encode(out, icmpEcho)
	if !bytes.Equal(out, icmpEcho) {
		t.Fatal("encode must be pass-through")
	}
	n, ok, err := codec.Decode(out)
	if err != nil || !ok || n != len(icmpEcho) {
		t.Fatalf("roundtrip failed: n=%d ok=%v err=%v", n, ok, err)
	}
}
