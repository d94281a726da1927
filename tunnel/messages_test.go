/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import "testing"

func TestMarshalInitiationRoundTrip(t *testing.T) {
	var msg messageInitiation
	msg.sender = 0xdeadbeef
	msg.ephemeral[0] = 1

	buf := marshalInitiation(&msg)
	if len(buf) != messageInitiationSize {
		t.Fatalf("expected %d bytes, got %d", messageInitiationSize, len(buf))
	}

	got, ok := unmarshalInitiation(buf)
	if !ok {
		t.Fatal("failed to unmarshal a message this package just marshaled")
	}
	if got.sender != msg.sender || got.ephemeral != msg.ephemeral {
		t.Fatal("initiation message did not round-trip")
	}
}

func TestMarshalResponseRoundTrip(t *testing.T) {
	var msg messageResponse
	msg.sender = 1
	msg.receiver = 2
	msg.ephemeral[0] = 9

	buf := marshalResponse(&msg)
	if len(buf) != messageResponseSize {
		t.Fatalf("expected %d bytes, got %d", messageResponseSize, len(buf))
	}

	got, ok := unmarshalResponse(buf)
	if !ok {
		t.Fatal("failed to unmarshal a message this package just marshaled")
	}
	if got.sender != msg.sender || got.receiver != msg.receiver {
		t.Fatal("response message did not round-trip")
	}
}

func TestReceiverIndex(t *testing.T) {
	var msg messageResponse
	msg.receiver = 0x00abcdef
	buf := marshalResponse(&msg)

	idx, ok := ReceiverIndex(buf)
	if !ok {
		t.Fatal("expected to find a receiver index in a response message")
	}
	if idx != msg.receiver {
		t.Fatalf("expected receiver index %x, got %x", msg.receiver, idx)
	}
}

func TestPeekMessageTypeTooShort(t *testing.T) {
	if _, ok := PeekMessageType(nil); ok {
		t.Fatal("expected PeekMessageType to fail on an empty datagram")
	}
}
