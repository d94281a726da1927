/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import "testing"

// a minimal 20-byte IPv4 header, version 4, no options, src/dst filled in.
func fakeIPv4Packet(src, dst [4]byte) []byte {
	p := make([]byte, 20)
	p[0] = 0x45
	p[2], p[3] = 0, 20
	copy(p[12:16], src[:])
	copy(p[16:20], dst[:])
	return p
}

func TestHandshakeAndTransportRoundTrip(t *testing.T) {
	privA, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	privB, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubA := privA.PublicKey()
	pubB := privB.PublicKey()

	tunA, err := New(privA, pubB, NoiseSymmetricKey{}, 0x000001, nil)
	if err != nil {
		t.Fatal(err)
	}
	tunB, err := New(privB, pubA, NoiseSymmetricKey{}, 0x000002, nil)
	if err != nil {
		t.Fatal(err)
	}

	payload := fakeIPv4Packet([4]byte{192, 168, 1, 1}, [4]byte{192, 168, 1, 2})

	buf := make([]byte, 2048)
	initRes := tunA.Encapsulate(buf, payload)
	if initRes.Kind != ResultWriteToNetwork {
		t.Fatalf("expected an initiation to go out, got kind %d (err=%v)", initRes.Kind, initRes.Err)
	}
	initiation := append([]byte(nil), initRes.Packet...)

	remote, err := ParseInitiationAnonymous(initiation, privB, pubB)
	if err != nil {
		t.Fatal(err)
	}
	if !remote.Equals(pubA) {
		t.Fatal("anonymous parse identified the wrong peer")
	}

	buf2 := make([]byte, 2048)
	respRes := tunB.HandleVerifiedPacket(buf2, initiation)
	if respRes.Kind != ResultWriteToNetwork {
		t.Fatalf("expected a handshake response, got kind %d (err=%v)", respRes.Kind, respRes.Err)
	}
	response := append([]byte(nil), respRes.Packet...)

	buf3 := make([]byte, 2048)
	drainRes := tunA.HandleVerifiedPacket(buf3, response)
	if drainRes.Kind != ResultWriteToNetwork {
		t.Fatalf("expected the queued packet to drain as transport ciphertext, got kind %d (err=%v)", drainRes.Kind, drainRes.Err)
	}
	transport := append([]byte(nil), drainRes.Packet...)

	buf4 := make([]byte, 2048)
	finalRes := tunB.HandleVerifiedPacket(buf4, transport)
	if finalRes.Kind != ResultWriteToTunnelV4 {
		t.Fatalf("expected decrypted plaintext bound for the v4 tunnel, got kind %d (err=%v)", finalRes.Kind, finalRes.Err)
	}
	if len(finalRes.Packet) != len(payload) || finalRes.Packet[0] != payload[0] {
		t.Fatal("decrypted payload does not match what was sent")
	}
	if finalRes.SrcAddr[0] != 192 || finalRes.SrcAddr[1] != 168 {
		t.Fatal("decrypted result did not carry the expected source address")
	}
}

func TestConsumeInitiationRejectsWrongPeer(t *testing.T) {
	privA, _ := NewPrivateKey()
	privB, _ := NewPrivateKey()
	privC, _ := NewPrivateKey()
	pubB := privB.PublicKey()

	tunA, _ := New(privA, pubB, NoiseSymmetricKey{}, 1, nil)
	buf := make([]byte, 2048)
	res := tunA.Encapsulate(buf, nil)
	if res.Kind != ResultWriteToNetwork {
		t.Fatal("expected an initiation")
	}

	// tunC expects A as its remote, but A's initiation was encrypted to B's
	// static key, so C cannot decrypt it and must reject it instead of
	// accepting a handshake addressed to a different peer.
	tunC, _ := New(privC, privA.PublicKey(), NoiseSymmetricKey{}, 2, nil)
	reply := tunC.HandleVerifiedPacket(make([]byte, 2048), append([]byte(nil), res.Packet...))
	if reply.Kind != ResultErr {
		t.Fatal("expected consuming an initiation addressed to a different peer to fail")
	}
}
