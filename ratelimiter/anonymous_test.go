/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package ratelimiter

import (
	"net"
	"testing"

	"golang.zx2c4.com/wireguard-engine/tunnel"
)

func TestVerifyAnonymousAcceptsValidMAC1(t *testing.T) {
	privA, _ := tunnel.NewPrivateKey()
	privB, _ := tunnel.NewPrivateKey()
	pubB := privB.PublicKey()

	tunA, err := tunnel.New(privA, pubB, tunnel.NoiseSymmetricKey{}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	res := tunA.Encapsulate(buf, nil)
	if res.Kind != tunnel.ResultWriteToNetwork {
		t.Fatal("expected an initiation message")
	}

	l := New(pubB)
	defer l.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 51820}
	cookieReply, err := l.VerifyAnonymous(res.Packet, addr)
	if err != nil {
		t.Fatalf("expected a well-formed initiation to pass anonymous verification: %v", err)
	}
	if cookieReply != nil {
		t.Fatal("expected no cookie challenge while under the handshake budget")
	}
}

func TestVerifyAnonymousRejectsBadMAC1(t *testing.T) {
	_, privB, _ := generateTestKeys(t)
	l := New(privB.PublicKey())
	defer l.Close()

	msg := make([]byte, 148)
	msg[0] = tunnel.MessageInitiationType

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 51820}
	if _, err := l.VerifyAnonymous(msg, addr); err == nil {
		t.Fatal("expected a datagram with a garbage mac1 to be rejected")
	}
}

func TestCookieChallengeRoundTrip(t *testing.T) {
	privA, privB, pubB := generateTestKeys(t)

	tunA, err := tunnel.New(privA, pubB, tunnel.NoiseSymmetricKey{}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	res := tunA.Encapsulate(buf, nil)
	if res.Kind != tunnel.ResultWriteToNetwork {
		t.Fatal("expected an initiation message")
	}
	initiation := append([]byte(nil), res.Packet...)

	l := New(pubB)
	defer l.Close()
	// Force the device into the "under load" regime so a bare mac1 is no
	// longer enough and a cookie challenge is minted instead.
	for i := 0; i < underLoadThreshold+1; i++ {
		l.handshakesThisSecond++
	}

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 51820}
	cookieReply, err := l.VerifyAnonymous(initiation, addr)
	if err != nil {
		t.Fatalf("unexpected rejection under load: %v", err)
	}
	if cookieReply == nil {
		t.Fatal("expected a cookie challenge while under load")
	}

	if err := tunA.ConsumeCookieReply(cookieReply); err != nil {
		t.Fatalf("initiator failed to consume its own cookie challenge: %v", err)
	}
}

func generateTestKeys(t *testing.T) (tunnel.NoisePrivateKey, tunnel.NoisePrivateKey, tunnel.NoisePublicKey) {
	t.Helper()
	privA, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	privB, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return privA, privB, privB.PublicKey()
}
