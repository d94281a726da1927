/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package ratelimiter

import (
	"net"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard-engine/tunnel"
)

type limiterResult struct {
	allowed bool
	text    string
	wait    time.Duration
}

func TestLimiterPerSourceBudget(t *testing.T) {
	var pk tunnel.NoisePublicKey
	l := New(pk)
	defer l.Close()

	nano := func(n int64) time.Duration { return time.Nanosecond * time.Duration(n) }

	var expected []limiterResult
	add := func(r limiterResult) { expected = append(expected, r) }

	for i := 0; i < packetsBurstable; i++ {
		add(limiterResult{allowed: true, text: "initial burst"})
	}
	add(limiterResult{allowed: false, text: "after burst"})
	add(limiterResult{
		allowed: true,
		wait:    nano(time.Second.Nanoseconds() / int64(packetsPerSecond)),
		text:    "filling tokens for single packet",
	})
	add(limiterResult{allowed: false, text: "not having refilled enough"})

	ips := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("192.168.1.1"),
		net.ParseIP("2001:0db8:0a0b:12f0:0000:0000:0000:0001"),
	}

	for i, res := range expected {
		time.Sleep(res.wait)
		for _, ip := range ips {
			if got := l.allowSource(ip); got != res.allowed {
				t.Fatalf("step %d (%s): ip %s: expected %v, got %v", i, res.text, ip, res.allowed, got)
			}
		}
	}
}

func TestLimiterTracksNewSource(t *testing.T) {
	var pk tunnel.NoisePublicKey
	l := New(pk)
	defer l.Close()

	l.allowSource(net.ParseIP("203.0.113.1"))
	l.mu.Lock()
	n := len(l.tableIPv4)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one tracked source, got %d", n)
	}
}

func TestResetCount(t *testing.T) {
	var pk tunnel.NoisePublicKey
	l := New(pk)
	defer l.Close()

	for i := 0; i < underLoadThreshold+1; i++ {
		l.handshakesThisSecond++
	}
	if !l.underLoad() {
		t.Fatal("expected limiter to report under load")
	}
	l.ResetCount()
	if l.underLoad() {
		t.Fatal("expected ResetCount to clear the under-load state")
	}
}
