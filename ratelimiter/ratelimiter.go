/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimiter implements the device-wide defenses applied to every
// inbound datagram before its owning peer is even known: a per-source-IP
// token bucket against floods, and the mac1/mac2/cookie machinery against
// CPU-exhausting handshake storms (spec.md §4.3 "Decapsulation path" step
// 1, §4.5 step 2). It is rebuilt from scratch on every key-pair rotation,
// bound to the device's current static public key.
package ratelimiter

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"

	"golang.zx2c4.com/wireguard-engine/tunnel"
)

const (
	packetsPerSecond   = rate.Limit(20)
	packetsBurstable   = 5
	garbageCollectTime = time.Second
	cookieRefreshTime  = 120 * time.Second

	// underLoadThreshold is the fixed per-second handshake budget spec.md
	// §4.5 step 2 calls out ("e.g. 100"); past it, initiations without a
	// fresh mac2 are rejected with a cookie challenge instead of processed.
	underLoadThreshold = 100
)

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is the per-device-key instance of both defenses. The zero value
// is not usable; construct with New.
type Limiter struct {
	publicKey tunnel.NoisePublicKey

	mu        sync.Mutex
	stop      chan struct{}
	tableIPv4 map[[net.IPv4len]byte]*sourceEntry
	tableIPv6 map[[net.IPv6len]byte]*sourceEntry

	macMu     sync.RWMutex
	refreshed time.Time
	secret    [blake2s.Size]byte
	keyMAC1   [blake2s.Size]byte
	xaead     cipher.AEAD

	handshakesThisSecond int64
}

// New builds a rate limiter bound to publicKey, starting its background
// token-bucket garbage collector. Callers discard the old limiter and build
// a fresh one whenever the device's static key pair changes
// (spec.md §4.5 step 2); there is no Init/re-bind method, unlike the
// teacher's single long-lived Ratelimiter, because a rotation always needs
// a new mac1/cookie key derivation anyway.
func New(publicKey tunnel.NoisePublicKey) *Limiter {
	l := &Limiter{
		publicKey: publicKey,
		stop:      make(chan struct{}),
		tableIPv4: make(map[[net.IPv4len]byte]*sourceEntry),
		tableIPv6: make(map[[net.IPv6len]byte]*sourceEntry),
	}

	h, _ := blake2s.New256(nil)
	h.Write([]byte("mac1----"))
	h.Write(publicKey[:])
	h.Sum(l.keyMAC1[:0])

	var keyMAC2 [blake2s.Size]byte
	h.Reset()
	h.Write([]byte("cookie--"))
	h.Write(publicKey[:])
	h.Sum(keyMAC2[:0])
	l.xaead, _ = chacha20poly1305.NewX(keyMAC2[:])

	go l.collectGarbage()
	return l
}

// Close stops the garbage-collection goroutine. Safe to call once.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

// ResetCount zeroes the per-second handshake counter; the device's
// orchestrator calls this once a second (spec.md §4.3 "Rate-limiter reset
// tick").
func (l *Limiter) ResetCount() {
	atomic.StoreInt64(&l.handshakesThisSecond, 0)
}

func (l *Limiter) underLoad() bool {
	return atomic.LoadInt64(&l.handshakesThisSecond) > underLoadThreshold
}

func (l *Limiter) collectGarbage() {
	ticker := time.NewTicker(garbageCollectTime)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for k, e := range l.tableIPv4 {
				if now.Sub(e.lastSeen) > garbageCollectTime {
					delete(l.tableIPv4, k)
				}
			}
			for k, e := range l.tableIPv6 {
				if now.Sub(e.lastSeen) > garbageCollectTime {
					delete(l.tableIPv6, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// allowSource runs ip through its per-source token bucket, backed by
// golang.org/x/time/rate rather than the teacher's hand-rolled token
// counter — same budget (20/s, burst 5), idiomatic implementation.
func (l *Limiter) allowSource(ip net.IP) bool {
	var entry *sourceEntry
	var key4 [net.IPv4len]byte
	var key6 [net.IPv6len]byte
	isV4 := ip.To4() != nil

	l.mu.Lock()
	if isV4 {
		copy(key4[:], ip.To4())
		entry = l.tableIPv4[key4]
		if entry == nil {
			entry = &sourceEntry{limiter: rate.NewLimiter(packetsPerSecond, packetsBurstable)}
			l.tableIPv4[key4] = entry
		}
	} else {
		copy(key6[:], ip.To16())
		entry = l.tableIPv6[key6]
		if entry == nil {
			entry = &sourceEntry{limiter: rate.NewLimiter(packetsPerSecond, packetsBurstable)}
			l.tableIPv6[key6] = entry
		}
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// VerifyAnonymous runs one inbound datagram through both defenses before
// its peer is known. A non-nil cookieReply must be sent back to addr
// verbatim and no further processing performed. A non-nil error means drop
// silently. Both nil means the caller should proceed to identify the
// owning peer (spec.md §4.3 "Decapsulation path" step 1).
//
// Only handshake initiations and responses are subject to either defense —
// the per-source token bucket and the mac2/cookie challenge are both
// anti-DoS measures against handshake storms (spec.md §4.5 step 2, the
// glossary's "Rate limiter" entry), never against the data-plane. Transport
// and cookie-reply messages pass straight through, matching the teacher's
// device/receive.go, which calls rate.limiter.Allow() only for
// MessageInitiationType/MessageResponseType and only while IsUnderLoad().
func (l *Limiter) VerifyAnonymous(datagram []byte, addr *net.UDPAddr) (cookieReply []byte, err error) {
	msgType, ok := tunnel.PeekMessageType(datagram)
	if !ok {
		return nil, errors.New("short datagram")
	}
	if msgType != tunnel.MessageInitiationType && msgType != tunnel.MessageResponseType {
		return nil, nil
	}

	if !l.checkMAC1(datagram) {
		return nil, errors.New("invalid mac1")
	}

	if msgType == tunnel.MessageInitiationType {
		atomic.AddInt64(&l.handshakesThisSecond, 1)
	}

	if !l.underLoad() {
		return nil, nil
	}
	if !l.allowSource(addr.IP) {
		return nil, errors.New("source rate limit exceeded")
	}
	if l.checkMAC2(datagram, addr) {
		return nil, nil
	}
	return l.createCookieReply(datagram, addr)
}

func (l *Limiter) checkMAC1(msg []byte) bool {
	size := len(msg)
	startMac1 := size - tunnel.MacsSize
	startMac2 := size - tunnel.MacsSize/2

	var mac1 [blake2s.Size128]byte
	mac, _ := blake2s.New128(l.keyMAC1[:])
	mac.Write(msg[:startMac1])
	mac.Sum(mac1[:0])
	return hmac.Equal(mac1[:], msg[startMac1:startMac2])
}

func (l *Limiter) checkMAC2(msg []byte, addr *net.UDPAddr) bool {
	l.macMu.RLock()
	defer l.macMu.RUnlock()

	if time.Since(l.refreshed) > cookieRefreshTime {
		return false
	}
	cookie := l.sourceCookie(addr)

	start := len(msg) - tunnel.MacsSize/2
	var mac2 [blake2s.Size128]byte
	mac, _ := blake2s.New128(cookie[:])
	mac.Write(msg[:start])
	mac.Sum(mac2[:0])
	return hmac.Equal(mac2[:], msg[start:])
}

func (l *Limiter) sourceCookie(addr *net.UDPAddr) [blake2s.Size128]byte {
	var cookie [blake2s.Size128]byte
	port := [2]byte{byte(addr.Port >> 8), byte(addr.Port)}
	mac, _ := blake2s.New128(l.secret[:])
	mac.Write(addr.IP)
	mac.Write(port[:])
	mac.Sum(cookie[:0])
	return cookie
}

// createCookieReply mints a fresh cookie-reply datagram answering msg,
// refreshing the device's cookie-minting secret if it has gone stale.
func (l *Limiter) createCookieReply(msg []byte, addr *net.UDPAddr) ([]byte, error) {
	l.macMu.Lock()
	if time.Since(l.refreshed) > cookieRefreshTime {
		if _, err := rand.Read(l.secret[:]); err != nil {
			l.macMu.Unlock()
			return nil, err
		}
		l.refreshed = time.Now()
	}
	cookie := l.sourceCookie(addr)
	l.macMu.Unlock()

	startMac1 := len(msg) - tunnel.MacsSize
	startMac2 := len(msg) - tunnel.MacsSize/2
	mac1 := msg[startMac1:startMac2]

	reply := make([]byte, 64)
	reply[0] = tunnel.MessageCookieReplyType
	copy(reply[4:8], msg[4:8]) // echo the incoming message's sender index
	if _, err := rand.Read(reply[8:32]); err != nil {
		return nil, err
	}
	l.xaead.Seal(reply[32:32], reply[8:32], cookie[:], mac1)
	return reply, nil
}
