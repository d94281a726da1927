/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/cipher"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// cookieGenerator stamps outgoing handshake messages with mac1 (always,
// keyed off the remote's static key) and mac2 (only once the remote has
// told us it is under load and handed us a cookie, per spec.md §4.3's
// rate-limiter interaction). This is the per-peer half of the MAC
// machinery; the anonymous, device-wide half (verifying mac1/mac2 and
// minting cookies) lives in the ratelimiter package.
type cookieGenerator struct {
	mutex     sync.RWMutex
	cookieSet time.Time
	cookie    [blake2s.Size128]byte
	lastMAC1  [blake2s.Size128]byte
	keyMAC1   [blake2s.Size]byte
	keyMAC2   [blake2s.Size]byte
	xaead     cipher.AEAD
}

func (c *cookieGenerator) init(remoteStatic NoisePublicKey) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	h, _ := blake2s.New256(nil)
	h.Write([]byte(wgLabelMAC1))
	h.Write(remoteStatic[:])
	h.Sum(c.keyMAC1[:0])

	h.Reset()
	h.Write([]byte(wgLabelCookie))
	h.Write(remoteStatic[:])
	h.Sum(c.keyMAC2[:0])

	c.xaead, _ = chacha20poly1305.NewX(c.keyMAC2[:])
	c.cookieSet = time.Time{}
}

// addMacs appends mac1 (and mac2, if we're holding a fresh cookie) to the
// tail of an outgoing handshake message buffer.
func (c *cookieGenerator) addMacs(msg []byte) {
	size := len(msg)
	startMac1 := size - blake2sMac128Size*2
	startMac2 := size - blake2sMac128Size

	c.mutex.Lock()
	defer c.mutex.Unlock()

	mac, _ := blake2s.New128(c.keyMAC1[:])
	mac.Write(msg[:startMac1])
	mac.Sum(c.lastMAC1[:0])
	copy(msg[startMac1:startMac2], c.lastMAC1[:])

	if c.cookieSet.IsZero() {
		return
	}
	if time.Since(c.cookieSet) > cookieRefreshTime {
		c.cookieSet = time.Time{}
		return
	}
	mac, _ = blake2s.New128(c.cookie[:])
	mac.Write(msg[:startMac2])
	mac.Sum(msg[startMac2:startMac2])
}

// consumeCookieReply decrypts an incoming cookie-reply message, caching the
// cookie so the next handshake retransmission carries mac2.
func (c *cookieGenerator) consumeCookieReply(datagram []byte) error {
	if len(datagram) != messageCookieReplySize || datagram[0] != messageCookieReplyType {
		return errors.New("invalid cookie reply")
	}
	nonce := datagram[8:32]
	ciphertext := datagram[32:messageCookieReplySize]

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var cookie [blake2s.Size128]byte
	if _, err := c.xaead.Open(cookie[:0], nonce, ciphertext, c.lastMAC1[:]); err != nil {
		return errors.New("failed to decrypt cookie reply")
	}
	c.cookie = cookie
	c.cookieSet = time.Now()
	return nil
}
