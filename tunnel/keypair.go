/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/cipher"
	"time"

	"golang.zx2c4.com/wireguard-engine/replay"
)

func timeNow() time.Time { return time.Now() }

// keyPair is one side of a completed handshake: a send and receive AEAD
// plus the replay filter guarding the receive direction.
type keyPair struct {
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.ReplayFilter
	sendNonce    uint64
	isInitiator  bool
	created      time.Time
	localIndex   uint32
	remoteIndex  uint32
}

// keyPairs holds the rotating current/previous/next triple a peer may have
// live at once during a rekey handoff.
type keyPairs struct {
	current  *keyPair
	previous *keyPair
	next     *keyPair
}

func (kp *keyPairs) rotate(nk *keyPair) {
	if nk.isInitiator {
		kp.previous = kp.current
		kp.current = nk
		kp.next = nil
	} else {
		kp.next = nk
	}
}

// confirmNext promotes a pending "next" keypair to "current" once the first
// transport message using it has been received, confirming the peer has
// it too (the classic WireGuard three-way rotation).
func (kp *keyPairs) confirmNext() {
	if kp.next == nil {
		return
	}
	kp.previous = kp.current
	kp.current = kp.next
	kp.next = nil
}
