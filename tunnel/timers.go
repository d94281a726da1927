/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"math/rand"
	"time"
)

// timers is the poll-based state update_timers consults on every tick. It
// replaces the teacher's goroutine-per-timer design (device/timers.go) with
// the synchronous model the spec's 250ms orchestrator tick expects. The
// fields are read by UpdateTimers and updated by the Tunn operations that
// send packets, complete handshakes or set the keepalive interval, all
// serialized by the owning peer's lock like every other tunnel operation.
type timers struct {
	lastSentHandshake   time.Time
	handshakeAttempts   uint32
	sessionEstablished  time.Time
	lastSentPacket      time.Time
	lastReceivedPacket  time.Time
	persistentKeepalive time.Duration
}

// SetPersistentKeepalive configures the idle-keepalive interval; zero
// disables it. Set by the control plane (spec.md §4.6, `persistent_keepalive_interval`).
func (t *Tunn) SetPersistentKeepalive(interval time.Duration) {
	t.timer.persistentKeepalive = interval
}

func handshakeJitter() time.Duration {
	return time.Duration(rand.Intn(rekeyTimeoutJitterMaxMs)) * time.Millisecond
}

// UpdateTimers is polled roughly every 250ms by the device's orchestrator
// (spec.md §4.3 "Timer tick"). It never produces a plaintext-to-tunnel
// result — only Done, Err, or WriteToNetwork.
func (t *Tunn) UpdateTimers(dst []byte) Result {
	now := timeNow()
	kp := &t.keypairs

	if kp.current != nil && now.Sub(kp.current.created) > rejectAfterTime {
		kp.current = nil
		kp.previous = nil
		kp.next = nil
		t.handshake.state = handshakeZeroed
		return Result{Kind: ResultErr, Err: errConnectionExpired}
	}

	if t.handshake.state == handshakeInitiationCreated {
		deadline := t.timer.lastSentHandshake.Add(rekeyTimeout + handshakeJitter())
		if now.After(deadline) {
			if t.timer.handshakeAttempts >= maxHandshakeAttempts {
				t.handshake.state = handshakeZeroed
				t.timer.handshakeAttempts = 0
				return Result{Kind: ResultErr, Err: errConnectionExpired}
			}
			return t.retryInitiation(dst)
		}
		return Result{Kind: ResultDone}
	}

	if kp.current == nil && t.queuedPacket != nil {
		return t.retryInitiation(dst)
	}

	if kp.current != nil && kp.current.isInitiator && now.Sub(kp.current.created) > rekeyAfterTime {
		return t.retryInitiation(dst)
	}

	if t.timer.persistentKeepalive > 0 && kp.current != nil &&
		now.Sub(t.timer.lastSentPacket) > t.timer.persistentKeepalive {
		return t.encapsulateLocked(dst, nil)
	}

	return Result{Kind: ResultDone}
}

func (t *Tunn) retryInitiation(dst []byte) Result {
	out, err := t.createInitiation()
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.timer.lastSentHandshake = timeNow()
	t.timer.handshakeAttempts++
	n := copy(dst, out)
	return Result{Kind: ResultWriteToNetwork, Packet: dst[:n]}
}
