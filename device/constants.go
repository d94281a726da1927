/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import "time"

// DefaultMTU is used when the TUN device fails to report its own MTU at
// construction time (spec.md §4.1: MTU is read once at startup; a read
// failure is not fatal).
const DefaultMTU = 1420

// MaxMessageSize bounds scratch buffers sized for the largest datagram this
// device will ever send or receive: a full MTU-sized plaintext packet plus
// the Noise transport header and AEAD tag.
const MaxMessageSize = 1500 + 16 + 16

// MaxPeers bounds the device's peer table, matching the teacher's own
// limit (the 24-bit session index space could in principle support far
// more, but this keeps the control-plane and router sized sanely).
const MaxPeers = 1 << 16

// timerTickInterval is how often the orchestrator polls every peer's timer
// state (spec.md §4.3 "Timer tick").
const timerTickInterval = 250 * time.Millisecond

// rateLimiterResetInterval is how often the orchestrator resets the
// handshake rate limiter's per-second counter (spec.md §4.3 "Rate-limiter
// reset tick").
const rateLimiterResetInterval = time.Second
