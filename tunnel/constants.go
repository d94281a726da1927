/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package tunnel implements the Noise-based handshake and transport
// transform that the device engine treats as an external collaborator: it
// knows nothing about TUN, UDP sockets, or routing, and exposes only a
// tagged Result from each operation for the caller to act on.
package tunnel

import (
	"time"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoiseSymmetricKeySize = 32
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	wgLabelMAC1       = "mac1----"
	wgLabelCookie     = "cookie--"
)

const (
	messageInitiationType  = 1
	messageResponseType    = 2
	messageCookieReplyType = 3
	messageTransportType   = 4
)

// Exported aliases for the packages outside tunnel (the rate limiter, the
// device's decapsulation dispatch) that need to recognize a datagram's kind
// without parsing it.
const (
	MessageInitiationType  = messageInitiationType
	MessageResponseType    = messageResponseType
	MessageCookieReplyType = messageCookieReplyType
	MessageTransportType   = messageTransportType
)

// MacsSize is the combined wire size of the trailing mac1+mac2 fields every
// handshake message (initiation and response) carries.
const MacsSize = blake2sMac128Size * 2

const (
	messageInitiationSize      = 148
	messageResponseSize        = 92
	messageCookieReplySize     = 64
	messageTransportHeaderSize = 16
)

// Offsets of the 32-bit little-endian receiver index field, common to all
// three message kinds that carry one.
const (
	offsetResponseReceiver    = 8
	offsetCookieReplyReceiver = 4
	offsetTransportReceiver   = 4
	offsetTransportCounter    = 8
	offsetTransportContent    = 16
)

// Timer constants, ported from the handshake state machine's own timing
// policy (rekey/keepalive/handshake retry cadence).
const (
	rekeyAfterTime          = time.Second * 120
	rekeyAttemptTime        = time.Second * 90
	rekeyTimeout            = time.Second * 5
	rekeyTimeoutJitterMaxMs = 334
	rejectAfterTime         = time.Second * 180
	keepaliveTimeout        = time.Second * 10
	cookieRefreshTime       = time.Second * 120
	maxHandshakeAttempts    = 18
)

// handshakeState tracks how far the in-progress Noise handshake has
// advanced, from zeroed through a created or consumed initiation to a
// created or consumed response.
type handshakeState int

const (
	handshakeZeroed handshakeState = iota
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)
