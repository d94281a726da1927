/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ResultKind tags the disposition of a tunnel operation, translating
// original_source's `TunnResult` enum into an idiomatic Go sum type: one
// struct, one discriminant, payload fields that are only meaningful for the
// matching Kind.
type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultErr
	ResultWriteToNetwork
	ResultWriteToTunnelV4
	ResultWriteToTunnelV6
)

// Result is returned by every Tunn operation. Packet aliases the caller's
// dst buffer (or a sub-slice of it) — callers must not hold onto it past
// their next call into the same Tunn. SrcAddr is only set for
// ResultWriteToTunnelV4/V6, carrying the plaintext packet's source address
// so the caller can run it through is_allowed_ip before delivery.
type Result struct {
	Kind    ResultKind
	Packet  []byte
	SrcAddr [16]byte // first 4 bytes significant for V4
	Err     error
}

var errConnectionExpired = errors.New("connection expired")

// ErrConnectionExpired reports whether err is the sentinel returned once a
// session has gone quiet past RejectAfterTime — callers treat it as silent,
// never logged (spec.md §4.3 "Timer tick").
func ErrConnectionExpired(err error) bool {
	return errors.Is(err, errConnectionExpired)
}

// RateLimiter is an opaque handle to whatever anti-DoS rate limiter the
// device has bound to the current static key pair. The tunnel package never
// calls into it — verification happens centrally, before a datagram is ever
// routed to a peer (spec.md §4.3 step 1) — but SetStaticPrivate still takes
// and stores one, exactly mirroring original_source's
// `set_static_identity_private_key` signature, so that the rate limiter and
// key pair are always replaced together.
type RateLimiter interface{}

// Tunn is one peer's Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s session: the
// handshake state machine, the current/previous/next transport key pairs,
// and the per-peer cookie generator. It knows nothing about TUN devices,
// UDP sockets, or the allowed-IP router — every dependency it needs is
// either passed into a call or set at construction, by design, to avoid the
// back-pointer cycles a peer->tunnel->peer reference would otherwise need
// (spec.md §4.3).
type Tunn struct {
	localStatic       NoisePrivateKey
	localStaticPublic NoisePublicKey

	handshake   handshake
	keypairs    keyPairs
	cookieGen   cookieGenerator
	rateLimiter RateLimiter

	timer timers

	// queuedPacket holds at most one plaintext packet staged while a
	// handshake is outstanding, drained by HandleVerifiedPacket(dst, nil) once a session
	// is ready (spec.md §4.3 step 6).
	queuedPacket []byte
}

// New constructs a Tunn for one peer. localIndex is the session index this
// peer's handshakes and transport messages will carry for their lifetime
// (spec.md §3, §4.4) — callers obtain it from the device's index allocator
// before constructing the peer.
func New(localPrivate NoisePrivateKey, remotePublic NoisePublicKey, presharedKey NoiseSymmetricKey, localIndex uint32, limiter RateLimiter) (*Tunn, error) {
	t := &Tunn{
		localStatic:       localPrivate,
		localStaticPublic: localPrivate.PublicKey(),
		rateLimiter:       limiter,
	}
	t.handshake.localIndex = localIndex
	t.handshake.remoteStatic = remotePublic
	t.handshake.presharedKey = presharedKey
	t.handshake.precomputedStaticStatic = localPrivate.sharedSecret(remotePublic)
	t.cookieGen.init(remotePublic)
	return t, nil
}

// SetStaticPrivate rebinds this peer's tunnel to a freshly rotated device
// key pair (spec.md §4.5 step 3). It fails — the "bad peer" case — when the
// new private key and this peer's static key produce a degenerate
// shared secret (a low-order Curve25519 point), which the caller must treat
// as grounds to remove the peer once rotation finishes.
func (t *Tunn) SetStaticPrivate(newPrivate NoisePrivateKey, newPublic NoisePublicKey, limiter RateLimiter) error {
	ss := newPrivate.sharedSecret(t.handshake.remoteStatic)
	var zero [NoisePublicKeySize]byte
	if NoisePublicKey(ss).Equals(NoisePublicKey(zero)) {
		return errors.New("degenerate shared secret for new static key")
	}
	t.localStatic = newPrivate
	t.localStaticPublic = newPublic
	t.handshake.precomputedStaticStatic = ss
	t.rateLimiter = limiter
	t.cookieGen.init(t.handshake.remoteStatic)
	t.keypairs = keyPairs{}
	t.handshake.state = handshakeZeroed
	return nil
}

// SetPresharedKey installs a new preshared key (spec.md §4.6
// "preshared_key"). The key is read when a handshake reaches its
// preshared-key step (building or consuming a response), so a handshake
// already in progress that has not reached that step uses the new key.
func (t *Tunn) SetPresharedKey(psk NoiseSymmetricKey) {
	t.handshake.presharedKey = psk
}

// ConsumeCookieReply decrypts a cookie-reply datagram sent in response to
// one of this peer's own handshake messages, caching the cookie so the next
// retransmission carries mac2 (spec.md §4.3's rate-limiter interaction).
func (t *Tunn) ConsumeCookieReply(datagram []byte) error {
	return t.cookieGen.consumeCookieReply(datagram)
}

// LocalIndex returns the session index this tunnel was constructed with,
// stable for the peer's entire lifetime.
func (t *Tunn) LocalIndex() uint32 {
	return t.handshake.localIndex
}

// Encapsulate turns one plaintext IP packet (or, if packet is empty, a
// keepalive) into a ciphertext transport message, initiating a handshake
// first if no session exists yet (spec.md §4.3 "Encapsulation path").
func (t *Tunn) Encapsulate(dst []byte, packet []byte) Result {
	return t.encapsulateLocked(dst, packet)
}

func (t *Tunn) encapsulateLocked(dst []byte, packet []byte) Result {
	kp := t.keypairs.current
	if kp == nil || timeNow().Sub(kp.created) > rejectAfterTime {
		t.queuedPacket = append(t.queuedPacket[:0], packet...)
		if t.handshake.state == handshakeInitiationCreated {
			return Result{Kind: ResultDone}
		}
		out, err := t.createInitiation()
		if err != nil {
			return Result{Kind: ResultErr, Err: err}
		}
		t.timer.lastSentHandshake = timeNow()
		t.timer.handshakeAttempts++
		n := copy(dst, out)
		return Result{Kind: ResultWriteToNetwork, Packet: dst[:n]}
	}

	out, err := t.seal(kp, dst, packet)
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.timer.lastSentPacket = timeNow()
	return Result{Kind: ResultWriteToNetwork, Packet: out}
}

func (t *Tunn) seal(kp *keyPair, dst []byte, packet []byte) ([]byte, error) {
	if kp.sendNonce >= rejectAfterMessages {
		return nil, errors.New("transport key pair exhausted, awaiting rekey")
	}
	nonce := kp.sendNonce
	kp.sendNonce++

	header := dst[:messageTransportHeaderSize]
	header[0] = messageTransportType
	binary.LittleEndian.PutUint32(header[offsetTransportReceiver:], kp.remoteIndex)
	binary.LittleEndian.PutUint64(header[offsetTransportCounter:], nonce)

	var nonceBytes [chachaNonceSize]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], nonce)

	out := kp.send.Seal(dst[:messageTransportHeaderSize], nonceBytes[:], packet, nil)
	return out, nil
}

// HandleVerifiedPacket handles one inbound UDP datagram once its owning peer has been
// identified, dispatching on the Noise message type byte
// (spec.md §4.3 "Decapsulation path" step 4, where it is named
// handle_verified_packet). Passing a nil datagram instead drains a single
// staged plaintext packet once a session has just become ready
// (spec.md §4.3 step 6); it returns ResultDone once nothing is left to send.
func (t *Tunn) HandleVerifiedPacket(dst []byte, datagram []byte) Result {
	if datagram == nil {
		return t.drainQueued(dst)
	}

	msgType, ok := PeekMessageType(datagram)
	if !ok {
		return Result{Kind: ResultErr, Err: errors.New("short datagram")}
	}

	switch msgType {
	case messageInitiationType:
		return t.handleInitiation(dst, datagram)
	case messageResponseType:
		return t.handleResponse(dst, datagram)
	case messageCookieReplyType:
		if err := t.ConsumeCookieReply(datagram); err != nil {
			return Result{Kind: ResultErr, Err: err}
		}
		return Result{Kind: ResultDone}
	case messageTransportType:
		return t.handleTransport(dst, datagram)
	default:
		return Result{Kind: ResultErr, Err: errors.New("unknown message type")}
	}
}

func (t *Tunn) drainQueued(dst []byte) Result {
	if t.queuedPacket == nil || t.keypairs.current == nil {
		return Result{Kind: ResultDone}
	}
	packet := t.queuedPacket
	t.queuedPacket = nil
	out, err := t.seal(t.keypairs.current, dst, packet)
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.timer.lastSentPacket = timeNow()
	return Result{Kind: ResultWriteToNetwork, Packet: out}
}

func (t *Tunn) handleInitiation(dst []byte, datagram []byte) Result {
	if err := t.consumeInitiation(datagram); err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	out, err := t.createResponse()
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	kp, err := t.deriveKeypair()
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.keypairs.rotate(kp)
	t.timer.sessionEstablished = timeNow()
	t.timer.handshakeAttempts = 0
	n := copy(dst, out)
	return Result{Kind: ResultWriteToNetwork, Packet: dst[:n]}
}

func (t *Tunn) handleResponse(dst []byte, datagram []byte) Result {
	if err := t.consumeResponse(datagram); err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	kp, err := t.deriveKeypair()
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.keypairs.rotate(kp)
	t.timer.sessionEstablished = timeNow()
	t.timer.handshakeAttempts = 0

	if t.queuedPacket != nil {
		return t.drainQueued(dst)
	}
	return Result{Kind: ResultDone}
}

func (t *Tunn) handleTransport(dst []byte, datagram []byte) Result {
	if len(datagram) < messageTransportHeaderSize+chacha20poly1305.Overhead {
		return Result{Kind: ResultErr, Err: errors.New("short transport message")}
	}
	receiver := binary.LittleEndian.Uint32(datagram[offsetTransportReceiver:])
	counter := binary.LittleEndian.Uint64(datagram[offsetTransportCounter:])

	kp := t.matchKeypair(receiver)
	if kp == nil {
		return Result{Kind: ResultErr, Err: errors.New("unknown transport key pair")}
	}

	var nonceBytes [chachaNonceSize]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], counter)

	content := datagram[messageTransportHeaderSize:]
	plaintext, err := kp.receive.Open(dst[:0], nonceBytes[:], content, nil)
	if err != nil {
		return Result{Kind: ResultErr, Err: errors.New("failed to authenticate transport message")}
	}
	if !kp.replayFilter.ValidateCounter(counter, rejectAfterMessages) {
		return Result{Kind: ResultErr, Err: errors.New("replayed transport message")}
	}

	t.timer.lastReceivedPacket = timeNow()
	if kp == t.keypairs.next {
		t.keypairs.confirmNext()
	}

	if len(plaintext) == 0 {
		return Result{Kind: ResultDone}
	}

	switch plaintext[0] >> 4 {
	case 4:
		var r Result
		r.Kind = ResultWriteToTunnelV4
		r.Packet = plaintext
		copy(r.SrcAddr[:4], plaintext[12:16])
		return r
	case 6:
		var r Result
		r.Kind = ResultWriteToTunnelV6
		r.Packet = plaintext
		copy(r.SrcAddr[:16], plaintext[8:24])
		return r
	default:
		return Result{Kind: ResultErr, Err: errors.New("invalid IP version in decrypted packet")}
	}
}

func (t *Tunn) matchKeypair(receiver uint32) *keyPair {
	kp := &t.keypairs
	switch {
	case kp.current != nil && kp.current.localIndex == receiver:
		return kp.current
	case kp.previous != nil && kp.previous.localIndex == receiver:
		return kp.previous
	case kp.next != nil && kp.next.localIndex == receiver:
		return kp.next
	default:
		return nil
	}
}

// rejectAfterMessages bounds the transport counter per Noise's key-reuse
// limit, matching the teacher's constant.
const rejectAfterMessages = ^uint64(0) - (1 << 13)
