/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"golang.zx2c4.com/wireguard-engine/tai64n"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chachaNonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	initialHash = mixHash(initialChainKey, []byte(wgIdentifier))
}

// handshake holds the in-progress Noise_IKpsk2 state for one peer. It is
// always accessed under the owning peer's lock (spec.md §4.3), so it has no
// mutex of its own.
type handshake struct {
	state        handshakeState
	hash         [blake2s.Size]byte
	chainKey     [blake2s.Size]byte
	presharedKey NoiseSymmetricKey

	localEphemeral NoisePrivateKey
	localIndex     uint32 // fixed for the peer's lifetime, per spec.md §3
	remoteIndex    uint32

	remoteStatic    NoisePublicKey
	remoteEphemeral NoisePublicKey

	precomputedStaticStatic [NoisePublicKeySize]byte
	lastTimestamp           tai64n.Timestamp
}

// ParseInitiationAnonymous decrypts just the static-key field of a handshake
// initiation using only the device's own static keypair, with no
// peer-specific secret — this is what lets the device identify the owning
// peer before it knows which peer object to lock (spec.md §4.3 step 2,
// "handshake-init → anonymous-handshake-parse"). The full handshake chain
// (including the replay-guarded timestamp, which needs a peer-specific
// precomputed secret) is re-derived once the peer is found, inside
// Tunn.consumeInitiation.
func ParseInitiationAnonymous(datagram []byte, devicePrivate NoisePrivateKey, devicePublic NoisePublicKey) (remoteStatic NoisePublicKey, err error) {
	msg, ok := unmarshalInitiation(datagram)
	if !ok {
		return remoteStatic, errors.New("invalid initiation message")
	}

	hash := mixHash(initialHash, devicePublic[:])
	hash = mixHash(hash, msg.ephemeral[:])
	chainKey := kdf1(initialChainKey[:], msg.ephemeral[:])

	ss := devicePrivate.sharedSecret(msg.ephemeral)
	_, key := kdf2(chainKey[:], ss[:])

	aead, _ := chacha20poly1305.New(key[:])
	var peerPK [NoisePublicKeySize]byte
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.static[:], hash[:]); err != nil {
		return remoteStatic, errors.New("failed to decrypt static key")
	}
	return NoisePublicKey(peerPK), nil
}

// consumeInitiation fully validates an incoming handshake initiation against
// this peer's own state: it re-derives the handshake chain (cheap relative
// to the network round-trip it replaces), checks the remote static key
// matches this peer's configured identity, decrypts the replay-guarded
// timestamp, and — only if every step holds — advances the handshake state
// so a response can be built.
func (t *Tunn) consumeInitiation(datagram []byte) error {
	msg, ok := unmarshalInitiation(datagram)
	if !ok {
		return errors.New("invalid initiation message")
	}

	h := &t.handshake

	hash := mixHash(initialHash, t.localStaticPublic[:])
	hash = mixHash(hash, msg.ephemeral[:])
	chainKey := kdf1(initialChainKey[:], msg.ephemeral[:])

	ss := t.localStatic.sharedSecret(msg.ephemeral)
	chainKey, key := kdf2(chainKey[:], ss[:])

	var peerPK NoisePublicKey
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.static[:], hash[:]); err != nil {
		return errors.New("failed to decrypt static key")
	}
	if !peerPK.Equals(h.remoteStatic) {
		return errors.New("initiation static key does not match configured peer")
	}
	hash = mixHash(hash, msg.static[:])

	chainKey, key = kdf2(chainKey[:], h.precomputedStaticStatic[:])
	var timestamp tai64n.Timestamp
	aead, _ = chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.timestamp[:], hash[:]); err != nil {
		return errors.New("failed to decrypt timestamp")
	}
	hash = mixHash(hash, msg.timestamp[:])

	if !timestamp.After(h.lastTimestamp) {
		return errors.New("stale or replayed handshake initiation")
	}

	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.sender
	h.remoteEphemeral = msg.ephemeral
	h.lastTimestamp = timestamp
	h.state = handshakeInitiationConsumed
	return nil
}

// createInitiation builds a fresh handshake initiation message, assigning a
// new ephemeral key and resetting the chain from scratch. localIndex is
// fixed for the peer's lifetime (spec.md §3/§4.4) and reused verbatim.
func (t *Tunn) createInitiation() ([]byte, error) {
	h := &t.handshake

	var err error
	h.hash = initialHash
	h.chainKey = initialChainKey
	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}

	h.mixHash(h.remoteStatic[:])

	msg := messageInitiation{
		sender:    h.localIndex,
		ephemeral: h.localEphemeral.PublicKey(),
	}
	h.mixKey(msg.ephemeral[:])
	h.mixHash(msg.ephemeral[:])

	ss := h.localEphemeral.sharedSecret(h.remoteStatic)
	var key [chachaKeySize]byte
	h.chainKey, key = kdf2(h.chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.static[:0], zeroNonce[:], t.localStatic.PublicKey()[:], h.hash[:])
	h.mixHash(msg.static[:])

	timestamp := tai64n.Now()
	h.chainKey, key = kdf2(h.chainKey[:], h.precomputedStaticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.timestamp[:0], zeroNonce[:], timestamp[:], h.hash[:])
	h.mixHash(msg.timestamp[:])

	h.state = handshakeInitiationCreated

	out := marshalInitiation(&msg)
	t.cookieGen.addMacs(out)
	return out, nil
}

// createResponse builds a handshake response to a just-consumed initiation.
func (t *Tunn) createResponse() ([]byte, error) {
	h := &t.handshake
	if h.state != handshakeInitiationConsumed {
		return nil, errors.New("handshake initiation must be consumed first")
	}

	msg := messageResponse{
		sender:   h.localIndex,
		receiver: h.remoteIndex,
	}

	var err error
	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.ephemeral = h.localEphemeral.PublicKey()
	h.mixHash(msg.ephemeral[:])
	h.mixKey(msg.ephemeral[:])

	ss := h.localEphemeral.sharedSecret(h.remoteEphemeral)
	h.mixKey(ss[:])
	ss = h.localEphemeral.sharedSecret(h.remoteStatic)
	h.mixKey(ss[:])

	var tau [blake2s.Size]byte
	var key [chachaKeySize]byte
	h.chainKey, tau, key = kdf3(h.chainKey[:], h.presharedKey[:])
	h.mixHash(tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.empty[:0], zeroNonce[:], nil, h.hash[:])
	h.mixHash(msg.empty[:])

	h.state = handshakeResponseCreated

	out := marshalResponse(&msg)
	t.cookieGen.addMacs(out)
	return out, nil
}

// consumeResponse finishes the handshake on the initiator side after
// receiving the responder's message.
func (t *Tunn) consumeResponse(datagram []byte) error {
	msg, ok := unmarshalResponse(datagram)
	if !ok {
		return errors.New("invalid response message")
	}
	h := &t.handshake
	if h.state != handshakeInitiationCreated {
		return errors.New("no pending initiation to consume a response for")
	}

	hash := mixHash(h.hash, msg.ephemeral[:])
	chainKey := kdf1(h.chainKey[:], msg.ephemeral[:])

	ss := h.localEphemeral.sharedSecret(msg.ephemeral)
	chainKey = kdf1(chainKey[:], ss[:])
	ss = t.localStatic.sharedSecret(msg.ephemeral)
	chainKey = kdf1(chainKey[:], ss[:])

	var tau [blake2s.Size]byte
	var key [chachaKeySize]byte
	chainKey, tau, key = kdf3(chainKey[:], h.presharedKey[:])
	hash = mixHash(hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.empty[:], hash[:]); err != nil {
		return errors.New("failed to authenticate handshake response")
	}
	hash = mixHash(hash, msg.empty[:])

	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.sender
	h.state = handshakeResponseConsumed
	return nil
}

func (h *handshake) mixHash(data []byte) {
	h.hash = mixHash(h.hash, data)
}

func (h *handshake) mixKey(data []byte) {
	h.chainKey = kdf1(h.chainKey[:], data)
}

// deriveKeypair turns a completed handshake into a fresh transport keypair,
// zeroing the ephemeral handshake material in the process (spec.md §4.5
// implicitly relies on stale handshake state never lingering past rekey).
func (t *Tunn) deriveKeypair() (*keyPair, error) {
	h := &t.handshake

	var sendKey, recvKey [chachaKeySize]byte
	var isInitiator bool

	switch h.state {
	case handshakeResponseConsumed:
		sendKey, recvKey = kdf2(h.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		recvKey, sendKey = kdf2(h.chainKey[:], nil)
		isInitiator = false
	default:
		return nil, errors.New("handshake not complete")
	}

	h.chainKey = [blake2s.Size]byte{}
	h.localEphemeral = NoisePrivateKey{}
	h.state = handshakeZeroed

	kp := &keyPair{
		isInitiator: isInitiator,
		localIndex:  t.handshake.localIndex,
		remoteIndex: h.remoteIndex,
	}
	kp.send, _ = chacha20poly1305.New(sendKey[:])
	kp.receive, _ = chacha20poly1305.New(recvKey[:])
	kp.created = timeNow()
	return kp, nil
}
