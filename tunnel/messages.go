/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
)

// Wire message layouts, little-endian throughout, matching the
// Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s construction WireGuard uses. These
// are the four message kinds the UDP transport dispatches on by their
// leading type byte (spec.md §4.3).

type messageInitiation struct {
	sender    uint32
	ephemeral NoisePublicKey
	static    [NoisePublicKeySize + poly1305.TagSize]byte
	timestamp [tai64nSize + poly1305.TagSize]byte
	mac1      [blake2sMac128Size]byte
	mac2      [blake2sMac128Size]byte
}

type messageResponse struct {
	sender    uint32
	receiver  uint32
	ephemeral NoisePublicKey
	empty     [poly1305.TagSize]byte
	mac1      [blake2sMac128Size]byte
	mac2      [blake2sMac128Size]byte
}

const (
	tai64nSize         = 12
	blake2sMac128Size  = 16
	blake2sHashSize    = 32
	chachaKeySize      = chacha20poly1305.KeySize
	chachaNonceSize    = chacha20poly1305.NonceSize
)

func marshalInitiation(msg *messageInitiation) []byte {
	buf := make([]byte, messageInitiationSize)
	buf[0] = messageInitiationType
	binary.LittleEndian.PutUint32(buf[4:8], msg.sender)
	copy(buf[8:40], msg.ephemeral[:])
	copy(buf[40:40+len(msg.static)], msg.static[:])
	off := 40 + len(msg.static)
	copy(buf[off:off+len(msg.timestamp)], msg.timestamp[:])
	off += len(msg.timestamp)
	copy(buf[off:off+16], msg.mac1[:])
	copy(buf[off+16:off+32], msg.mac2[:])
	return buf
}

func unmarshalInitiation(b []byte) (*messageInitiation, bool) {
	if len(b) != messageInitiationSize || b[0] != messageInitiationType {
		return nil, false
	}
	msg := new(messageInitiation)
	msg.sender = binary.LittleEndian.Uint32(b[4:8])
	copy(msg.ephemeral[:], b[8:40])
	copy(msg.static[:], b[40:40+len(msg.static)])
	off := 40 + len(msg.static)
	copy(msg.timestamp[:], b[off:off+len(msg.timestamp)])
	off += len(msg.timestamp)
	copy(msg.mac1[:], b[off:off+16])
	copy(msg.mac2[:], b[off+16:off+32])
	return msg, true
}

func marshalResponse(msg *messageResponse) []byte {
	buf := make([]byte, messageResponseSize)
	buf[0] = messageResponseType
	binary.LittleEndian.PutUint32(buf[4:8], msg.sender)
	binary.LittleEndian.PutUint32(buf[8:12], msg.receiver)
	copy(buf[12:44], msg.ephemeral[:])
	copy(buf[44:44+poly1305.TagSize], msg.empty[:])
	off := 44 + poly1305.TagSize
	copy(buf[off:off+16], msg.mac1[:])
	copy(buf[off+16:off+32], msg.mac2[:])
	return buf
}

func unmarshalResponse(b []byte) (*messageResponse, bool) {
	if len(b) != messageResponseSize || b[0] != messageResponseType {
		return nil, false
	}
	msg := new(messageResponse)
	msg.sender = binary.LittleEndian.Uint32(b[4:8])
	msg.receiver = binary.LittleEndian.Uint32(b[8:12])
	copy(msg.ephemeral[:], b[12:44])
	copy(msg.empty[:], b[44:44+poly1305.TagSize])
	off := 44 + poly1305.TagSize
	copy(msg.mac1[:], b[off:off+16])
	copy(msg.mac2[:], b[off+16:off+32])
	return msg, true
}

// receiverIndex reads the 32-bit little-endian receiver index field shared
// by response, cookie-reply, and transport messages, given the type byte
// already inspected by the caller. Per spec.md §4.3/§4.4, the device only
// ever uses the high 24 bits of this value to look up peers_by_index.
func receiverIndex(msgType byte, b []byte) (uint32, bool) {
	var off int
	switch msgType {
	case messageResponseType:
		off = offsetResponseReceiver
	case messageCookieReplyType:
		off = offsetCookieReplyReceiver
	case messageTransportType:
		off = offsetTransportReceiver
	default:
		return 0, false
	}
	if len(b) < off+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[off : off+4]), true
}

// PeekMessageType returns the leading type byte of a datagram, or false if
// the datagram is too short to contain one.
func PeekMessageType(b []byte) (byte, bool) {
	if len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

// ReceiverIndex exposes receiverIndex to the device package: it extracts the
// 32-bit receiver field from a response, cookie-reply, or transport datagram
// without needing to fully parse or authenticate the message.
func ReceiverIndex(datagram []byte) (uint32, bool) {
	t, ok := PeekMessageType(datagram)
	if !ok {
		return 0, false
	}
	return receiverIndex(t, datagram)
}
