/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoiseSymmetricKey [NoiseSymmetricKeySize]byte
)

func (key *NoisePrivateKey) FromHex(s string) error {
	slice, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(slice) != NoisePrivateKeySize {
		return errors.New("invalid length of hex string for curve25519 scalar")
	}
	copy(key[:], slice)
	return nil
}

func (key NoisePrivateKey) ToHex() string {
	return hex.EncodeToString(key[:])
}

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return subtle.ConstantTimeCompare(zero[:], key[:]) == 1
}

func (key NoisePrivateKey) Equals(other NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], other[:]) == 1
}

func (key *NoisePublicKey) FromHex(s string) error {
	slice, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(slice) != NoisePublicKeySize {
		return errors.New("invalid length of hex string for curve25519 point")
	}
	copy(key[:], slice)
	return nil
}

func (key NoisePublicKey) ToHex() string {
	return hex.EncodeToString(key[:])
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return subtle.ConstantTimeCompare(zero[:], key[:]) == 1
}

func (key NoisePublicKey) Equals(other NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], other[:]) == 1
}

func (key *NoiseSymmetricKey) FromHex(s string) error {
	slice, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(slice) != NoiseSymmetricKeySize {
		return errors.New("invalid length of hex string for symmetric key")
	}
	copy(key[:], slice)
	return nil
}

// NewPrivateKey generates a fresh, clamped X25519 scalar.
func NewPrivateKey() (sk NoisePrivateKey, err error) {
	_, err = rand.Read(sk[:])
	if err != nil {
		return
	}
	// clamping, per https://cr.yp.to/ecdh.html
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	return
}

func (sk NoisePrivateKey) PublicKey() (pk NoisePublicKey) {
	curve25519.ScalarBaseMult((*[32]byte)(&pk), (*[32]byte)(&sk))
	return
}

func (sk NoisePrivateKey) sharedSecret(pk NoisePublicKey) (ss [NoisePublicKeySize]byte) {
	curve25519.ScalarMult(&ss, (*[32]byte)(&sk), (*[32]byte)(&pk))
	return
}

/* HMAC-based KDF, RFC 5869, instantiated over BLAKE2s as the teacher does. */

func hmacBlake2s(sum *[blake2s.Size]byte, key, input []byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	mac.Write(input)
	mac.Sum(sum[:0])
}

func kdf1(key, input []byte) (t0 [blake2s.Size]byte) {
	hmacBlake2s(&t0, key, input)
	hmacBlake2s(&t0, t0[:], []byte{0x1})
	return
}

func kdf2(key, input []byte) (t0, t1 [blake2s.Size]byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(&t0, prk[:], []byte{0x1})
	hmacBlake2s(&t1, prk[:], append(append([]byte{}, t0[:]...), 0x2))
	return
}

func kdf3(key, input []byte) (t0, t1, t2 [blake2s.Size]byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(&t0, prk[:], []byte{0x1})
	hmacBlake2s(&t1, prk[:], append(append([]byte{}, t0[:]...), 0x2))
	hmacBlake2s(&t2, prk[:], append(append([]byte{}, t1[:]...), 0x3))
	return
}

func mixHash(h [blake2s.Size]byte, data []byte) [blake2s.Size]byte {
	return blake2s.Sum256(append(h[:], data...))
}
