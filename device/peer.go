/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard-engine/tunnel"
)

// Peer is one entry of a device's configuration: a remote public key, the
// tunnel state machine that speaks for it, its last-known network endpoint
// and the set of addresses routed to it. Every operation that touches the
// tunnel's internal state takes peer.mutex first, so handshake completion,
// encryption and timer expiry never interleave for the same peer (spec.md
// §4.3, §5).
type Peer struct {
	mutex sync.Mutex

	device    *Device
	tunn      *tunnel.Tunn
	publicKey tunnel.NoisePublicKey

	endpoint struct {
		mutex sync.RWMutex
		addr  *net.UDPAddr
	}

	stats struct {
		txBytes           uint64 // bytes sent to peer
		rxBytes           uint64 // bytes received from peer
		lastHandshakeNano int64  // nanoseconds since epoch
	}

	persistentKeepaliveInterval atomic.Uint32 // seconds; 0 disables
}

// NewPeer registers pk as a new peer of device, pre-computing its session
// index and handshake state. It returns an error if pk is already
// configured or the device has been closed.
func (device *Device) NewPeer(pk tunnel.NoisePublicKey) (*Peer, error) {
	if device.isClosed() {
		return nil, errors.New("device closed")
	}

	device.staticIdentity.RLock()
	privateKey := device.staticIdentity.privateKey
	psk := device.staticIdentity.presharedKeys[pk]
	device.staticIdentity.RUnlock()

	device.peers.Lock()
	defer device.peers.Unlock()

	if _, ok := device.peers.byKey[pk]; ok {
		return nil, errors.New("adding existing peer")
	}
	if len(device.peers.byKey) >= MaxPeers {
		return nil, errors.New("too many peers")
	}

	peer := &Peer{
		device:    device,
		publicKey: pk,
	}

	localIndex := device.indexTable.NewIndex(peer)
	tunn, err := tunnel.New(privateKey, pk, psk, localIndex, device.rateLimiter)
	if err != nil {
		device.indexTable.Delete(localIndex)
		return nil, fmt.Errorf("initializing tunnel state: %w", err)
	}
	peer.tunn = tunn

	device.peers.byKey[pk] = peer
	return peer, nil
}

// String returns a short identifier suitable for log lines.
func (peer *Peer) String() string {
	key := base64.StdEncoding.EncodeToString(peer.publicKey[:])
	abbreviated := "invalid"
	if len(key) == 44 {
		abbreviated = key[0:4] + "…" + key[39:43]
	}
	if addr := peer.Endpoint(); addr != nil {
		return fmt.Sprintf("peer(%s, %s)", abbreviated, addr)
	}
	return fmt.Sprintf("peer(%s, unknown)", abbreviated)
}

// Endpoint returns the peer's last-known network address, or nil if none
// has been learned yet.
func (peer *Peer) Endpoint() *net.UDPAddr {
	peer.endpoint.mutex.RLock()
	defer peer.endpoint.mutex.RUnlock()
	return peer.endpoint.addr
}

// SetEndpoint records addr as the peer's current network endpoint. It is
// called both from explicit configuration and from roaming: a peer whose
// handshake or transport traffic arrives from a new source updates here
// (spec.md §4.1).
func (peer *Peer) SetEndpoint(addr *net.UDPAddr) {
	peer.endpoint.mutex.Lock()
	defer peer.endpoint.mutex.Unlock()
	peer.endpoint.addr = addr
}

func (peer *Peer) SetPersistentKeepalive(interval time.Duration) {
	peer.persistentKeepaliveInterval.Store(uint32(interval / time.Second))
	peer.mutex.Lock()
	peer.tunn.SetPersistentKeepalive(interval)
	peer.mutex.Unlock()
}

// SetPresharedKey installs psk into this peer's already-constructed tunnel,
// serialized against any concurrent handshake or timer activity the same
// way every other tunnel call is (spec.md §4.6 "preshared_key").
func (peer *Peer) SetPresharedKey(psk tunnel.NoiseSymmetricKey) {
	peer.mutex.Lock()
	peer.tunn.SetPresharedKey(psk)
	peer.mutex.Unlock()
}

func (peer *Peer) markRecvActivity(n int) {
	atomic.AddUint64(&peer.stats.rxBytes, uint64(n))
}

func (peer *Peer) markSendActivity(n int) {
	atomic.AddUint64(&peer.stats.txBytes, uint64(n))
}

func (peer *Peer) markHandshakeComplete() {
	atomic.StoreInt64(&peer.stats.lastHandshakeNano, time.Now().UnixNano())
}

func (peer *Peer) lastHandshakeTime() time.Time {
	nano := atomic.LoadInt64(&peer.stats.lastHandshakeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// SendBuffer hands an already-encoded datagram to the device's bind,
// addressed to this peer's current endpoint.
func (peer *Peer) SendBuffer(buffer []byte) error {
	addr := peer.Endpoint()
	if addr == nil {
		return errors.New("no known endpoint for peer")
	}
	bind := peer.device.Bind()
	if bind == nil {
		return errors.New("no bind")
	}
	err := bind.Send(buffer, addr)
	if err == nil {
		peer.markSendActivity(len(buffer))
	}
	return err
}

// Encapsulate wraps an outbound plaintext packet (or, if packet is nil, a
// keepalive), serializing against any concurrent handshake or timer activity
// on this peer. With no live session the tunnel stages the packet and
// returns a handshake-initiation datagram instead.
func (peer *Peer) Encapsulate(dst, packet []byte) tunnel.Result {
	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	return peer.tunn.Encapsulate(dst, packet)
}

// HandleVerifiedPacket feeds a datagram that has already passed anonymous
// mac verification (spec.md §4.3 step 1) into this peer's tunnel.
func (peer *Peer) HandleVerifiedPacket(dst, datagram []byte) tunnel.Result {
	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	return peer.tunn.HandleVerifiedPacket(dst, datagram)
}

// UpdateTimers drives this peer's retry, rekey and keepalive schedule
// forward by one tick of the device's timer loop (spec.md §4.3 step 4).
func (peer *Peer) UpdateTimers(dst []byte) tunnel.Result {
	peer.mutex.Lock()
	defer peer.mutex.Unlock()
	return peer.tunn.UpdateTimers(dst)
}

// isAllowedIP reports whether ip falls within one of the CIDR ranges this
// peer's configuration routes — the source-address check spec.md §4.2
// requires before accepting a decrypted packet as genuinely from peer.
func (peer *Peer) isAllowedIP(router *Router, ip net.IP) bool {
	var owner *Peer
	switch len(ip) {
	case net.IPv4len:
		owner = router.LookupIPv4(ip)
	case net.IPv6len:
		owner = router.LookupIPv6(ip)
	default:
		return false
	}
	return owner == peer
}

// RemovePeer deletes pk's peer from the device, releasing its session
// index and any routed allowed-IP entries (spec.md §4.2).
func (device *Device) RemovePeer(pk tunnel.NoisePublicKey) {
	device.peers.Lock()
	peer, ok := device.peers.byKey[pk]
	if ok {
		delete(device.peers.byKey, pk)
	}
	device.peers.Unlock()
	if !ok {
		return
	}
	device.removePeerLocked(peer)
}

func (device *Device) removePeerLocked(peer *Peer) {
	device.router.RemoveByPeer(peer)
	peer.mutex.Lock()
	idx := peer.tunn.LocalIndex()
	peer.mutex.Unlock()
	device.indexTable.Delete(idx)
}

// RemoveAllPeers clears every configured peer, used when a WireGuard
// interface is reset via the configuration protocol (spec.md §4.6).
func (device *Device) RemoveAllPeers() {
	device.peers.Lock()
	peers := device.peers.byKey
	device.peers.byKey = make(map[tunnel.NoisePublicKey]*Peer)
	device.peers.Unlock()

	for _, peer := range peers {
		device.removePeerLocked(peer)
	}
}
