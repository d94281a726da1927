/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv6"
	"golang.org/x/sync/semaphore"

	"golang.zx2c4.com/wireguard-engine/conn"
	"golang.zx2c4.com/wireguard-engine/ipc"
	"golang.zx2c4.com/wireguard-engine/ipheader"
	"golang.zx2c4.com/wireguard-engine/ratelimiter"
	"golang.zx2c4.com/wireguard-engine/tun"
	"golang.zx2c4.com/wireguard-engine/tunnel"
)

// handshakeFanoutLimit bounds how many inbound datagrams are being handled
// at once. The UDP receive task hands each datagram to its own goroutine
// (rate-limiter verification, peer lookup and dispatch); it acquires the
// semaphore before spawning one, so once this many are in flight the
// receive loop blocks instead of spawning goroutines unboundedly.
const handshakeFanoutLimit = 1 << 8

// Device is the whole engine: one TUN interface, one UDP transport, a set
// of configured peers, the allowed-IP router and the control-plane socket,
// driven by a handful of long-lived goroutines: the orchestrator (timer and
// rate-limiter ticks), the TUN reader, the TUN event reader, the
// control-plane acceptor, and one UDP receive task per bind. It is grounded on the teacher's legacy,
// single-loop src/device.go rather than its modern worker-pool device.go —
// that is the shape this repo's orchestrator follows.
type Device struct {
	log *Logger

	tun struct {
		device tun.TUNDevice
		mtu    atomic.Int32
	}

	staticIdentity struct {
		sync.RWMutex
		privateKey    tunnel.NoisePrivateKey
		publicKey     tunnel.NoisePublicKey
		presharedKeys map[tunnel.NoisePublicKey]tunnel.NoiseSymmetricKey
	}

	peers struct {
		sync.RWMutex
		byKey map[tunnel.NoisePublicKey]*Peer
	}

	indexTable *IndexTable
	router     *Router

	rateLimiterMu sync.RWMutex
	rateLimiter   *ratelimiter.Limiter

	net struct {
		sync.RWMutex
		bind       conn.Bind
		port       uint16
		fwmark     uint32
		handshakeSem *semaphore.Weighted
	}

	pool *bufferPool

	tunWriteMu sync.Mutex

	state struct {
		stopping sync.WaitGroup
		mu       sync.Mutex
		closed   bool
	}
	closeSignal chan struct{}

	uapiListener net.Listener
}

// NewDevice constructs a Device bound to tunDevice, with logging at level
// and no configured key pair, peers, or listen port yet — those are all set
// through the control-plane protocol (spec.md §4.6), matching the
// teacher's own "construct empty, configure via IPC" lifecycle.
func NewDevice(tunDevice tun.TUNDevice, logLevel int, name string) (*Device, error) {
	device := new(Device)
	device.log = NewLogger(logLevel, fmt.Sprintf("(%s) ", name))
	device.tun.device = tunDevice
	device.pool = newBufferPool()
	device.closeSignal = make(chan struct{})

	device.staticIdentity.presharedKeys = make(map[tunnel.NoisePublicKey]tunnel.NoiseSymmetricKey)
	device.peers.byKey = make(map[tunnel.NoisePublicKey]*Peer)
	device.router = &Router{}
	device.net.handshakeSem = semaphore.NewWeighted(handshakeFanoutLimit)

	indexTable, err := NewIndexTable()
	if err != nil {
		return nil, fmt.Errorf("building index table: %w", err)
	}
	device.indexTable = indexTable

	mtu := DefaultMTU
	if m, err := tunDevice.MTU(); err == nil && m > 0 {
		mtu = m
	}
	device.tun.mtu.Store(int32(clampMTU(mtu)))

	return device, nil
}

// clampMTU enforces the protocol minimums spec.md §1 alludes to ("MTU
// discovery beyond reading the interface MTU once at startup" is a
// Non-goal, but an obviously broken reading is still not installed
// verbatim): no smaller than the IPv6 minimum link MTU, and no larger than
// this device can ever encapsulate. ipv6.HeaderLen (golang.org/x/net), the
// larger of the two per-family headers, stands in for the header overhead an
// encapsulated packet must still fit under.
func clampMTU(mtu int) int {
	if mtu < ipv6MinimumMTU {
		mtu = ipv6MinimumMTU
	}
	if mtu+messageTransportOverhead > MaxMessageSize {
		mtu = MaxMessageSize - messageTransportOverhead
	}
	return mtu
}

// ipv6MinimumMTU is RFC 8200's link MTU floor; below it, packets this
// device would still accept from the TUN could never fit a v6 frame.
const ipv6MinimumMTU = 1280

// messageTransportOverhead is the encapsulation overhead added on top of a
// plaintext packet: ipv6.HeaderLen (40), used for both families, plus the
// Noise transport header and AEAD tag.
var messageTransportOverhead = ipv6.HeaderLen + 16 + 16

func (device *Device) isClosed() bool {
	device.state.mu.Lock()
	defer device.state.mu.Unlock()
	return device.state.closed
}

// Bind returns the device's current UDP bind, or nil if no listen port has
// been configured yet.
func (device *Device) Bind() conn.Bind {
	device.net.RLock()
	defer device.net.RUnlock()
	return device.net.bind
}

// Up opens the control-plane listener at the given interface name and
// starts the orchestrator, the TUN reader, the TUN event reader and the
// control-plane acceptor. The UDP receive task is not started here;
// BindUpdate starts one for each bind it installs.
func (device *Device) Up(name string) error {
	file, err := ipc.UAPIOpen(name)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return fmt.Errorf("wrapping control socket: %w", err)
	}
	if unixListener, ok := listener.(*net.UnixListener); ok {
		unixListener.SetUnlinkOnClose(true)
	}
	device.uapiListener = listener

	device.state.stopping.Add(1)
	go device.RoutineTUNEventReader()
	device.state.stopping.Add(1)
	go device.RoutineReadFromTUN()
	device.state.stopping.Add(1)
	go device.routineAcceptUAPI()
	device.state.stopping.Add(1)
	go device.routineOrchestrator()

	return nil
}

// Close tears the device down: every peer is removed, the control socket
// unlinked, the UDP bind and TUN device closed, and the shutdown broadcast
// fires so every subscribed task exits (spec.md §5 "Cancellation").
func (device *Device) Close() {
	device.state.mu.Lock()
	if device.state.closed {
		device.state.mu.Unlock()
		return
	}
	device.state.closed = true
	device.state.mu.Unlock()

	device.RemoveAllPeers()

	if device.uapiListener != nil {
		device.uapiListener.Close()
	}

	device.net.Lock()
	if device.net.bind != nil {
		device.net.bind.Close()
		device.net.bind = nil
	}
	device.net.Unlock()

	device.rateLimiterMu.Lock()
	if device.rateLimiter != nil {
		device.rateLimiter.Close()
		device.rateLimiter = nil
	}
	device.rateLimiterMu.Unlock()

	device.tun.device.Close()
	close(device.closeSignal)
	device.state.stopping.Wait()
}

// Wait blocks until Close has fully drained every orchestrator goroutine.
func (device *Device) Wait() {
	device.state.stopping.Wait()
}

// SetPrivateKey installs sk as the device's static identity, rekeying every
// configured peer and rebuilding the rate limiter (spec.md §4.5). Peers
// whose rotation fails (a degenerate shared secret against the new key) are
// collected and removed through the ordinary peer-removal path once
// rotation completes, rather than left half-rotated — the "bad peer" case
// original_source leaves as an open TODO (spec.md §4.5 step 5, §9).
func (device *Device) SetPrivateKey(sk tunnel.NoisePrivateKey) error {
	publicKey := sk.PublicKey()

	device.staticIdentity.RLock()
	unchanged := publicKey.Equals(device.staticIdentity.publicKey) && !device.staticIdentity.privateKey.IsZero()
	device.staticIdentity.RUnlock()
	if unchanged {
		return nil
	}

	newLimiter := ratelimiter.New(publicKey)

	device.peers.RLock()
	peers := make([]*Peer, 0, len(device.peers.byKey))
	for _, peer := range device.peers.byKey {
		peers = append(peers, peer)
	}
	device.peers.RUnlock()

	var badPeers []*Peer
	for _, peer := range peers {
		peer.mutex.Lock()
		err := peer.tunn.SetStaticPrivate(sk, publicKey, newLimiter)
		peer.mutex.Unlock()
		if err != nil {
			device.log.Error.Printf("%v: bad static key pair on rotation, removing: %v", peer, err)
			badPeers = append(badPeers, peer)
		}
	}

	device.staticIdentity.Lock()
	device.staticIdentity.privateKey = sk
	device.staticIdentity.publicKey = publicKey
	device.staticIdentity.Unlock()

	device.rateLimiterMu.Lock()
	old := device.rateLimiter
	device.rateLimiter = newLimiter
	device.rateLimiterMu.Unlock()
	if old != nil {
		old.Close()
	}

	for _, peer := range badPeers {
		device.RemovePeer(peer.publicKey)
	}

	return nil
}

// BindUpdate atomically replaces the device's UDP bind with a fresh one on
// port (0 for ephemeral), spawning a new receive task and discarding the
// old bind only once the new one is installed (spec.md §4.7).
func (device *Device) BindUpdate(port uint16) error {
	device.net.Lock()
	defer device.net.Unlock()

	newBind := conn.NewStdNetBind()
	actualPort, err := newBind.Open(port)
	if err != nil {
		return fmt.Errorf("opening udp bind: %w", err)
	}
	if device.net.fwmark != 0 {
		if err := newBind.SetMark(device.net.fwmark); err != nil {
			device.log.Error.Printf("failed to set fwmark on new bind: %v", err)
		}
	}

	oldBind := device.net.bind
	device.net.bind = newBind
	device.net.port = actualPort

	device.state.stopping.Add(1)
	go device.routineReceiveIncoming(newBind)

	if oldBind != nil {
		oldBind.Close()
	}
	return nil
}

// BindSetMark sets the fwmark applied to every packet this device's bind
// sends, platform-conditional like the teacher's bindsocketshim (spec.md
// §4.7 "[DOMAIN] fwmark").
func (device *Device) BindSetMark(mark uint32) error {
	device.net.Lock()
	defer device.net.Unlock()
	device.net.fwmark = mark
	if device.net.bind == nil {
		return nil
	}
	return device.net.bind.SetMark(mark)
}

// routineOrchestrator is the single event loop spec.md §2 item 11 and §5
// describe: it multiplexes the timer tick, the rate-limiter reset tick, and
// the shutdown signal. The TUN read side and the control-plane listener run
// as their own goroutines (matching §5's task topology, which names the TUN
// receive side and the control listener as belonging to the orchestrator
// conceptually but does not require they share a single select — the
// teacher's legacy src/device.go likewise spreads these across dedicated
// Routine* goroutines rather than one monolithic select).
func (device *Device) routineOrchestrator() {
	defer device.state.stopping.Done()

	timerTicker := time.NewTicker(timerTickInterval)
	defer timerTicker.Stop()
	rateLimiterTicker := time.NewTicker(rateLimiterResetInterval)
	defer rateLimiterTicker.Stop()

	for {
		select {
		case <-device.closeSignal:
			return
		case <-timerTicker.C:
			device.tickTimers()
		case <-rateLimiterTicker.C:
			device.rateLimiterMu.RLock()
			if device.rateLimiter != nil {
				device.rateLimiter.ResetCount()
			}
			device.rateLimiterMu.RUnlock()
		}
	}
}

// tickTimers drives every peer's retry/rekey/keepalive schedule forward by
// one tick (spec.md §4.3 "Timer tick").
func (device *Device) tickTimers() {
	device.peers.RLock()
	peers := make([]*Peer, 0, len(device.peers.byKey))
	for _, peer := range device.peers.byKey {
		peers = append(peers, peer)
	}
	device.peers.RUnlock()

	for _, peer := range peers {
		buf := device.pool.Get()
		result := peer.UpdateTimers(buf[:0])
		device.dispatchTimerResult(peer, result)
		device.pool.Put(buf)
	}
}

func (device *Device) dispatchTimerResult(peer *Peer, result tunnel.Result) {
	switch result.Kind {
	case tunnel.ResultDone:
	case tunnel.ResultErr:
		if !tunnel.ErrConnectionExpired(result.Err) {
			device.log.Error.Printf("%v: timer error: %v", peer, result.Err)
		}
	case tunnel.ResultWriteToNetwork:
		if err := peer.SendBuffer(result.Packet); err != nil {
			device.log.Error.Printf("%v: failed to send timer packet: %v", peer, err)
		}
	default:
		panic("update_timers produced a plaintext-to-tunnel result")
	}
}

// RoutineReadFromTUN is the TUN→UDP forwarding path (spec.md §4.3
// "Encapsulation path"), grounded on the teacher's device/send.go outbound
// loop and tun/tun_linux.go's Read contract.
func (device *Device) RoutineReadFromTUN() {
	defer device.state.stopping.Done()

	for {
		select {
		case <-device.closeSignal:
			return
		default:
		}

		buf := device.pool.Get()
		n, err := device.tun.device.Read(buf[:], 0)
		if err != nil {
			select {
			case <-device.closeSignal:
				device.pool.Put(buf)
				return
			default:
			}
			device.log.Error.Printf("failed to read from tun device: %v", err)
			device.pool.Put(buf)
			continue
		}
		device.handleTUNPacket(buf[:n])
		device.pool.Put(buf)
	}
}

func (device *Device) handleTUNPacket(packet []byte) {
	header, err := ipheader.FromSlice(packet)
	if err != nil {
		device.log.Error.Printf("invalid packet read from tun: %v", err)
		return
	}
	if header.Version == 0 {
		return // keepalive: zero-length read
	}

	var peer *Peer
	switch header.Version {
	case 4:
		peer = device.router.LookupIPv4(header.Dst)
	case 6:
		peer = device.router.LookupIPv6(header.Dst)
	}
	if peer == nil {
		return // no route: silently dropped per spec.md §4.2
	}

	dst := device.pool.Get()
	result := peer.Encapsulate(dst[:0], packet)

	switch result.Kind {
	case tunnel.ResultWriteToNetwork:
		if err := peer.SendBuffer(result.Packet); err != nil {
			device.log.Error.Printf("%v: failed to send packet: %v", peer, err)
		}
	case tunnel.ResultDone:
	case tunnel.ResultErr:
		device.log.Error.Printf("%v: encapsulation error: %v", peer, result.Err)
	default:
		panic("encapsulate produced a non-network result")
	}
	device.pool.Put(dst)
}

// RoutineTUNEventReader relays TUN up/down/MTU events to the device's
// cached MTU, grounded on the teacher's tun event-channel consumer pattern.
func (device *Device) RoutineTUNEventReader() {
	defer device.state.stopping.Done()

	events := device.tun.device.Events()
	for {
		select {
		case <-device.closeSignal:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event&tun.TUNEventMTUUpdate != 0 {
				if mtu, err := device.tun.device.MTU(); err == nil && mtu > 0 {
					device.tun.mtu.Store(int32(clampMTU(mtu)))
				}
			}
		}
	}
}

// writeToTUN is the single-writer sink spec.md §5 "Single-writer TUN"
// requires: every inbound decapsulation path funnels its plaintext write
// through this one lock so a packet is never interleaved with another.
func (device *Device) writeToTUN(packet []byte) {
	device.tunWriteMu.Lock()
	defer device.tunWriteMu.Unlock()
	if _, err := device.tun.device.Write(packet, 0); err != nil {
		device.log.Error.Printf("failed to write packet to tun device: %v", err)
	}
}

// routineReceiveIncoming is the UDP receive task spec.md §5 item 2
// describes: it multiplexes v4 and v6 receive against the shared bind and
// exits once that bind is closed (the close path for a BindUpdate-replaced
// bind) or the device itself shuts down.
func (device *Device) routineReceiveIncoming(bind conn.Bind) {
	defer device.state.stopping.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-device.closeSignal:
			bind.Close()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	receive := func(recv func([]byte) (int, *net.UDPAddr, error)) {
		defer wg.Done()
		for {
			buf := device.pool.Get()
			n, addr, err := recv(buf[:])
			if err != nil {
				device.pool.Put(buf)
				return
			}
			if err := device.net.handshakeSem.Acquire(ctx, 1); err != nil {
				device.pool.Put(buf)
				return
			}
			go func(buf *[MaxMessageSize]byte, n int, addr *net.UDPAddr) {
				defer device.net.handshakeSem.Release(1)
				defer device.pool.Put(buf)
				device.handleInboundDatagram(bind, buf[:n], addr)
			}(buf, n, addr)
		}
	}

	wg.Add(2)
	go receive(bind.ReceiveIPv4)
	go receive(bind.ReceiveIPv6)
	wg.Wait()
}

// handleInboundDatagram is the UDP→TUN path (spec.md §4.3 "Decapsulation
// path").
func (device *Device) handleInboundDatagram(bind conn.Bind, datagram []byte, addr *net.UDPAddr) {
	device.rateLimiterMu.RLock()
	limiter := device.rateLimiter
	device.rateLimiterMu.RUnlock()

	if limiter != nil {
		cookieReply, err := limiter.VerifyAnonymous(datagram, addr)
		if err != nil {
			return
		}
		if cookieReply != nil {
			bind.Send(cookieReply, addr)
			return
		}
	}

	peer := device.lookupPeerForDatagram(datagram)
	if peer == nil {
		return
	}

	dst := device.pool.Get()
	result := peer.HandleVerifiedPacket(dst[:0], datagram)
	flush := device.dispatchDecapResult(peer, addr, result)
	device.pool.Put(dst)

	if flush {
		device.drainPending(peer)
	}
}

func (device *Device) lookupPeerForDatagram(datagram []byte) *Peer {
	msgType, ok := tunnel.PeekMessageType(datagram)
	if !ok {
		return nil
	}

	if msgType == tunnel.MessageInitiationType {
		device.staticIdentity.RLock()
		privateKey := device.staticIdentity.privateKey
		publicKey := device.staticIdentity.publicKey
		device.staticIdentity.RUnlock()

		remoteStatic, err := tunnel.ParseInitiationAnonymous(datagram, privateKey, publicKey)
		if err != nil {
			return nil
		}
		device.peers.RLock()
		peer := device.peers.byKey[remoteStatic]
		device.peers.RUnlock()
		return peer
	}

	receiver, ok := tunnel.ReceiverIndex(datagram)
	if !ok {
		return nil
	}
	return device.indexTable.Lookup(receiver)
}

func (device *Device) dispatchDecapResult(peer *Peer, addr *net.UDPAddr, result tunnel.Result) (flush bool) {
	switch result.Kind {
	case tunnel.ResultDone:
	case tunnel.ResultErr:
		if !tunnel.ErrConnectionExpired(result.Err) {
			device.log.Error.Printf("%v: decapsulation error: %v", peer, result.Err)
		}
	case tunnel.ResultWriteToNetwork:
		peer.SetEndpoint(addr)
		if err := peer.SendBuffer(result.Packet); err != nil {
			device.log.Error.Printf("%v: failed to send handshake reply: %v", peer, err)
		}
		flush = true
	case tunnel.ResultWriteToTunnelV4:
		if peer.isAllowedIP(device.router, net.IP(result.SrcAddr[:4])) {
			peer.SetEndpoint(addr)
			peer.markRecvActivity(len(result.Packet))
			device.writeToTUN(result.Packet)
		}
	case tunnel.ResultWriteToTunnelV6:
		if peer.isAllowedIP(device.router, net.IP(result.SrcAddr[:16])) {
			peer.SetEndpoint(addr)
			peer.markRecvActivity(len(result.Packet))
			device.writeToTUN(result.Packet)
		}
	}
	return flush
}

// drainPending repeatedly asks peer's tunnel for any plaintext packet
// staged while its handshake was outstanding, sending each one until the
// tunnel reports anything other than a network write (spec.md §4.3 step 6).
func (device *Device) drainPending(peer *Peer) {
	for {
		dst := device.pool.Get()
		result := peer.HandleVerifiedPacket(dst[:0], nil)
		done := result.Kind != tunnel.ResultWriteToNetwork
		if result.Kind == tunnel.ResultWriteToNetwork {
			if err := peer.SendBuffer(result.Packet); err != nil {
				device.log.Error.Printf("%v: failed to send queued packet: %v", peer, err)
			}
		}
		device.pool.Put(dst)
		if done {
			return
		}
	}
}
