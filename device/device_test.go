/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bytes"
	"errors"
	"net"
	"os"
	"testing"

	"golang.zx2c4.com/wireguard-engine/conn"
	"golang.zx2c4.com/wireguard-engine/tun"
	"golang.zx2c4.com/wireguard-engine/tunnel"
)

// fakeTUN is an in-memory stand-in for a tun.TUNDevice, just enough surface
// for the device tests below to exercise MTU handling and packet routing
// without a real kernel interface.
type fakeTUN struct {
	mtu    int
	events chan tun.TUNEvent
}

func newFakeTUN(mtu int) *fakeTUN {
	return &fakeTUN{mtu: mtu, events: make(chan tun.TUNEvent, 1)}
}

func (f *fakeTUN) File() *os.File                           { return nil }
func (f *fakeTUN) Read(b []byte, offset int) (int, error)   { return 0, nil }
func (f *fakeTUN) Write(b []byte, offset int) (int, error)  { return len(b), nil }
func (f *fakeTUN) MTU() (int, error)                        { return f.mtu, nil }
func (f *fakeTUN) Name() (string, error)                    { return "faketun0", nil }
func (f *fakeTUN) Events() chan tun.TUNEvent                { return f.events }
func (f *fakeTUN) Close() error                             { close(f.events); return nil }

func TestClampMTUEnforcesIPv6Floor(t *testing.T) {
	if got := clampMTU(576); got != ipv6MinimumMTU {
		t.Fatalf("got %d, want the ipv6 floor %d", got, ipv6MinimumMTU)
	}
}

func TestClampMTUEnforcesMessageCeiling(t *testing.T) {
	huge := MaxMessageSize
	got := clampMTU(huge)
	if got+messageTransportOverhead > MaxMessageSize {
		t.Fatalf("clamped mtu %d still overflows the transport message size", got)
	}
}

func TestClampMTUPassesThroughReasonableValues(t *testing.T) {
	if got := clampMTU(1420); got != 1420 {
		t.Fatalf("got %d, want 1420 unchanged", got)
	}
}

func TestDispatchTimerResultHandlesDoneAndErr(t *testing.T) {
	d := &Device{log: NewLogger(LogLevelSilent, "")}
	peer := &Peer{}

	// ResultDone is a silent no-op; a plain error result must not panic
	// either, just get logged.
	d.dispatchTimerResult(peer, tunnel.Result{Kind: tunnel.ResultDone})
	d.dispatchTimerResult(peer, tunnel.Result{Kind: tunnel.ResultErr, Err: errors.New("boom")})
}

func TestDispatchTimerResultPanicsOnPlaintextResult(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a plaintext-to-tunnel result out of UpdateTimers")
		}
	}()

	d := &Device{log: NewLogger(LogLevelSilent, "")}
	d.dispatchTimerResult(&Peer{}, tunnel.Result{Kind: tunnel.ResultWriteToTunnelV4})
}

// newTestDevice builds a Device with a fake TUN and a real UDP bind, so
// peer handshake-initiation datagrams produced during a test actually have
// somewhere to be sent.
func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := NewDevice(newFakeTUN(1420), LogLevelSilent, "test0")
	if err != nil {
		t.Fatal(err)
	}

	sk, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetPrivateKey(sk); err != nil {
		t.Fatal(err)
	}

	bind := conn.NewStdNetBind()
	port, err := bind.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bind.Close() })
	d.net.Lock()
	d.net.bind = bind
	d.net.port = port
	d.net.Unlock()

	return d
}

func TestHandleTUNPacketWithNoRouteIsSilentlyDropped(t *testing.T) {
	d := newTestDevice(t)
	var logBuf bytes.Buffer
	d.log.Error.SetOutput(&logBuf)

	packet := buildV4Packet(t, net.ParseIP("10.0.0.1"), net.ParseIP("10.9.9.9"))
	d.handleTUNPacket(packet)

	if logBuf.Len() != 0 {
		t.Fatalf("expected no error logged for an unrouted packet, got %q", logBuf.String())
	}
}

func TestHandleTUNPacketRoutedToPeerInitiatesHandshake(t *testing.T) {
	d := newTestDevice(t)

	remoteSK, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := d.NewPeer(remoteSK.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	peer.SetEndpoint(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(d.net.port)})
	d.router.Insert(net.ParseIP("10.9.9.0").To4(), 24, peer)

	var logBuf bytes.Buffer
	d.log.Error.SetOutput(&logBuf)

	packet := buildV4Packet(t, net.ParseIP("10.0.0.1"), net.ParseIP("10.9.9.9"))
	d.handleTUNPacket(packet)

	if logBuf.Len() != 0 {
		t.Fatalf("unexpected error dispatching a routed packet: %q", logBuf.String())
	}
}

func TestHandleTUNPacketDropsEmptyKeepaliveRead(t *testing.T) {
	d := newTestDevice(t)
	var logBuf bytes.Buffer
	d.log.Error.SetOutput(&logBuf)

	d.handleTUNPacket(nil)

	if logBuf.Len() != 0 {
		t.Fatalf("expected a zero-length tun read to be silently ignored, got %q", logBuf.String())
	}
}

func TestSetPrivateKeyIsIdempotentForTheSameKey(t *testing.T) {
	d := newTestDevice(t)
	d.staticIdentity.RLock()
	sk := d.staticIdentity.privateKey
	d.staticIdentity.RUnlock()

	if err := d.SetPrivateKey(sk); err != nil {
		t.Fatalf("re-setting the same private key should be a no-op, got %v", err)
	}
}

func TestBindUpdateReplacesListenPort(t *testing.T) {
	d := newTestDevice(t)
	defer d.Close()

	oldPort := d.Bind()
	if oldPort == nil {
		t.Fatal("expected a bind to already be installed")
	}

	if err := d.BindUpdate(0); err != nil {
		t.Fatal(err)
	}
	if d.Bind() == oldPort {
		t.Fatal("expected BindUpdate to install a new bind instance")
	}
}

func buildV4Packet(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	src4 := src.To4()
	dst4 := dst.To4()
	if src4 == nil || dst4 == nil {
		t.Fatal("expected ipv4 addresses")
	}
	packet := make([]byte, 20)
	packet[0] = 0x45 // version 4, IHL 5
	packet[2], packet[3] = 0, 20
	copy(packet[12:16], src4)
	copy(packet[16:20], dst4)
	return packet
}
