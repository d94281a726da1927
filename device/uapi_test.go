/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard-engine/ipc"
	"golang.zx2c4.com/wireguard-engine/tunnel"
)

func TestIpcSetOperationAddsPeerWithAllowedIPAndEndpoint(t *testing.T) {
	d := newTestDevice(t)

	devicePriv, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peerPriv, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peerPub := peerPriv.PublicKey()

	cmd := fmt.Sprintf(
		"private_key=%s\npublic_key=%s\nallowed_ip=10.0.0.3/32\nendpoint=1.2.3.4:51820\n\n",
		devicePriv.ToHex(), peerPub.ToHex(),
	)
	reader := bufio.NewReader(strings.NewReader(cmd))

	if err := d.ipcSetOperation(reader); err != nil {
		t.Fatalf("expected errno=0, got %v", err)
	}

	d.peers.RLock()
	peer, ok := d.peers.byKey[peerPub]
	d.peers.RUnlock()
	if !ok {
		t.Fatal("expected the peer to be present after set=1")
	}

	if got := d.router.LookupIPv4([]byte{10, 0, 0, 3}); got != peer {
		t.Fatal("expected the allowed_ip prefix to route to the new peer")
	}

	if endpoint := peer.Endpoint(); endpoint == nil || endpoint.String() != "1.2.3.4:51820" {
		t.Fatalf("expected endpoint 1.2.3.4:51820, got %v", endpoint)
	}
}

func TestIpcSetOperationRemovePeer(t *testing.T) {
	d := newTestDevice(t)

	peerPriv, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peerPub := peerPriv.PublicKey()
	if _, err := d.NewPeer(peerPub); err != nil {
		t.Fatal(err)
	}

	cmd := fmt.Sprintf("public_key=%s\nremove=true\n\n", peerPub.ToHex())
	reader := bufio.NewReader(strings.NewReader(cmd))

	if err := d.ipcSetOperation(reader); err != nil {
		t.Fatalf("expected errno=0, got %v", err)
	}

	d.peers.RLock()
	_, ok := d.peers.byKey[peerPub]
	d.peers.RUnlock()
	if ok {
		t.Fatal("expected the peer to be removed")
	}
}

func TestIpcSetOperationRejectsMalformedLine(t *testing.T) {
	d := newTestDevice(t)

	reader := bufio.NewReader(strings.NewReader("not-a-key-value-line\n\n"))
	err := d.ipcSetOperation(reader)
	if err == nil {
		t.Fatal("expected an error for a line without '='")
	}
	ipcErr, ok := err.(*IPCError)
	if !ok {
		t.Fatalf("expected an *IPCError, got %T", err)
	}
	if ipcErr.ErrorCode() != ipc.IpcErrorProtocol {
		t.Fatalf("got errno %d, want %d", ipcErr.ErrorCode(), ipc.IpcErrorProtocol)
	}
}

func TestIpcSetOperationRejectsBadPublicKey(t *testing.T) {
	d := newTestDevice(t)

	reader := bufio.NewReader(strings.NewReader("public_key=not-hex\n\n"))
	err := d.ipcSetOperation(reader)
	if err == nil {
		t.Fatal("expected an error for a malformed public key")
	}
	ipcErr, ok := err.(*IPCError)
	if !ok {
		t.Fatalf("expected an *IPCError, got %T", err)
	}
	if ipcErr.ErrorCode() != ipc.IpcErrorInvalid {
		t.Fatalf("got errno %d, want %d", ipcErr.ErrorCode(), ipc.IpcErrorInvalid)
	}
}

func TestIpcGetOperationReportsConfiguredPeer(t *testing.T) {
	d := newTestDevice(t)

	peerPriv, err := tunnel.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peerPub := peerPriv.PublicKey()
	peer, err := d.NewPeer(peerPub)
	if err != nil {
		t.Fatal(err)
	}
	d.router.Insert([]byte{10, 0, 0, 4}, 32, peer)

	var out strings.Builder
	if err := d.ipcGetOperation(&out); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	if !strings.Contains(got, "public_key="+peerPub.ToHex()) {
		t.Fatalf("expected the peer's public key in get output, got %q", got)
	}
	if !strings.Contains(got, "allowed_ip=10.0.0.4/32") {
		t.Fatalf("expected the allowed ip in get output, got %q", got)
	}
}
