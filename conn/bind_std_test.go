/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import (
	"net"
	"testing"
)

func TestStdNetBindSendReceiveRoundtrip(t *testing.T) {
	a := NewStdNetBind()
	port, err := a.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b := NewStdNetBind()
	if _, err := b.Open(0); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(port)}
	if err := b.Send([]byte("hello"), dst); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, src, err := a.ReceiveIPv4(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
	if src == nil {
		t.Fatal("expected a source address")
	}
}

func TestStdNetBindReceiveAfterCloseFails(t *testing.T) {
	bind := NewStdNetBind()
	if _, err := bind.Open(0); err != nil {
		t.Fatal(err)
	}
	if err := bind.Close(); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	if _, _, err := bind.ReceiveIPv4(buf); err == nil {
		t.Fatal("expected an error receiving on a closed bind")
	}
}

func TestStdNetBindDoubleOpenFails(t *testing.T) {
	bind := NewStdNetBind()
	if _, err := bind.Open(0); err != nil {
		t.Fatal(err)
	}
	defer bind.Close()
	if _, err := bind.Open(0); err == nil {
		t.Fatal("expected a second Open on the same bind to fail")
	}
}
