/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package conn implements the UDP transport a device sends and receives
// handshake and transport datagrams over.
package conn

import (
	"errors"
	"net"
	"strings"
)

// A Bind listens on a port for both IPv4 and IPv6 UDP traffic.
type Bind interface {
	// Open binds to port, or an ephemeral port if port is 0, returning the
	// port actually bound.
	Open(port uint16) (actualPort uint16, err error)

	// LastMark reports the last mark set on this Bind via SetMark.
	LastMark() uint32

	// SetMark sets the fwmark applied to every packet sent through this
	// Bind. It is passed to the kernel as the socket option SO_MARK.
	SetMark(mark uint32) error

	// ReceiveIPv4 reads an IPv4 UDP packet into b, reporting the number of
	// bytes read and the packet's source address.
	ReceiveIPv4(b []byte) (n int, src *net.UDPAddr, err error)

	// ReceiveIPv6 reads an IPv6 UDP packet into b, reporting the number of
	// bytes read and the packet's source address.
	ReceiveIPv6(b []byte) (n int, src *net.UDPAddr, err error)

	// Send writes packet b to addr.
	Send(b []byte, addr *net.UDPAddr) error

	// Close closes the Bind's sockets.
	Close() error
}

// ParseEndpoint resolves s (host:port, with an optional IPv6 zone) into a
// UDP address suitable for use as a peer endpoint.
func ParseEndpoint(s string) (*net.UDPAddr, error) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	if i := strings.LastIndexByte(host, '%'); i > 0 && strings.IndexByte(host, ':') >= 0 {
		// Strip the zone before the sanity check below; ResolveUDPAddr
		// still sees the original string and honors it.
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip == nil {
		return nil, errors.New("failed to parse IP address: " + host)
	}

	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, err
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		addr.IP = ip4
	}
	return addr, nil
}
