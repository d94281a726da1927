/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
)

// StdNetBind binds to a UDP port using Go's net package, opening separate
// ipv4 and ipv6 sockets on the same port number.
type StdNetBind struct {
	mutex      sync.Mutex
	ipv4       *net.UDPConn
	ipv6       *net.UDPConn
	blackhole4 bool
	blackhole6 bool
	lastMark   atomic.Uint32
}

var _ Bind = (*StdNetBind)(nil)

func NewStdNetBind() *StdNetBind {
	return &StdNetBind{}
}

func listenNet(network string, port int) (*net.UDPConn, int, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, 0, err
	}
	conn := pc.(*net.UDPConn)

	laddr := conn.LocalAddr().(*net.UDPAddr)
	return conn, laddr.Port, nil
}

// Open binds fresh ipv4 and ipv6 sockets to port (or an ephemeral port, if
// 0), retrying on collision when the caller did not pin a specific port —
// mirroring the teacher's dual-stack listen-on-same-port dance.
func (bind *StdNetBind) Open(uport uint16) (uint16, error) {
	bind.mutex.Lock()
	defer bind.mutex.Unlock()

	if bind.ipv4 != nil || bind.ipv6 != nil {
		return 0, errors.New("bind already open")
	}

	var err error
	var tries int
again:
	port := int(uport)
	var ipv4, ipv6 *net.UDPConn

	ipv4, port, err = listenNet("udp4", port)
	if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
		return 0, err
	}

	ipv6, port, err = listenNet("udp6", port)
	if uport == 0 && errors.Is(err, syscall.EADDRINUSE) && tries < 100 {
		if ipv4 != nil {
			ipv4.Close()
		}
		tries++
		goto again
	}
	if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
		if ipv4 != nil {
			ipv4.Close()
		}
		return 0, err
	}
	if ipv4 == nil && ipv6 == nil {
		return 0, syscall.EAFNOSUPPORT
	}

	bind.ipv4 = ipv4
	bind.ipv6 = ipv6
	return uint16(port), nil
}

func (bind *StdNetBind) Close() error {
	bind.mutex.Lock()
	defer bind.mutex.Unlock()

	var err1, err2 error
	if bind.ipv4 != nil {
		err1 = bind.ipv4.Close()
		bind.ipv4 = nil
	}
	if bind.ipv6 != nil {
		err2 = bind.ipv6.Close()
		bind.ipv6 = nil
	}
	bind.blackhole4 = false
	bind.blackhole6 = false
	if err1 != nil {
		return err1
	}
	return err2
}

func (bind *StdNetBind) ReceiveIPv4(b []byte) (int, *net.UDPAddr, error) {
	bind.mutex.Lock()
	conn := bind.ipv4
	bind.mutex.Unlock()
	if conn == nil {
		return 0, nil, syscall.EAFNOSUPPORT
	}
	n, addr, err := conn.ReadFromUDP(b)
	if addr != nil {
		addr.IP = addr.IP.To4()
	}
	return n, addr, err
}

func (bind *StdNetBind) ReceiveIPv6(b []byte) (int, *net.UDPAddr, error) {
	bind.mutex.Lock()
	conn := bind.ipv6
	bind.mutex.Unlock()
	if conn == nil {
		return 0, nil, syscall.EAFNOSUPPORT
	}
	return conn.ReadFromUDP(b)
}

func (bind *StdNetBind) Send(b []byte, addr *net.UDPAddr) error {
	bind.mutex.Lock()
	var conn *net.UDPConn
	var blackhole bool
	if addr.IP.To4() != nil {
		conn, blackhole = bind.ipv4, bind.blackhole4
	} else {
		conn, blackhole = bind.ipv6, bind.blackhole6
	}
	bind.mutex.Unlock()

	if blackhole {
		return nil
	}
	if conn == nil {
		return syscall.EAFNOSUPPORT
	}
	_, err := conn.WriteToUDP(b, addr)
	return err
}

func (bind *StdNetBind) LastMark() uint32 {
	return bind.lastMark.Load()
}
