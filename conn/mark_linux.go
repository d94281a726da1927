//go:build linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import (
	"golang.org/x/sys/unix"
)

// SetMark applies mark as the SO_MARK socket option on both the ipv4 and
// ipv6 sockets, so policy routing can steer WireGuard's own traffic
// differently from what it tunnels (spec.md §4.7).
func (bind *StdNetBind) SetMark(mark uint32) error {
	bind.mutex.Lock()
	ipv4, ipv6 := bind.ipv4, bind.ipv6
	bind.mutex.Unlock()

	setMark := func(rc interface {
		Control(f func(fd uintptr)) error
	}) error {
		var sockErr error
		err := rc.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		})
		if err != nil {
			return err
		}
		return sockErr
	}

	if ipv4 != nil {
		rc, err := ipv4.SyscallConn()
		if err != nil {
			return err
		}
		if err := setMark(rc); err != nil {
			return err
		}
	}
	if ipv6 != nil {
		rc, err := ipv6.SyscallConn()
		if err != nil {
			return err
		}
		if err := setMark(rc); err != nil {
			return err
		}
	}

	setTrafficClass(ipv4, ipv6, mark)

	bind.lastMark.Store(mark)
	return nil
}
