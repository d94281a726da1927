//go:build !linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

// SetMark is a no-op outside Linux (SO_MARK is Linux-specific), but the
// traffic-class byte is still portable, so it is set here too.
func (bind *StdNetBind) SetMark(mark uint32) error {
	bind.mutex.Lock()
	ipv4, ipv6 := bind.ipv4, bind.ipv6
	bind.mutex.Unlock()

	setTrafficClass(ipv4, ipv6, mark)
	bind.lastMark.Store(mark)
	return nil
}
