//go:build !linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
