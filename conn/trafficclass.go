/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// setTrafficClass mirrors mark onto the IP_TOS / traffic-class socket
// option via golang.org/x/net, so packets carrying a fwmark for policy
// routing are also classified consistently at the IP layer (spec.md §4.7
// "[DOMAIN] fwmark"). Best-effort: a failure here never fails SetMark.
func setTrafficClass(ipv4Conn, ipv6Conn *net.UDPConn, mark uint32) {
	class := int(mark & 0xff)
	if ipv4Conn != nil {
		ipv4.NewConn(ipv4Conn).SetTOS(class)
	}
	if ipv6Conn != nil {
		ipv6.NewConn(ipv6Conn).SetTrafficClass(class)
	}
}
