//go:build linux || darwin
// +build linux darwin

// File: sock/addr_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// addrFamily maps the address to its socket family.
func addrFamily(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// sockaddrFrom converts addr into the form connect and bind expect.
func sockaddrFrom(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}
