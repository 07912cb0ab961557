//go:build windows
// +build windows

// File: sock/addr_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sock

import (
	"net/netip"

	"golang.org/x/sys/windows"
)

// addrFamily maps the address to its socket family.
func addrFamily(addr netip.AddrPort) int {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return windows.AF_INET
	}
	return windows.AF_INET6
}

// sockaddrFrom converts addr into the form ConnectEx and Bind expect.
func sockaddrFrom(addr netip.AddrPort) windows.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &windows.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().Unmap().As4()
		return sa
	}
	sa := &windows.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}

// wildcardSockaddr returns the any-address of addr's family. ConnectEx
// requires the socket to be bound before it is called.
func wildcardSockaddr(addr netip.AddrPort) windows.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return &windows.SockaddrInet4{}
	}
	return &windows.SockaddrInet6{}
}
