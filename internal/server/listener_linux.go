//go:build linux

package server

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// listen opens one non-blocking listening socket for addr ("host:port" or
// ":port"). Every worker opens its own socket on the same address via
// SO_REUSEPORT, so the kernel spreads accepts across workers.
func listen(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("server: bad bind address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return -1, fmt.Errorf("server: bad port %q: %w", portStr, err)
	}

	family := unix.AF_INET
	var ip netip.Addr
	if host != "" {
		ip, err = netip.ParseAddr(host)
		if err != nil {
			return -1, fmt.Errorf("server: bind host %q must be an address: %w", host, err)
		}
		if ip.Is6() {
			family = unix.AF_INET6
		}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	cleanup := func(e error) (int, error) {
		unix.Close(fd)
		return -1, e
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return cleanup(fmt.Errorf("server: SO_REUSEADDR: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return cleanup(fmt.Errorf("server: SO_REUSEPORT: %w", err))
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: int(port)}
		if ip.IsValid() {
			sa6.Addr = ip.As16()
		}
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: int(port)}
		if ip.IsValid() && ip.Is4() {
			sa4.Addr = ip.As4()
		}
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		return cleanup(fmt.Errorf("server: bind %s: %w", addr, err))
	}
	if err := unix.Listen(fd, 512); err != nil {
		return cleanup(fmt.Errorf("server: listen %s: %w", addr, err))
	}
	return fd, nil
}

// sockaddrString renders a peer address from the raw accept result.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	}
	return "?"
}

// rawPeerAddr decodes the peer address captured by batch receive. The
// storage is always a RawSockaddrInet6; for AF_INET the bytes are really a
// RawSockaddrInet4.
func rawPeerAddr(raw *unix.RawSockaddrInet6) (netip.Addr, bool) {
	switch raw.Family {
	case unix.AF_INET:
		sa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(raw))
		return netip.AddrFrom4(sa4.Addr), true
	case unix.AF_INET6:
		return netip.AddrFrom16(raw.Addr), true
	}
	return netip.Addr{}, false
}
