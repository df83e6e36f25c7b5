//go:build linux

package fcc

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"

	"golang.org/x/sys/unix"
)

// UDPTransport is the real FCC unicast socket: one UDP socket carrying the
// control exchange, the burst media, and sync notifications.
type UDPTransport struct {
	fd        int
	localAddr netip.Addr
	localPort uint16
	open      bool
}

// NewUDPTransport binds a non-blocking UDP socket to a port inside
// [portMin, portMax], starting the probe at a random offset so parallel
// sessions do not fight over the low ports. ifname, when set, pins the
// socket to the upstream interface.
func NewUDPTransport(log *slog.Logger, portMin, portMax uint16, ifname string, rcvbuf int) (*UDPTransport, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fcc: socket: %w", err)
	}
	t := &UDPTransport{fd: fd, open: true}

	if ifname != "" {
		if err := unix.BindToDevice(fd, ifname); err != nil {
			t.Close()
			return nil, fmt.Errorf("fcc: bind to %q: %w", ifname, err)
		}
	}
	if rcvbuf > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf)
	}

	if portMin == 0 {
		portMin, portMax = 44000, 45000
	}
	if portMax < portMin {
		portMax = portMin
	}
	span := int(portMax-portMin) + 1
	start := rand.Intn(span)
	bound := false
	for i := 0; i < span; i++ {
		port := portMin + uint16((start+i)%span)
		sa := &unix.SockaddrInet4{Port: int(port)}
		if err := unix.Bind(fd, sa); err == nil {
			t.localPort = port
			bound = true
			break
		}
	}
	if !bound {
		t.Close()
		return nil, fmt.Errorf("fcc: no free port in %d-%d", portMin, portMax)
	}

	t.localAddr = localIPv4()
	log.Debug("fcc: socket bound", "port", t.localPort, "if", ifname)
	return t, nil
}

// localIPv4 picks the default outbound IPv4 address advertised to the FCC
// server. Best effort; a zero address still works behind NAT because of
// the probe packet.
func localIPv4() netip.Addr {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	defer unix.Close(fd)
	// Routing lookup only; nothing is sent on a connected UDP socket.
	_ = unix.Connect(fd, &unix.SockaddrInet4{Addr: [4]byte{8, 8, 8, 8}, Port: 53})
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrFrom4(sa4.Addr)
	}
	return netip.IPv4Unspecified()
}

// FD returns the socket for loop registration.
func (t *UDPTransport) FD() int { return t.fd }

func (t *UDPTransport) SendControl(b []byte, to netip.AddrPort) error {
	if !t.open {
		return fmt.Errorf("fcc: transport closed")
	}
	sa := &unix.SockaddrInet4{Addr: to.Addr().As4(), Port: int(to.Port())}
	if err := unix.Sendto(t.fd, b, unix.MSG_DONTWAIT, sa); err != nil {
		return fmt.Errorf("fcc: sendto %s: %w", to, err)
	}
	return nil
}

func (t *UDPTransport) LocalPort() uint16     { return t.localPort }
func (t *UDPTransport) LocalAddr() netip.Addr { return t.localAddr }
func (t *UDPTransport) Open() bool            { return t.open }

// Close shuts the socket. Idempotent.
func (t *UDPTransport) Close() {
	if t.open {
		t.open = false
		_ = unix.Close(t.fd)
	}
}
