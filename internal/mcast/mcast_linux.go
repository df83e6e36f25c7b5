//go:build linux

// Package mcast manages multicast group membership for one stream: the
// join (ASM or source-specific), the receive socket handed to the worker
// loop, inactivity tracking, and optional unsolicited IGMP re-reports that
// refresh upstream snooping state without leaving the group.
package mcast

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// Timeout is the inactivity window after which a multicast stream is
// considered dead and its connection is closed.
const Timeout = 5 * time.Second

// Session is one joined multicast group.
type Session struct {
	log *slog.Logger

	// conn pins the kernel membership; closing it leaves the group.
	conn *net.UDPConn
	fd   int

	group  netip.AddrPort
	source netip.Addr
	ifi    *net.Interface

	LastData time.Time
	active   bool
}

// Join binds to the group port, joins the group on the chosen interface
// (source-specific when source is valid), and returns the session with a
// non-blocking receive socket. port overrides the group port when nonzero
// (the FEC stream variant).
func Join(log *slog.Logger, group netip.AddrPort, source netip.Addr, ifname string, port uint16, rcvbuf int) (*Session, error) {
	if port == 0 {
		port = group.Port()
	}

	network := "udp4"
	if group.Addr().Is6() {
		network = "udp6"
	}
	pc, err := reuseListen(network, port)
	if err != nil {
		return nil, fmt.Errorf("mcast: bind port %d: %w", port, err)
	}

	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("mcast: interface %q: %w", ifname, err)
		}
	}

	gaddr := &net.UDPAddr{IP: group.Addr().AsSlice()}
	if group.Addr().Is6() {
		p := ipv6.NewPacketConn(pc)
		err = p.JoinGroup(ifi, gaddr)
	} else {
		p := ipv4.NewPacketConn(pc)
		if source.IsValid() {
			err = p.JoinSourceSpecificGroup(ifi, gaddr, &net.UDPAddr{IP: source.AsSlice()})
		} else {
			err = p.JoinGroup(ifi, gaddr)
		}
	}
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("mcast: join %s: %w", group, err)
	}

	s := &Session{
		log:      log,
		conn:     pc,
		group:    group,
		source:   source,
		ifi:      ifi,
		LastData: time.Now(),
		active:   true,
	}
	raw, err := pc.SyscallConn()
	if err != nil {
		pc.Close()
		return nil, err
	}
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		s.fd = int(fd)
		ctlErr = unix.SetNonblock(int(fd), true)
		if ctlErr == nil && rcvbuf > 0 {
			ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf)
		}
	})
	if err == nil {
		err = ctlErr
	}
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("mcast: socket setup: %w", err)
	}
	log.Debug("mcast: joined", "group", group, "source", source, "ssm", source.IsValid())
	return s, nil
}

func reuseListen(network string, port uint16) (*net.UDPConn, error) {
	var lc = net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// FD returns the receive socket for loop registration.
func (s *Session) FD() int { return s.fd }

// Active reports whether the membership is live.
func (s *Session) Active() bool { return s != nil && s.active }

// Touch records data arrival.
func (s *Session) Touch(now time.Time) { s.LastData = now }

// Expired reports inactivity beyond the multicast timeout.
func (s *Session) Expired(now time.Time) bool {
	return s.active && now.Sub(s.LastData) >= Timeout
}

// Close leaves the group and closes the receive socket.
func (s *Session) Close() {
	if s == nil || !s.active {
		return
	}
	s.active = false
	_ = s.conn.Close()
}

// Rejoiner sends unsolicited IGMP membership reports on a raw socket. One
// per worker; it carries no per-stream state beyond the raw conn.
type Rejoiner struct {
	log *slog.Logger
	rc  *ipv4.RawConn
}

// NewRejoiner opens the raw IGMP socket. Requires CAP_NET_RAW; callers
// treat failure as "rejoin disabled".
func NewRejoiner(log *slog.Logger) (*Rejoiner, error) {
	pc, err := net.ListenPacket("ip4:2", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("mcast: raw igmp socket: %w", err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &Rejoiner{log: log, rc: rc}, nil
}

// igmp type values.
const (
	igmpV2Report = 0x16
	igmpV3Report = 0x22

	igmpV3ModeIsInclude = 1
	igmpV3ModeIsExclude = 2
)

// v3ReportTo is the all-IGMPv3-routers group.
var v3ReportTo = netip.MustParseAddr("224.0.0.22")

// routerAlert is the IPv4 Router Alert option, required on IGMP.
var routerAlert = []byte{0x94, 0x04, 0x00, 0x00}

// Rejoin emits one IGMPv2 report to the group (ASM only) and one IGMPv3
// report to 224.0.0.22: MODE_IS_EXCLUDE{} for ASM, MODE_IS_INCLUDE{source}
// for SSM.
func (r *Rejoiner) Rejoin(group netip.Addr, source netip.Addr) error {
	if !group.Is4() {
		return nil // MLD refresh is left to the kernel
	}
	if !source.IsValid() {
		if err := r.send(buildV2Report(group), group); err != nil {
			return err
		}
	}
	return r.send(buildV3Report(group, source), v3ReportTo)
}

func (r *Rejoiner) send(payload []byte, dst netip.Addr) error {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen + len(routerAlert),
		TotalLen: ipv4.HeaderLen + len(routerAlert) + len(payload),
		TTL:      1,
		Protocol: 2,
		Dst:      net.IP(dst.AsSlice()),
		Options:  routerAlert,
	}
	if err := r.rc.WriteTo(h, payload, nil); err != nil {
		return fmt.Errorf("mcast: send igmp report: %w", err)
	}
	return nil
}

func buildV2Report(group netip.Addr) []byte {
	b := make([]byte, 8)
	b[0] = igmpV2Report
	g := group.As4()
	copy(b[4:8], g[:])
	putChecksum(b)
	return b
}

func buildV3Report(group netip.Addr, source netip.Addr) []byte {
	nsrc := 0
	mode := byte(igmpV3ModeIsExclude)
	if source.IsValid() {
		nsrc = 1
		mode = igmpV3ModeIsInclude
	}
	b := make([]byte, 8+8+4*nsrc)
	b[0] = igmpV3Report
	b[7] = 1 // one group record
	rec := b[8:]
	rec[0] = mode
	rec[2] = byte(nsrc >> 8)
	rec[3] = byte(nsrc)
	g := group.As4()
	copy(rec[4:8], g[:])
	if nsrc == 1 {
		s := source.As4()
		copy(rec[8:12], s[:])
	}
	putChecksum(b)
	return b
}

func putChecksum(b []byte) {
	b[2], b[3] = 0, 0
	cs := ^checksum.Checksum(b, 0)
	b[2] = byte(cs >> 8)
	b[3] = byte(cs)
}

// Close releases the raw socket.
func (r *Rejoiner) Close() {
	if r != nil && r.rc != nil {
		_ = r.rc.Close()
	}
}
