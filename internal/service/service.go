// Package service defines the immutable channel descriptor parsed from a
// client request: what to join, how to fast-start it, and how to repair it.
package service

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Vendor selects the FCC wire dialect.
type Vendor uint8

const (
	VendorHuawei Vendor = iota
	VendorTelecom
)

func (v Vendor) String() string {
	switch v {
	case VendorHuawei:
		return "huawei"
	case VendorTelecom:
		return "telecom"
	}
	return fmt.Sprintf("vendor(%d)", uint8(v))
}

// Type is the ingress transport of a channel.
type Type uint8

const (
	// TypeMRTP is multicast RTP; payloads are extracted from RTP framing.
	TypeMRTP Type = iota
	// TypeMUDP is raw multicast UDP; datagrams forward verbatim.
	TypeMUDP
	// TypeRTSP pulls the stream from an RTSP server over interleaved TCP.
	TypeRTSP
)

func (t Type) String() string {
	switch t {
	case TypeMRTP:
		return "rtp"
	case TypeMUDP:
		return "udp"
	case TypeRTSP:
		return "rtsp"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Service describes one channel. Constructed at request parse, immutable
// afterwards, torn down with the connection.
type Service struct {
	Type   Type
	Group  netip.AddrPort // multicast group (TypeMRTP/TypeMUDP)
	Source netip.Addr     // SSM source; invalid when ASM

	FCC       netip.AddrPort // FCC server; invalid port 0 when absent
	Vendor    Vendor
	FECPort   uint16

	RTSPURL  string
	Playseek string

	// Snapshot requests a single JPEG frame instead of the stream.
	Snapshot bool
}

func (s *Service) String() string {
	if s.Type == TypeRTSP {
		return "rtsp:" + s.RTSPURL
	}
	return fmt.Sprintf("%s://%s", s.Type, s.Group)
}

// HasFCC reports whether a fast-channel-change server is configured.
func (s *Service) HasFCC() bool { return s.FCC.Port() != 0 }

// HasFEC reports whether an out-of-band FEC stream is configured.
func (s *Service) HasFEC() bool { return s.FECPort != 0 }

// Resolver turns a hostname into an address. The production implementation
// lives in resolve.go (miekg/dns); tests substitute a map.
type Resolver interface {
	LookupAddr(host string) (netip.Addr, error)
}

// ParseRequest maps an HTTP request path+query onto a Service. Recognized
// forms:
//
//	/udp/<addr>:<port>   raw multicast UDP
//	/rtp/<addr>:<port>   multicast RTP
//	/rtsp/<url-encoded rtsp url>
//
// with optional query fcc=<host>:<port>, vendor=<huawei|telecom>,
// fec=<port>, msrc=<source>, playseek=<ts>, snapshot=1.
func ParseRequest(path, rawQuery string, res Resolver) (*Service, error) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("service: bad query: %w", err)
	}

	svc := &Service{}
	svc.Snapshot = q.Get("snapshot") == "1"

	switch {
	case strings.HasPrefix(path, "/udp/"):
		svc.Type = TypeMUDP
		err = svc.parseGroup(strings.TrimPrefix(path, "/udp/"), res)
	case strings.HasPrefix(path, "/rtp/"):
		svc.Type = TypeMRTP
		err = svc.parseGroup(strings.TrimPrefix(path, "/rtp/"), res)
	case strings.HasPrefix(path, "/rtsp/"):
		svc.Type = TypeRTSP
		raw := strings.TrimPrefix(path, "/rtsp/")
		svc.RTSPURL, err = decodeRTSPURL(raw, res)
		svc.Playseek = q.Get("playseek")
		return svc, err
	default:
		return nil, fmt.Errorf("service: unrecognized path %q", path)
	}
	if err != nil {
		return nil, err
	}

	if v := q.Get("msrc"); v != "" {
		src, err := resolveAddr(v, res)
		if err != nil {
			return nil, fmt.Errorf("service: msrc: %w", err)
		}
		svc.Source = src
	}
	if v := q.Get("fcc"); v != "" {
		ap, err := resolveAddrPort(v, res)
		if err != nil {
			return nil, fmt.Errorf("service: fcc: %w", err)
		}
		svc.FCC = ap
	}
	switch q.Get("vendor") {
	case "", "huawei":
		svc.Vendor = VendorHuawei
	case "telecom":
		svc.Vendor = VendorTelecom
	default:
		return nil, fmt.Errorf("service: unknown vendor %q", q.Get("vendor"))
	}
	if v := q.Get("fec"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("service: fec port: %w", err)
		}
		svc.FECPort = uint16(port)
	}
	return svc, nil
}

func (s *Service) parseGroup(hostport string, res Resolver) error {
	ap, err := resolveAddrPort(hostport, res)
	if err != nil {
		return fmt.Errorf("service: group: %w", err)
	}
	if !ap.Addr().IsMulticast() {
		return fmt.Errorf("service: %s is not a multicast group", ap.Addr())
	}
	s.Group = ap
	return nil
}

func resolveAddrPort(hostport string, res Resolver) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}
	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("missing port in %q", hostport)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port %q", portStr)
	}
	addr, err := resolveAddr(host, res)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func resolveAddr(host string, res Resolver) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}
	if res == nil {
		return netip.Addr{}, fmt.Errorf("cannot resolve %q: no resolver", host)
	}
	return res.LookupAddr(host)
}

// decodeRTSPURL accepts both percent-encoded full URLs and the bare
// host/path form (rtsp:// is implied). The host is resolved here so the
// dialer never blocks on a name lookup.
func decodeRTSPURL(raw string, res Resolver) (string, error) {
	dec, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("service: rtsp url: %w", err)
	}
	if !strings.Contains(dec, "://") {
		dec = "rtsp://" + dec
	}
	u, err := url.Parse(dec)
	if err != nil {
		return "", fmt.Errorf("service: rtsp url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return "", fmt.Errorf("service: unsupported scheme %q", u.Scheme)
	}
	if _, err := netip.ParseAddr(u.Hostname()); err != nil {
		addr, rerr := resolveAddr(u.Hostname(), res)
		if rerr != nil {
			return "", fmt.Errorf("service: rtsp host: %w", rerr)
		}
		host := addr.String()
		if port := u.Port(); port != "" {
			host = net.JoinHostPort(host, port)
		} else if addr.Is6() {
			host = "[" + host + "]"
		}
		u.Host = host
	}
	return u.String(), nil
}
