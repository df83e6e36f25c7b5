package service

import (
	"fmt"
	"net/netip"
	"testing"
)

type mapResolver map[string]string

func (m mapResolver) LookupAddr(host string) (netip.Addr, error) {
	if ip, ok := m[host]; ok {
		return netip.MustParseAddr(ip), nil
	}
	return netip.Addr{}, fmt.Errorf("no such host %q", host)
}

func TestParseUDPForm(t *testing.T) {
	svc, err := ParseRequest("/udp/239.0.0.1:1234", "", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if svc.Type != TypeMUDP || svc.Group != netip.MustParseAddrPort("239.0.0.1:1234") {
		t.Fatalf("parsed %+v", svc)
	}
	if svc.HasFCC() || svc.HasFEC() || svc.Snapshot {
		t.Fatalf("spurious options: %+v", svc)
	}
}

func TestParseRTPWithOptions(t *testing.T) {
	svc, err := ParseRequest("/rtp/239.1.2.3:5000",
		"fcc=198.51.100.5:8027&vendor=telecom&fec=5001&msrc=10.0.0.9&snapshot=1", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if svc.Type != TypeMRTP {
		t.Fatalf("type %s", svc.Type)
	}
	if !svc.HasFCC() || svc.FCC != netip.MustParseAddrPort("198.51.100.5:8027") {
		t.Fatalf("fcc %v", svc.FCC)
	}
	if svc.Vendor != VendorTelecom {
		t.Fatalf("vendor %s", svc.Vendor)
	}
	if svc.FECPort != 5001 {
		t.Fatalf("fec port %d", svc.FECPort)
	}
	if svc.Source != netip.MustParseAddr("10.0.0.9") {
		t.Fatalf("source %v", svc.Source)
	}
	if !svc.Snapshot {
		t.Fatalf("snapshot flag lost")
	}
}

func TestParseResolvesHostnames(t *testing.T) {
	res := mapResolver{"fcc.example": "198.51.100.7"}
	svc, err := ParseRequest("/rtp/239.0.0.1:1234", "fcc=fcc.example:8027", res)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if svc.FCC.Addr() != netip.MustParseAddr("198.51.100.7") {
		t.Fatalf("fcc resolved to %v", svc.FCC)
	}
}

func TestParseRTSPForm(t *testing.T) {
	svc, err := ParseRequest("/rtsp/10.0.0.5:554%2Flive%2Fch1", "playseek=20260101T000000Z", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if svc.Type != TypeRTSP {
		t.Fatalf("type %s", svc.Type)
	}
	if svc.RTSPURL != "rtsp://10.0.0.5:554/live/ch1" {
		t.Fatalf("url %q", svc.RTSPURL)
	}
	if svc.Playseek != "20260101T000000Z" {
		t.Fatalf("playseek %q", svc.Playseek)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		path, query string
	}{
		{"/", ""},
		{"/favicon.ico", ""},
		{"/udp/10.0.0.1:1234", ""},          // not multicast
		{"/udp/239.0.0.1", ""},              // missing port
		{"/rtp/239.0.0.1:1234", "vendor=x"}, // unknown vendor
		{"/rtp/239.0.0.1:1234", "fec=abc"},
		{"/rtsp/http%3A%2F%2Fexample%2Fx", ""}, // wrong scheme
	}
	for _, c := range cases {
		if _, err := ParseRequest(c.path, c.query, nil); err == nil {
			t.Errorf("accepted %q?%q", c.path, c.query)
		}
	}
}
