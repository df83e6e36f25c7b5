// Package fcc implements fast channel change: the vendor unicast-burst
// protocols (RTCP feedback packets on PT 205) and the state machine that
// hands a fresh client an instant unicast burst, then switches it to the
// steady multicast stream without loss or duplication.
package fcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/pion/rtcp"

	"github.com/tinyrange/castgate/internal/service"
)

// Feedback message types, per vendor. Both dialects multiplex control
// messages over one port via the RTCP FMT subfield.
const (
	huaweiFmtRequest  = 5
	huaweiFmtResponse = 6
	huaweiFmtSync     = 8
	huaweiFmtTerm     = 9
	huaweiFmtNAT      = 12

	telecomFmtRequest  = 2
	telecomFmtResponse = 3
	telecomFmtSync     = 4
	telecomFmtTerm     = 5
)

// Vendor-constant packet sizes.
const (
	huaweiRequestLen  = 32
	telecomRequestLen = 40
	termLen           = 16
	natLen            = 8
	respMinLen        = 20
)

var (
	ErrShortPacket = errors.New("fcc: short control packet")
	ErrNotFCC      = errors.New("fcc: not an fcc control packet")
)

// MsgKind classifies an inbound control packet independent of vendor.
type MsgKind uint8

const (
	MsgUnknown MsgKind = iota
	MsgResponse
	MsgSync
)

// Response is the server's answer to a burst request.
type Response struct {
	// OK means a unicast burst is coming on MediaPort.
	OK bool
	// Redirect points the client at another FCC server.
	Redirect     bool
	RedirectAddr netip.AddrPort

	MediaPort uint16
	StartSeq  uint16
}

func header(fmtVal uint8, payloadLen int) []byte {
	h := rtcp.Header{
		Count:  fmtVal,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16((4+payloadLen)/4 - 1),
	}
	b, err := h.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

// BuildRequest builds the vendor burst request. localIP and clientPort tell
// the server where the unicast burst and sync notifications should land.
func BuildRequest(vendor service.Vendor, group netip.AddrPort, localIP netip.Addr, clientPort uint16) []byte {
	size := huaweiRequestLen
	if vendor == service.VendorTelecom {
		size = telecomRequestLen
	}
	b := make([]byte, size)
	fmtVal := uint8(huaweiFmtRequest)
	if vendor == service.VendorTelecom {
		fmtVal = telecomFmtRequest
	}
	copy(b, header(fmtVal, size-4))

	g4 := group.Addr().As4()
	// Media-source SSRC carries the group address in both dialects.
	copy(b[8:12], g4[:])

	p := b[12:]
	binary.BigEndian.PutUint16(p[0:2], clientPort)
	if localIP.Is4() {
		l4 := localIP.As4()
		copy(p[4:8], l4[:])
	}
	copy(p[8:12], g4[:])
	binary.BigEndian.PutUint16(p[12:14], group.Port())
	// Remaining bytes are reserved and zero in both dialects; the telecom
	// request is simply longer.
	return b
}

// BuildTerm builds the 16-byte termination packet asking the server to stop
// the burst just before seq.
func BuildTerm(vendor service.Vendor, group netip.AddrPort, seq uint16) []byte {
	fmtVal := uint8(huaweiFmtTerm)
	if vendor == service.VendorTelecom {
		fmtVal = telecomFmtTerm
	}
	b := make([]byte, termLen)
	copy(b, header(fmtVal, termLen-4))
	g4 := group.Addr().As4()
	copy(b[8:12], g4[:])
	binary.BigEndian.PutUint16(b[12:14], seq)
	return b
}

// BuildNAT builds the Huawei NAT traversal probe sent to the media port so
// return traffic can cross a NAT binding. Telecom servers do not use one.
func BuildNAT() []byte {
	b := make([]byte, natLen)
	copy(b, header(huaweiFmtNAT, natLen-4))
	return b
}

// Classify returns the message kind of an inbound control packet for the
// given vendor, without parsing the body.
func Classify(vendor service.Vendor, data []byte) (MsgKind, error) {
	var h rtcp.Header
	if err := h.Unmarshal(data); err != nil {
		return MsgUnknown, fmt.Errorf("%w: %v", ErrNotFCC, err)
	}
	if h.Type != rtcp.TypeTransportSpecificFeedback {
		return MsgUnknown, ErrNotFCC
	}
	respFmt, syncFmt := uint8(huaweiFmtResponse), uint8(huaweiFmtSync)
	if vendor == service.VendorTelecom {
		respFmt, syncFmt = telecomFmtResponse, telecomFmtSync
	}
	switch h.Count {
	case respFmt:
		return MsgResponse, nil
	case syncFmt:
		return MsgSync, nil
	}
	return MsgUnknown, nil
}

// ParseResponse decodes the burst response body. Layout past the two SSRC
// words: result(1) flags(1) media_port(2) start_seq(2) reserved(2), then an
// optional redirect target addr(4) port(2).
func ParseResponse(data []byte) (Response, error) {
	if len(data) < respMinLen {
		return Response{}, ErrShortPacket
	}
	p := data[12:]
	var r Response
	switch p[0] {
	case 0:
		r.OK = true
		r.MediaPort = binary.BigEndian.Uint16(p[2:4])
		r.StartSeq = binary.BigEndian.Uint16(p[4:6])
		if r.MediaPort == 0 {
			return Response{}, fmt.Errorf("fcc: response without media port")
		}
	case 1:
		r.Redirect = true
		if len(p) < 14 {
			return Response{}, ErrShortPacket
		}
		addr := netip.AddrFrom4([4]byte(p[8:12]))
		port := binary.BigEndian.Uint16(p[12:14])
		if port == 0 {
			return Response{}, fmt.Errorf("fcc: redirect without port")
		}
		r.RedirectAddr = netip.AddrPortFrom(addr, port)
	default:
		return Response{}, fmt.Errorf("fcc: server error code %d", p[0])
	}
	return r, nil
}
