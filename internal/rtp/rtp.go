// Package rtp wraps RTP header access for the ingress paths and provides
// the serial-number arithmetic (RFC 1982, 16-bit) used by the reorder and
// FEC engines.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// FixedHeaderSize is the size of an RTP header with no CSRCs and no
// extension. Most IPTV streams carry exactly this.
const FixedHeaderSize = 12

var ErrNotRTP = errors.New("rtp: not an RTP packet")

// Packet is the parsed view of one RTP datagram. PayloadOff and PayloadLen
// locate the payload inside the input buffer; nothing is copied.
type Packet struct {
	Seq        uint16
	Timestamp  uint32
	SSRC       uint32
	PayloadOff int
	PayloadLen int
}

// Parse validates the RTP header in data and returns the packet view.
// Padding, CSRC lists and header extensions are accounted for in
// PayloadOff/PayloadLen.
func Parse(data []byte) (Packet, error) {
	var h pionrtp.Header
	n, err := h.Unmarshal(data)
	if err != nil {
		return Packet{}, fmt.Errorf("rtp: parse header: %w", err)
	}
	if h.Version != 2 {
		return Packet{}, ErrNotRTP
	}
	payloadLen := len(data) - n
	if h.Padding && payloadLen > 0 {
		pad := int(data[len(data)-1])
		if pad > payloadLen {
			return Packet{}, fmt.Errorf("rtp: padding %d exceeds payload %d", pad, payloadLen)
		}
		payloadLen -= pad
	}
	return Packet{
		Seq:        h.SequenceNumber,
		Timestamp:  h.Timestamp,
		SSRC:       h.SSRC,
		PayloadOff: n,
		PayloadLen: payloadLen,
	}, nil
}

// SeqDiff returns the signed serial distance from b to a: positive when a is
// ahead of b, negative when a is behind.
func SeqDiff(a, b uint16) int {
	return int(int16(a - b))
}

// SeqBefore reports whether a precedes b in serial order.
func SeqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqMin returns the serially-smaller of a and b.
func SeqMin(a, b uint16) uint16 {
	if SeqBefore(a, b) {
		return a
	}
	return b
}
