package rtp

import (
	"testing"
)

func buildPacket(seq uint16, payload []byte, padding int) []byte {
	b := make([]byte, FixedHeaderSize+len(payload)+padding)
	b[0] = 0x80 // V=2
	b[1] = 33   // MP2T payload type
	b[2] = byte(seq >> 8)
	b[3] = byte(seq)
	copy(b[FixedHeaderSize:], payload)
	if padding > 0 {
		b[0] |= 0x20
		b[len(b)-1] = byte(padding)
	}
	return b
}

func TestParse(t *testing.T) {
	pkt, err := Parse(buildPacket(0x1234, []byte("payload"), 0))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pkt.Seq != 0x1234 {
		t.Fatalf("seq %#x, want 0x1234", pkt.Seq)
	}
	if pkt.PayloadOff != FixedHeaderSize || pkt.PayloadLen != 7 {
		t.Fatalf("payload off=%d len=%d", pkt.PayloadOff, pkt.PayloadLen)
	}
}

func TestParsePadding(t *testing.T) {
	pkt, err := Parse(buildPacket(7, []byte("abcdef"), 4))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pkt.PayloadLen != 6 {
		t.Fatalf("padded payload len %d, want 6", pkt.PayloadLen)
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	b := buildPacket(1, []byte("x"), 0)
	b[0] = 0x40 // V=1
	if _, err := Parse(b); err == nil {
		t.Fatalf("accepted version 1 packet")
	}
}

func TestParseRejectsShort(t *testing.T) {
	if _, err := Parse([]byte{0x80, 33, 0}); err == nil {
		t.Fatalf("accepted truncated header")
	}
}

func TestSerialArithmetic(t *testing.T) {
	cases := []struct {
		a, b uint16
		diff int
	}{
		{100, 100, 0},
		{101, 100, 1},
		{100, 101, -1},
		{5, 65530, 11},    // forward across the wrap
		{65530, 5, -11},   // backward across the wrap
		{0x8000, 0, -32768},
	}
	for _, c := range cases {
		if got := SeqDiff(c.a, c.b); got != c.diff {
			t.Errorf("SeqDiff(%d, %d) = %d, want %d", c.a, c.b, got, c.diff)
		}
	}
	if !SeqBefore(65530, 5) {
		t.Errorf("65530 should precede 5 across the wrap")
	}
	if SeqBefore(5, 65530) {
		t.Errorf("5 should not precede 65530 across the wrap")
	}
	if SeqMin(65530, 5) != 65530 {
		t.Errorf("serial minimum across wrap")
	}
}
