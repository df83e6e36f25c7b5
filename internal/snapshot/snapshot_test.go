package snapshot

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tsPacket builds one 188-byte TS packet with a payload and optional
// payload-unit-start.
func tsPacket(pid uint16, pusi bool, payload []byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = 0x47
	binary.BigEndian.PutUint16(pkt[1:3], pid&0x1fff)
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[3] = 0x10 // payload only
	copy(pkt[4:], payload)
	return pkt
}

// patPacket maps program 1 to pmtPID.
func patPacket(pmtPID uint16) []byte {
	sec := make([]byte, 0, 32)
	sec = append(sec, 0) // pointer field
	body := make([]byte, 16)
	body[0] = 0 // table_id PAT
	binary.BigEndian.PutUint16(body[1:3], 0xb000|13)
	// transport_stream_id, version, section numbers left zero.
	binary.BigEndian.PutUint16(body[8:10], 1) // program 1
	binary.BigEndian.PutUint16(body[10:12], 0xe000|pmtPID)
	sec = append(sec, body...)
	return tsPacket(0, true, sec)
}

// pmtPacket declares one elementary stream.
func pmtPacket(pmtPID, videoPID uint16, streamType byte) []byte {
	sec := make([]byte, 0, 64)
	sec = append(sec, 0) // pointer field
	body := make([]byte, 24)
	body[0] = 2 // table_id PMT
	binary.BigEndian.PutUint16(body[1:3], 0xb000|18)
	binary.BigEndian.PutUint16(body[8:10], 0xe000|videoPID) // PCR PID
	binary.BigEndian.PutUint16(body[10:12], 0xf000|0)       // program_info_length 0
	body[12] = streamType
	binary.BigEndian.PutUint16(body[13:15], 0xe000|videoPID)
	binary.BigEndian.PutUint16(body[15:17], 0xf000|0) // ES info length 0
	sec = append(sec, body...)
	return tsPacket(pmtPID, true, sec)
}

// pesPacket starts a video PES whose first NAL has the given type byte.
func pesPacket(videoPID uint16, nalByte byte) []byte {
	pes := []byte{
		0, 0, 1, 0xe0, // PES start, video stream id
		0, 0, // PES packet length (unbounded)
		0x80, 0x00, 0x00, // flags, header length 0
		0, 0, 0, 1, nalByte, // Annex B start code + NAL header
		0xde, 0xad, 0xbe, 0xef,
	}
	return tsPacket(videoPID, true, pes)
}

func feedAll(tb testing.TB, e *Extractor, pkts ...[]byte) bool {
	tb.Helper()
	var stream []byte
	for _, p := range pkts {
		stream = append(stream, p...)
	}
	done, err := e.Feed(stream)
	if err != nil {
		tb.Fatalf("feed: %v", err)
	}
	return done
}

func TestExtractorWaitsForIDR(t *testing.T) {
	e, err := New(testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	const pmtPID, videoPID = 0x100, 0x101

	// Non-IDR slice (type 1) must not start accumulation.
	done := feedAll(t, e,
		patPacket(pmtPID),
		pmtPacket(pmtPID, videoPID, streamTypeH264),
		pesPacket(videoPID, 0x41), // non-IDR slice
		tsPacket(videoPID, false, []byte{1, 2, 3}),
	)
	if done || e.phase != phaseIDR {
		t.Fatalf("accumulation started before the IDR (phase %d)", e.phase)
	}

	// IDR (type 5) starts the capture; continuation packets of the
	// video PID accumulate; the next PES start finishes.
	done = feedAll(t, e,
		pesPacket(videoPID, 0x65), // IDR slice
		tsPacket(videoPID, false, []byte{4, 5, 6}),
		tsPacket(0x1fff, false, nil), // other PID ignored
		tsPacket(videoPID, false, []byte{7, 8, 9}),
	)
	if done {
		t.Fatalf("finished before the next access unit began")
	}
	if e.accumulated != 3 {
		t.Fatalf("accumulated %d packets, want 3", e.accumulated)
	}
	if !feedAll(t, e, pesPacket(videoPID, 0x41)) {
		t.Fatalf("next PES start did not finish the capture")
	}
}

func TestExtractorHEVC(t *testing.T) {
	e, err := New(testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	const pmtPID, videoPID = 0x40, 0x41
	// HEVC IDR_W_RADL is NAL type 19: (19 << 1) in the first header
	// byte.
	done := feedAll(t, e,
		patPacket(pmtPID),
		pmtPacket(pmtPID, videoPID, streamTypeHEVC),
		pesPacket(videoPID, 19<<1),
		pesPacket(videoPID, 1<<1),
	)
	if !done {
		t.Fatalf("HEVC IDR not detected")
	}
}

func TestExtractorRejectsAudioOnly(t *testing.T) {
	e, err := New(testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	_, ferr := e.Feed(append(patPacket(0x30), pmtPacket(0x30, 0x31, 0x0f)...)) // AAC only
	if ferr == nil {
		t.Fatalf("PMT without video accepted")
	}
}

func TestExtractorResync(t *testing.T) {
	e, err := New(testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	// Garbage before a valid PAT: the scan skips non-0x47 packets.
	garbage := make([]byte, tsPacketSize)
	done := feedAll(t, e, garbage, patPacket(0x50))
	if done {
		t.Fatalf("done on PAT alone")
	}
	if e.phase != phasePMT {
		t.Fatalf("PAT not parsed after resync (phase %d)", e.phase)
	}
}
