// Package snapshot turns a live MPEG-TS multicast stream into a single
// JPEG: it caches PAT and PMT, waits for an IDR keyframe on the video PID,
// accumulates that access unit into a scratch file, and hands the file to
// an external encoder. The TS walk is incremental: Feed is called with
// each arriving payload and never blocks.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

const tsPacketSize = 188

// Stream types from the PMT we can snapshot.
const (
	streamTypeH264 = 0x1b
	streamTypeHEVC = 0x24
)

// Codec of the selected video elementary stream.
type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecHEVC
)

type phase uint8

const (
	phasePAT phase = iota
	phasePMT
	phaseIDR
	phaseAccumulate
	phaseDone
)

var ErrNoVideo = errors.New("snapshot: no snapshot-capable video stream")

// Extractor accumulates one IDR access unit.
type Extractor struct {
	log *slog.Logger

	phase    phase
	pmtPID   uint16
	videoPID uint16
	codec    Codec

	// PAT and PMT packets are cached and written as the file prefix so
	// the encoder can demux the fragment.
	patPkt []byte
	pmtPkt []byte

	file *os.File

	// Packets accumulated since the IDR, capped to bound the scratch
	// file.
	accumulated int
	maxPackets  int
}

// New creates the scratch file in the system temp directory.
func New(log *slog.Logger) (*Extractor, error) {
	f, err := os.CreateTemp("", "castgate-snap-*.ts")
	if err != nil {
		return nil, fmt.Errorf("snapshot: scratch file: %w", err)
	}
	// Unlinked immediately; the fd keeps it alive.
	_ = os.Remove(f.Name())
	return &Extractor{
		log:        log,
		file:       f,
		maxPackets: 4096,
	}, nil
}

// Feed walks the TS packets inside one UDP/RTP payload. It returns true
// once the access unit is complete and Finish may run.
func (e *Extractor) Feed(payload []byte) (bool, error) {
	for len(payload) >= tsPacketSize {
		pkt := payload[:tsPacketSize]
		payload = payload[tsPacketSize:]
		if pkt[0] != 0x47 {
			continue // lost sync; skip to the next candidate
		}
		done, err := e.feedPacket(pkt)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

func (e *Extractor) feedPacket(pkt []byte) (bool, error) {
	pid := binary.BigEndian.Uint16(pkt[1:3]) & 0x1fff
	pusi := pkt[1]&0x40 != 0

	switch e.phase {
	case phasePAT:
		if pid != 0 || !pusi {
			return false, nil
		}
		pmt, err := parsePAT(tsPayload(pkt))
		if err != nil {
			return false, nil
		}
		e.patPkt = append([]byte(nil), pkt...)
		e.pmtPID = pmt
		e.phase = phasePMT
	case phasePMT:
		if pid != e.pmtPID || !pusi {
			return false, nil
		}
		vpid, codec, err := parsePMT(tsPayload(pkt))
		if err != nil {
			if errors.Is(err, ErrNoVideo) {
				return false, err
			}
			return false, nil
		}
		e.pmtPkt = append([]byte(nil), pkt...)
		e.videoPID = vpid
		e.codec = codec
		e.phase = phaseIDR
	case phaseIDR:
		if pid != e.videoPID || !pusi {
			return false, nil
		}
		if !containsIDR(tsPayload(pkt), e.codec) {
			return false, nil
		}
		if _, err := e.file.Write(e.patPkt); err != nil {
			return false, fmt.Errorf("snapshot: write: %w", err)
		}
		if _, err := e.file.Write(e.pmtPkt); err != nil {
			return false, fmt.Errorf("snapshot: write: %w", err)
		}
		if _, err := e.file.Write(pkt); err != nil {
			return false, fmt.Errorf("snapshot: write: %w", err)
		}
		e.accumulated = 1
		e.phase = phaseAccumulate
	case phaseAccumulate:
		if pid != e.videoPID {
			return false, nil
		}
		if pusi {
			// Next PES start on the video PID ends the access unit.
			e.phase = phaseDone
			return true, nil
		}
		if _, err := e.file.Write(pkt); err != nil {
			return false, fmt.Errorf("snapshot: write: %w", err)
		}
		e.accumulated++
		if e.accumulated >= e.maxPackets {
			e.phase = phaseDone
			return true, nil
		}
	case phaseDone:
		return true, nil
	}
	return false, nil
}

// tsPayload returns the packet payload past the adaptation field.
func tsPayload(pkt []byte) []byte {
	afc := pkt[3] >> 4 & 0x3
	off := 4
	if afc == 2 {
		return nil
	}
	if afc == 3 {
		off += 1 + int(pkt[4])
		if off >= len(pkt) {
			return nil
		}
	}
	return pkt[off:]
}

// parsePAT returns the PID of the first program's PMT.
func parsePAT(p []byte) (uint16, error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("snapshot: empty PAT")
	}
	p = p[1+int(p[0]):] // pointer field
	if len(p) < 12 || p[0] != 0 {
		return 0, fmt.Errorf("snapshot: not a PAT")
	}
	sectionLen := int(binary.BigEndian.Uint16(p[1:3]) & 0x0fff)
	if sectionLen+3 > len(p) {
		sectionLen = len(p) - 3
	}
	// Skip to the program loop; take the first non-NIT entry.
	for off := 8; off+4 <= 3+sectionLen-4; off += 4 {
		prog := binary.BigEndian.Uint16(p[off : off+2])
		pid := binary.BigEndian.Uint16(p[off+2:off+4]) & 0x1fff
		if prog != 0 {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("snapshot: PAT without programs")
}

// parsePMT returns the first snapshot-capable video elementary PID.
func parsePMT(p []byte) (uint16, Codec, error) {
	if len(p) < 1 {
		return 0, CodecUnknown, fmt.Errorf("snapshot: empty PMT")
	}
	p = p[1+int(p[0]):]
	if len(p) < 16 || p[0] != 2 {
		return 0, CodecUnknown, fmt.Errorf("snapshot: not a PMT")
	}
	sectionLen := int(binary.BigEndian.Uint16(p[1:3]) & 0x0fff)
	end := 3 + sectionLen - 4 // strip CRC
	if end > len(p) {
		end = len(p)
	}
	progInfoLen := int(binary.BigEndian.Uint16(p[10:12]) & 0x0fff)
	off := 12 + progInfoLen
	for off+5 <= end {
		streamType := p[off]
		pid := binary.BigEndian.Uint16(p[off+1:off+3]) & 0x1fff
		esInfoLen := int(binary.BigEndian.Uint16(p[off+3:off+5]) & 0x0fff)
		switch streamType {
		case streamTypeH264:
			return pid, CodecH264, nil
		case streamTypeHEVC:
			return pid, CodecHEVC, nil
		}
		off += 5 + esInfoLen
	}
	return 0, CodecUnknown, ErrNoVideo
}

// containsIDR scans a PES payload start for an IDR NAL: H.264 type 5, or
// HEVC types 19/20/21 (IDR_W_RADL, IDR_N_LP, CRA).
func containsIDR(p []byte, codec Codec) bool {
	// Skip the PES header when present.
	if len(p) > 9 && p[0] == 0 && p[1] == 0 && p[2] == 1 {
		hdrLen := int(p[8])
		if 9+hdrLen < len(p) {
			p = p[9+hdrLen:]
		}
	}
	for i := 0; i+4 < len(p); i++ {
		if p[i] != 0 || p[i+1] != 0 {
			continue
		}
		var nal byte
		if p[i+2] == 1 {
			nal = p[i+3]
		} else if p[i+2] == 0 && i+5 < len(p) && p[i+3] == 1 {
			nal = p[i+4]
		} else {
			continue
		}
		switch codec {
		case CodecH264:
			if nal&0x1f == 5 {
				return true
			}
		case CodecHEVC:
			t := nal >> 1 & 0x3f
			if t >= 19 && t <= 21 {
				return true
			}
		}
	}
	return false
}

// Result is a finished JPEG ready for a file-backed queue entry.
type Result struct {
	FD   int
	Size int64
}

// Finish runs the external encoder over the scratch file and returns the
// JPEG output file. It blocks on the subprocess, so workers call it from a
// goroutine and re-enter the loop with the result.
func (e *Extractor) Finish(ffmpegPath string, extraArgs []string) (Result, error) {
	if e.phase != phaseDone && e.phase != phaseAccumulate {
		return Result{}, fmt.Errorf("snapshot: no keyframe captured")
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	out, err := os.CreateTemp("", "castgate-snap-*.jpg")
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: output file: %w", err)
	}
	_ = os.Remove(out.Name())

	if _, err := e.file.Seek(0, 0); err != nil {
		out.Close()
		return Result{}, err
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-frames:v", "1", "-f", "mjpeg", "pipe:1"}
	args = append(args, extraArgs...)
	cmd := exec.Command(ffmpegPath, args...)
	cmd.Stdin = e.file
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		out.Close()
		return Result{}, fmt.Errorf("snapshot: %s: %w", ffmpegPath, err)
	}
	st, err := out.Stat()
	if err != nil || st.Size() == 0 {
		out.Close()
		return Result{}, fmt.Errorf("snapshot: encoder produced no output")
	}

	// Ownership of the descriptor transfers to the caller's file ref.
	fd, err := dupFD(out)
	out.Close()
	if err != nil {
		return Result{}, err
	}
	return Result{FD: fd, Size: st.Size()}, nil
}

// Close releases the scratch file.
func (e *Extractor) Close() {
	if e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}
