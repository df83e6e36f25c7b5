//go:build linux

package rtsp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/buffer"
)

type harness struct {
	sess    *Session
	peer    int
	pool    *buffer.Pool
	frames  [][]byte
	ready   bool
	fatal   error
}

// newHarness wires a session to one end of a stream socketpair, already
// past the connect phase.
func newHarness(tb testing.TB) *harness {
	tb.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		tb.Fatalf("socketpair: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	u, _ := url.Parse("rtsp://10.0.0.5:554/live/ch1")
	h := &harness{
		peer: fds[1],
		pool: buffer.NewPool(log, buffer.Options{Initial: 64, Max: 64}),
	}
	h.sess = &Session{
		log:   log,
		pool:  h.pool,
		fd:    fds[0],
		state: StateConnecting,
		url:   u,
	}
	h.sess.DeliverRTP = func(r *buffer.Ref) {
		h.frames = append(h.frames, append([]byte(nil), r.Payload()...))
		h.pool.Put(r)
	}
	h.sess.OnReady = func() { h.ready = true }
	h.sess.OnError = func(err error) { h.fatal = err }
	tb.Cleanup(func() {
		unix.Close(fds[1])
		if h.sess.state != StateClosed {
			h.sess.Close()
		}
	})
	return h
}

// serverRead drains what the session wrote to the server side.
func (h *harness) serverRead(tb testing.TB) string {
	tb.Helper()
	var out []byte
	var tmp [4096]byte
	for {
		n, err := unix.Read(h.peer, tmp[:])
		if n > 0 {
			out = append(out, tmp[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return string(out)
}

func (h *harness) serverWrite(tb testing.TB, data []byte) {
	tb.Helper()
	if _, err := unix.Write(h.peer, data); err != nil {
		tb.Fatalf("server write: %v", err)
	}
	h.sess.HandleReadable()
}

func okResponse(extra string) []byte {
	return []byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\n" + extra + "\r\n")
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)

	// Connect completion drives DESCRIBE.
	h.sess.HandleWritable()
	if h.sess.state != StateDescribe {
		t.Fatalf("state %s after connect", h.sess.state)
	}
	req := h.serverRead(t)
	if !strings.HasPrefix(req, "DESCRIBE rtsp://10.0.0.5:554/live/ch1 RTSP/1.0\r\n") {
		t.Fatalf("first request:\n%s", req)
	}

	sdp := "v=0\r\nm=video 0 RTP/AVP 33\r\n"
	h.serverWrite(t, []byte(fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Length: %d\r\n\r\n%s", len(sdp), sdp)))
	req = h.serverRead(t)
	if !strings.Contains(req, "SETUP ") || !strings.Contains(req, "RTP/AVP/TCP;unicast;interleaved=0-1") {
		t.Fatalf("setup request:\n%s", req)
	}

	h.serverWrite(t, okResponse("Session: 12345678;timeout=60\r\n"))
	if h.sess.sessionID != "12345678" {
		t.Fatalf("session id %q", h.sess.sessionID)
	}
	req = h.serverRead(t)
	if !strings.Contains(req, "PLAY ") || !strings.Contains(req, "Session: 12345678") {
		t.Fatalf("play request:\n%s", req)
	}
	if !strings.Contains(req, "Range: npt=now-") {
		t.Fatalf("live play without now range:\n%s", req)
	}

	h.serverWrite(t, okResponse(""))
	if h.sess.state != StateStreaming || !h.ready {
		t.Fatalf("state %s ready=%v after PLAY", h.sess.state, h.ready)
	}
}

func TestPlayseekRange(t *testing.T) {
	h := newHarness(t)
	h.sess.playseek = "20260101T000000Z"
	h.sess.HandleWritable()
	h.serverRead(t)
	h.serverWrite(t, okResponse(""))
	h.serverRead(t)
	h.serverWrite(t, okResponse("Session: abc\r\n"))
	req := h.serverRead(t)
	if !strings.Contains(req, "Range: clock=20260101T000000Z-") {
		t.Fatalf("playseek range missing:\n%s", req)
	}
}

// Interleaved frames demux to RTP deliveries, RTCP channels are skipped,
// and a frame split across reads reassembles.
func TestInterleavedDemux(t *testing.T) {
	h := newHarness(t)
	h.sess.state = StateStreaming

	rtpFrame := []byte{0x80, 33, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0xaa, 0xbb}
	rtcpFrame := []byte{0x80, 200, 0, 0}

	var wire []byte
	wire = append(wire, '$', 0, byte(len(rtpFrame)>>8), byte(len(rtpFrame)))
	wire = append(wire, rtpFrame...)
	wire = append(wire, '$', 1, byte(len(rtcpFrame)>>8), byte(len(rtcpFrame)))
	wire = append(wire, rtcpFrame...)

	// Split mid-frame to exercise reassembly.
	h.serverWrite(t, wire[:7])
	if len(h.frames) != 0 {
		t.Fatalf("delivered a partial frame")
	}
	h.serverWrite(t, wire[7:])
	if len(h.frames) != 1 {
		t.Fatalf("frames %d, want 1 (rtcp skipped)", len(h.frames))
	}
	if !bytes.Equal(h.frames[0], rtpFrame) {
		t.Fatalf("frame %x, want %x", h.frames[0], rtpFrame)
	}
	if err := h.pool.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

// A response interleaved between frames (keepalive reply) parses without
// disturbing the stream.
func TestResponseBetweenFrames(t *testing.T) {
	h := newHarness(t)
	h.sess.state = StateStreaming

	frame := []byte{0x80, 33, 0, 2}
	var wire []byte
	wire = append(wire, '$', 0, 0, byte(len(frame)))
	wire = append(wire, frame...)
	wire = append(wire, okResponse("")...)
	wire = append(wire, '$', 0, 0, byte(len(frame)))
	wire = append(wire, frame...)

	h.serverWrite(t, wire)
	if len(h.frames) != 2 {
		t.Fatalf("frames %d, want 2", len(h.frames))
	}
	if h.fatal != nil {
		t.Fatalf("keepalive reply broke the session: %v", h.fatal)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	h.sess.HandleWritable()
	h.serverRead(t)
	h.sess.Tick(time.Now().Add(2 * handshakeTimeout))
	if h.fatal == nil || h.sess.state != StateClosed {
		t.Fatalf("handshake timeout not fatal: %v, state %s", h.fatal, h.sess.state)
	}
}

func TestErrorStatusFatal(t *testing.T) {
	h := newHarness(t)
	h.sess.HandleWritable()
	h.serverRead(t)
	h.serverWrite(t, []byte("RTSP/1.0 404 Not Found\r\nCSeq: 1\r\n\r\n"))
	if h.fatal == nil {
		t.Fatalf("404 response accepted")
	}
}

func TestKeepaliveTick(t *testing.T) {
	h := newHarness(t)
	h.sess.state = StateStreaming
	h.sess.sessionID = "xyz"
	h.sess.deadline = time.Now().Add(-time.Second)
	h.sess.Tick(time.Now())
	req := h.serverRead(t)
	if !strings.Contains(req, "GET_PARAMETER ") {
		t.Fatalf("no keepalive after deadline:\n%s", req)
	}
}
