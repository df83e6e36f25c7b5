//go:build linux

// Package rtsp implements a minimal non-blocking RTSP client for pulling a
// channel over interleaved TCP: DESCRIBE → SETUP (RTP/AVP/TCP) → PLAY,
// then demuxing `$`-framed interleaved RTP into pool buffers. The whole
// exchange is a state machine driven by loop readiness events; nothing
// here blocks.
package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/buffer"
)

// State of the RTSP exchange.
type State uint8

const (
	StateConnecting State = iota
	StateDescribe
	StateSetup
	StatePlay
	StateStreaming
	StateClosed
)

const (
	// keepaliveInterval spaces GET_PARAMETER probes once streaming.
	keepaliveInterval = 30 * time.Second
	// handshakeTimeout bounds each request/response round trip.
	handshakeTimeout = 5 * time.Second
	// maxHeadBytes bounds a response head before we call it garbage.
	maxHeadBytes = 16 * 1024
)

var ErrClosed = errors.New("rtsp: session closed")

// Session is one RTSP pull.
type Session struct {
	log  *slog.Logger
	pool *buffer.Pool

	fd    int
	state State
	url   *url.URL

	cseq      int
	sessionID string
	playseek  string

	inBuf  []byte
	outBuf []byte

	// Interleaved frame reassembly.
	frameNeed int // bytes still missing from the current frame
	frameChan byte
	frameBuf  []byte

	deadline time.Time

	// DeliverRTP hands one interleaved RTP payload downstream as a pool
	// buffer; ownership transfers.
	DeliverRTP func(r *buffer.Ref)
	// OnReady fires once PLAY succeeds.
	OnReady func()
	// OnError reports a fatal session error; the owner tears down.
	OnError func(err error)
}

// Dial starts a non-blocking connect to the RTSP server. The returned
// session's fd must be registered for read+write; completion of the
// connect arrives as writability.
func Dial(log *slog.Logger, pool *buffer.Pool, rawurl, playseek, ifname string) (*Session, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("rtsp: url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "554"
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("rtsp: host %q must be resolved before dial", host)
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("rtsp: port %q: %w", port, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("rtsp: socket: %w", err)
	}
	if ifname != "" {
		if err := unix.BindToDevice(fd, ifname); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rtsp: bind to %q: %w", ifname, err)
		}
	}
	sa := &unix.SockaddrInet4{Addr: addr.As4(), Port: int(portNum)}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("rtsp: connect: %w", err)
	}

	return &Session{
		log:      log,
		pool:     pool,
		fd:       fd,
		state:    StateConnecting,
		url:      u,
		playseek: playseek,
		deadline: time.Now().Add(handshakeTimeout),
	}, nil
}

// FD returns the TCP socket for loop registration.
func (s *Session) FD() int { return s.fd }

// WantWrite reports whether the session has bytes to send (or a connect in
// flight).
func (s *Session) WantWrite() bool {
	return s.state == StateConnecting || len(s.outBuf) > 0
}

// NextDeadline returns the handshake or keepalive deadline.
func (s *Session) NextDeadline() time.Time { return s.deadline }

// HandleWritable advances the connect and drains the output buffer.
func (s *Session) HandleWritable() {
	if s.state == StateClosed {
		return
	}
	if s.state == StateConnecting {
		soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || soerr != 0 {
			s.fatal(fmt.Errorf("rtsp: connect failed: errno %d", soerr))
			return
		}
		s.state = StateDescribe
		s.sendRequest("DESCRIBE", s.url.String(), map[string]string{
			"Accept": "application/sdp",
		})
	}
	s.flushOut()
}

func (s *Session) flushOut() {
	for len(s.outBuf) > 0 {
		n, err := unix.Write(s.fd, s.outBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			s.fatal(fmt.Errorf("rtsp: write: %w", err))
			return
		}
		s.outBuf = s.outBuf[n:]
	}
}

func (s *Session) sendRequest(method, target string, hdrs map[string]string) {
	s.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\nUser-Agent: castgate\r\n", method, target, s.cseq)
	if s.sessionID != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", s.sessionID)
	}
	for k, v := range hdrs {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	s.outBuf = append(s.outBuf, b.String()...)
	s.deadline = time.Now().Add(handshakeTimeout)
	s.flushOut()
}

// HandleReadable consumes socket data: response heads during the
// handshake, interleaved frames once streaming. Both can interleave on the
// wire, so everything funnels through one buffer.
func (s *Session) HandleReadable() {
	var tmp [4096]byte
	for s.state != StateClosed {
		n, err := unix.Read(s.fd, tmp[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			s.fatal(fmt.Errorf("rtsp: read: %w", err))
			return
		}
		if n == 0 {
			s.fatal(fmt.Errorf("rtsp: server closed connection"))
			return
		}
		s.inBuf = append(s.inBuf, tmp[:n]...)
	}
	s.consume()
}

func (s *Session) consume() {
	for s.state != StateClosed && len(s.inBuf) > 0 {
		if s.frameNeed > 0 || s.inBuf[0] == '$' {
			if !s.consumeFrame() {
				return
			}
			continue
		}
		if !s.consumeResponse() {
			return
		}
	}
}

// consumeFrame reassembles one interleaved frame; returns false when more
// bytes are needed.
func (s *Session) consumeFrame() bool {
	if s.frameNeed == 0 {
		if len(s.inBuf) < 4 {
			return false
		}
		s.frameChan = s.inBuf[1]
		s.frameNeed = int(s.inBuf[2])<<8 | int(s.inBuf[3])
		s.inBuf = s.inBuf[4:]
		s.frameBuf = s.frameBuf[:0]
	}
	take := s.frameNeed
	if take > len(s.inBuf) {
		take = len(s.inBuf)
	}
	s.frameBuf = append(s.frameBuf, s.inBuf[:take]...)
	s.inBuf = s.inBuf[take:]
	s.frameNeed -= take
	if s.frameNeed > 0 {
		return false
	}

	// Channel 0 carries RTP; odd channels carry RTCP we don't need.
	if s.frameChan%2 == 0 && s.DeliverRTP != nil {
		r := s.pool.Alloc()
		if r == nil {
			s.pool.Drops++
			return true
		}
		n := copy(r.Cap(), s.frameBuf)
		r.SetLen(n)
		s.DeliverRTP(r)
	}
	return true
}

// consumeResponse parses one RTSP response head (and its SDP body) and
// advances the handshake. Returns false when the head is incomplete.
func (s *Session) consumeResponse() bool {
	idx := bytes.Index(s.inBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(s.inBuf) > maxHeadBytes {
			s.fatal(fmt.Errorf("rtsp: oversized response head"))
		}
		return false
	}
	head := s.inBuf[:idx+4]

	status, hdrs, err := parseHead(head)
	if err != nil {
		s.fatal(err)
		return false
	}
	bodyLen := 0
	if cl := hdrs.Get("Content-Length"); cl != "" {
		bodyLen, _ = strconv.Atoi(cl)
	}
	if len(s.inBuf) < idx+4+bodyLen {
		return false
	}
	s.inBuf = s.inBuf[idx+4+bodyLen:]

	if status != 200 {
		s.fatal(fmt.Errorf("rtsp: %s returned %d", s.state, status))
		return false
	}

	switch s.state {
	case StateDescribe:
		s.state = StateSetup
		s.sendRequest("SETUP", s.url.String()+"/trackID=0", map[string]string{
			"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1",
		})
	case StateSetup:
		if sid := hdrs.Get("Session"); sid != "" {
			s.sessionID, _, _ = strings.Cut(sid, ";")
		}
		s.state = StatePlay
		playHdrs := map[string]string{}
		if s.playseek != "" {
			playHdrs["Range"] = fmt.Sprintf("clock=%s-", s.playseek)
		} else {
			playHdrs["Range"] = "npt=now-"
		}
		s.sendRequest("PLAY", s.url.String(), playHdrs)
	case StatePlay:
		s.state = StateStreaming
		s.deadline = time.Now().Add(keepaliveInterval)
		s.log.Debug("rtsp: streaming", "url", s.url.Redacted())
		if s.OnReady != nil {
			s.OnReady()
		}
	case StateStreaming:
		// Keepalive reply; nothing to do.
	}
	return true
}

func parseHead(head []byte) (int, textproto.MIMEHeader, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := r.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("rtsp: bad response: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return 0, nil, fmt.Errorf("rtsp: bad status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("rtsp: bad status %q", parts[1])
	}
	hdrs, err := r.ReadMIMEHeader()
	if err != nil {
		return 0, nil, fmt.Errorf("rtsp: bad headers: %w", err)
	}
	return status, hdrs, nil
}

func (s *Session) String() string { return s.state.String() }

func (st State) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateDescribe:
		return "describe"
	case StateSetup:
		return "setup"
	case StatePlay:
		return "play"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(st))
}

// Tick enforces the handshake timeout and sends keepalives while
// streaming.
func (s *Session) Tick(now time.Time) {
	if s.state == StateClosed || s.deadline.IsZero() || now.Before(s.deadline) {
		return
	}
	if s.state == StateStreaming {
		s.deadline = now.Add(keepaliveInterval)
		s.sendRequest("GET_PARAMETER", s.url.String(), nil)
		return
	}
	s.fatal(fmt.Errorf("rtsp: timeout in state %s", s.state))
}

func (s *Session) fatal(err error) {
	if s.state == StateClosed {
		return
	}
	s.log.Warn("rtsp: session failed", "err", err)
	s.state = StateClosed
	if s.OnError != nil {
		s.OnError(err)
	}
}

// Close sends TEARDOWN best-effort and closes the socket.
func (s *Session) Close() {
	if s.state == StateStreaming {
		s.sendRequest("TEARDOWN", s.url.String(), nil)
	}
	s.state = StateClosed
	_ = unix.Close(s.fd)
}
