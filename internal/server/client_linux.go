//go:build linux

package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/conn"
	"github.com/tinyrange/castgate/internal/event"
	"github.com/tinyrange/castgate/internal/playlist"
	"github.com/tinyrange/castgate/internal/service"
	"github.com/tinyrange/castgate/internal/status"
)

// maxRequestHead bounds the request head we will buffer.
const maxRequestHead = 8192

type clientState uint8

const (
	clientReadingRequest clientState = iota
	clientResolving // request parse off-loop (name resolution may block)
	clientStreaming
	clientDraining // response queued, close when the queue empties
	clientClosed
)

// Client is one HTTP client connection and, once streaming, the owner of
// every ingress fd its stream uses.
type Client struct {
	w    *Worker
	fd   int
	conn *conn.Conn
	peer string

	state   clientState
	readBuf []byte

	stream *Stream
	slot   *status.Slot
}

func newClient(w *Worker, fd int, peer string) *Client {
	return &Client{
		w:    w,
		fd:   fd,
		conn: conn.New(w.log, fd, w.pool),
		peer: peer,
	}
}

// HandleEvent dispatches readiness for the client socket and for any
// ingress fd owned by the stream.
func (c *Client) HandleEvent(fd int, events uint32) {
	if c.state == clientClosed {
		return
	}
	if fd != c.fd {
		if c.stream != nil {
			c.stream.handleIngress(fd, events)
			c.afterIngress()
		}
		return
	}

	if events&event.Errored != 0 {
		// Zero-copy completions arrive as error-queue readiness.
		c.conn.HandleCompletions()
	}
	if events&event.Readable != 0 {
		c.handleClientReadable()
		if c.state == clientClosed {
			return
		}
	}
	if events&(event.Closed) != 0 {
		c.close("client closed connection")
		return
	}
	if events&event.Writable != 0 {
		c.flush()
	}
}

func (c *Client) handleClientReadable() {
	var tmp [2048]byte
	for {
		n, err := unix.Read(c.fd, tmp[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			c.close(fmt.Sprintf("read error: %v", err))
			return
		}
		if n == 0 {
			c.close("client EOF")
			return
		}
		if c.state != clientReadingRequest {
			// Bytes after the request are ignored; draining them
			// here keeps EOF detection working.
			continue
		}
		c.readBuf = append(c.readBuf, tmp[:n]...)
		if len(c.readBuf) > maxRequestHead {
			c.respondError(400, "request too large")
			return
		}
		if idx := bytes.Index(c.readBuf, []byte("\r\n\r\n")); idx >= 0 {
			c.handleRequest(c.readBuf[:idx+4])
			return
		}
	}
}

// handleRequest parses the head and routes it.
func (c *Client) handleRequest(head []byte) {
	lines := strings.Split(string(head), "\r\n")
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		c.respondError(400, "malformed request line")
		return
	}
	method, target := parts[0], parts[1]
	if method != "GET" {
		c.respondError(501, "only GET is supported")
		return
	}

	if c.w.cfg.XFF {
		for _, l := range lines[1:] {
			name, val, ok := strings.Cut(l, ":")
			if ok && strings.EqualFold(strings.TrimSpace(name), "X-Forwarded-For") {
				if first, _, _ := strings.Cut(strings.TrimSpace(val), ","); first != "" {
					c.peer = first
				}
				break
			}
		}
	}

	path, rawQuery, _ := strings.Cut(target, "?")
	c.w.log.Debug("client: request", "peer", c.peer, "path", path)

	switch {
	case path == "/status":
		c.serveStatus(rawQuery)
	case path == "/playlist.m3u":
		c.servePlaylist()
	default:
		c.serveStream(path, rawQuery)
	}
}

func (c *Client) serveStatus(rawQuery string) {
	if strings.Contains(rawQuery, "json=1") {
		c.respondBody(200, "application/json", c.w.region.JSON())
		return
	}
	c.respondBody(200, "text/html; charset=utf-8", c.w.region.HTML())
}

func (c *Client) servePlaylist() {
	if c.w.cfg.PlaylistPath == "" {
		c.respondError(404, "no playlist configured")
		return
	}
	data, err := os.ReadFile(c.w.cfg.PlaylistPath)
	if err != nil {
		c.w.log.Warn("client: playlist read failed", "err", err)
		c.respondError(500, "playlist unavailable")
		return
	}
	base := c.w.cfg.Hostname
	if base == "" {
		base = "http://" + bindHost(c.w.cfg.Bind[0])
	}
	out := playlist.Rewrite(string(data), base)
	c.respondBody(200, "application/vnd.apple.mpegurl", []byte(out))
}

func bindHost(bind string) string {
	if strings.HasPrefix(bind, ":") {
		return "localhost" + bind
	}
	return bind
}

// serveStream parses the service request off the loop goroutine: the
// fcc=<host> and /rtsp/<url> forms may name hosts that need a DNS
// exchange, and nothing on the loop is allowed to block. The result
// re-enters the loop through Defer, like the snapshot encoder.
func (c *Client) serveStream(path, rawQuery string) {
	c.state = clientResolving
	w := c.w
	go func() {
		svc, err := service.ParseRequest(path, rawQuery, w.resolver)
		w.loop.Defer(func() {
			if c.state != clientResolving {
				return // closed while resolving
			}
			c.startStream(svc, err)
		})
	}()
}

func (c *Client) startStream(svc *service.Service, err error) {
	if err != nil {
		c.w.log.Debug("client: bad service request", "err", err)
		c.respondError(404, err.Error())
		return
	}

	c.slot = c.w.region.Acquire(c.w.ID, c.peer, svc.String())
	st, err := newStream(c, svc)
	if err != nil {
		c.w.log.Warn("client: stream setup failed", "service", svc, "err", err)
		c.w.region.Release(c.slot)
		c.slot = nil
		if isResourceError(err) {
			c.respondError(503, "temporarily out of resources")
		} else {
			c.respondError(500, "stream setup failed")
		}
		return
	}
	c.stream = st
	c.state = clientStreaming
	if c.slot != nil {
		c.slot.SetState(status.StateSetup)
	}
	c.w.region.Append("info", "%s streaming %s", c.peer, svc)

	ct := "video/mp2t"
	if svc.Snapshot {
		ct = "image/jpeg"
	}
	hdr := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nConnection: close\r\n\r\n", ct)
	if !c.conn.QueueBytes([]byte(hdr)) {
		c.close("pool exhausted writing header")
		return
	}
	c.flush()
}

func isResourceError(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOMEM)
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

func (c *Client) respondError(code int, msg string) {
	body := fmt.Sprintf("%d %s: %s\n", code, statusText[code], msg)
	c.respondBody(code, "text/plain", []byte(body))
}

func (c *Client) respondBody(code int, contentType string, body []byte) {
	hdr := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		code, statusText[code], contentType, len(body))
	ok := c.conn.QueueBytes([]byte(hdr)) && c.conn.QueueBytes(body)
	if !ok {
		c.close("pool exhausted writing response")
		return
	}
	c.state = clientDraining
	c.flush()
}

// respondFile queues the response header and a file-backed body, then
// drains and closes. Ownership of fd transfers.
func (c *Client) respondFile(contentType string, fd int, size int64) {
	hdr := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		contentType, size)
	if !c.conn.QueueBytes([]byte(hdr)) {
		unix.Close(fd)
		c.close("pool exhausted writing header")
		return
	}
	c.conn.QueueAddFile(fd, 0, size)
	c.state = clientDraining
	c.flush()
}

// afterIngress runs once per ingress dispatch: push queued data out and
// update counters.
func (c *Client) afterIngress() {
	if c.state == clientClosed {
		return
	}
	if c.slot != nil {
		c.slot.Bytes.Store(c.conn.BytesSent)
	}
	now := time.Now()
	if c.conn.ShouldFlush(now) {
		c.flush()
	} else {
		c.updateWriteInterest()
	}
}

func (c *Client) flush() {
	if c.state == clientClosed {
		return
	}
	_, err := c.conn.Flush()
	if err != nil && err != conn.ErrWouldBlock {
		c.close(fmt.Sprintf("send failed: %v", err))
		return
	}
	if c.state == clientDraining && c.conn.PendingBytes() == 0 {
		c.close("response complete")
		return
	}
	c.updateWriteInterest()
}

func (c *Client) updateWriteInterest() {
	want := uint32(event.Readable)
	if c.conn.NeedWritable() {
		want |= event.Writable
	}
	_ = c.w.loop.Modify(c.fd, want)
}

// NextDeadline aggregates every pending deadline of the connection.
func (c *Client) NextDeadline() time.Time {
	var d time.Time
	min := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if d.IsZero() || t.Before(d) {
			d = t
		}
	}
	if !c.conn.ShouldFlush(time.Now()) && c.conn.PendingBytes() > 0 {
		min(time.Now().Add(conn.BatchTimeout))
	}
	if c.stream != nil {
		c.stream.deadlines(min)
	}
	return d
}

// Tick drives stream timeouts and the flush batch timer.
func (c *Client) Tick(now time.Time) {
	if c.state == clientClosed {
		return
	}
	if c.stream != nil {
		c.stream.tick(now)
		if c.state == clientClosed {
			return
		}
	}
	if c.conn.ShouldFlush(now) {
		c.flush()
	}
}

// close tears down everything the client owns in this loop iteration:
// stream sessions, ingress fds, queued buffers, status slot, socket.
func (c *Client) close(reason string) {
	if c.state == clientClosed {
		return
	}
	c.state = clientClosed
	c.w.log.Debug("client: closing", "peer", c.peer, "reason", reason)
	if c.slot != nil {
		c.slot.SetState(status.StateClosing)
	}

	if c.stream != nil {
		c.stream.teardown()
		c.stream = nil
	}
	c.conn.Teardown()
	c.w.loop.Unregister(c.fd)
	unix.Close(c.fd)
	c.w.region.Release(c.slot)
	c.slot = nil
	c.w.removeClient(c)
}
