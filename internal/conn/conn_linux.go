//go:build linux

package conn

import (
	"errors"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/buffer"
)

// ErrWouldBlock is returned by Flush when the socket accepted nothing.
var ErrWouldBlock = errors.New("conn: send would block")

// Injection points for tests; production never swaps them.
var (
	sendmsgBuffers = unix.SendmsgBuffers
	sendfile       = unix.Sendfile
	recvmsg        = unix.Recvmsg
)

// Conn is one client TCP socket with its send and pending-completion
// queues. It lives on exactly one worker loop.
type Conn struct {
	log  *slog.Logger
	fd   int
	pool *buffer.Pool

	send    Queue
	pending Queue

	// Zero-copy completion ids. nextID is assigned per sendmsg call;
	// completions arrive as (low, high) id ranges.
	nextID        uint32
	lastCompleted uint32

	// zerocopy is set when SO_ZEROCOPY armed successfully at setup.
	zerocopy bool

	// Counters surfaced on the status page.
	BytesSent   uint64
	CopiedSends uint64 // zero-copy sends the kernel fell back to copying

	wantWritable bool
}

// New wraps an accepted, non-blocking client socket. Zero-copy is probed
// here; a kernel without SO_ZEROCOPY degrades to copying sends on the same
// code path.
func New(log *slog.Logger, fd int, pool *buffer.Pool) *Conn {
	c := &Conn{log: log, fd: fd, pool: pool}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err == nil {
		c.zerocopy = true
	} else {
		log.Debug("conn: zero-copy unavailable", "fd", fd, "err", err)
	}
	return c
}

// FD returns the client socket.
func (c *Conn) FD() int { return c.fd }

// QueueAdd appends one buffer reference to the send queue, taking
// ownership of the caller's reference.
func (c *Conn) QueueAdd(r *buffer.Ref) {
	c.send.Add(r, time.Now())
}

// QueueAddFile wraps fd into a file-kind ref and appends it. Ownership of
// fd transfers.
func (c *Conn) QueueAddFile(fd int, offset, length int64) {
	c.send.Add(c.pool.NewFileRef(fd, offset, length), time.Now())
}

// QueueBytes copies b into pool buffers and queues them. Used for response
// headers and small generated bodies; returns false on pool exhaustion.
func (c *Conn) QueueBytes(b []byte) bool {
	for len(b) > 0 {
		r := c.pool.Alloc()
		if r == nil {
			return false
		}
		n := copy(r.Cap(), b)
		r.SetLen(n)
		b = b[n:]
		c.QueueAdd(r)
	}
	return true
}

// ShouldFlush reports whether enough is queued (or has waited long enough)
// to justify a send syscall.
func (c *Conn) ShouldFlush(now time.Time) bool {
	if c.send.Empty() {
		return false
	}
	return c.send.Bytes() >= BatchBytes ||
		c.send.Len() >= MaxIovecs ||
		c.send.Age(now) >= BatchTimeout
}

// PendingBytes returns unsent queue depth.
func (c *Conn) PendingBytes() int { return c.send.Bytes() }

// NeedWritable reports whether the last flush left data behind.
func (c *Conn) NeedWritable() bool { return c.wantWritable }

// Flush sends as much of the queue as the socket accepts. Memory buffers
// go out in one scatter-gather sendmsg (zero-copy when armed); file
// buffers go through sendfile. Returns ErrWouldBlock when nothing moved.
func (c *Conn) Flush() (int, error) {
	total := 0
	for !c.send.Empty() {
		var n int
		var err error
		if c.send.Head().Kind() == buffer.KindFile {
			n, err = c.flushFile()
		} else {
			n, err = c.flushMemory()
		}
		total += n
		if err != nil {
			if errors.Is(err, ErrWouldBlock) && total > 0 {
				err = nil
			}
			c.wantWritable = !c.send.Empty()
			return total, err
		}
	}
	c.wantWritable = false
	return total, nil
}

func (c *Conn) flushMemory() (int, error) {
	var bufs [MaxIovecs][]byte
	cnt := 0
	for r := c.send.Head(); r != nil && cnt < MaxIovecs; r = r.Next() {
		if r.Kind() != buffer.KindMemory {
			break
		}
		bufs[cnt] = r.Bytes()
		cnt++
	}

	flags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
	if c.zerocopy {
		flags |= unix.MSG_ZEROCOPY
	}
	n, err := sendmsgBuffers(c.fd, bufs[:cnt], nil, nil, flags)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.ENOBUFS) && c.zerocopy:
			// Zero-copy optmem pressure; this send copies instead.
			n, err = sendmsgBuffers(c.fd, bufs[:cnt], nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					return 0, ErrWouldBlock
				}
				return 0, err
			}
			c.consumeSent(n, false)
			return n, nil
		default:
			return 0, err
		}
	}
	c.consumeSent(n, c.zerocopy)
	return n, nil
}

// consumeSent walks n sent bytes off the queue head. Fully-sent buffers
// move to the pending queue under the id of this send when it was
// zero-copy, or are released immediately on the copying path.
func (c *Conn) consumeSent(n int, zc bool) {
	c.BytesSent += uint64(n)
	id := c.nextID
	if zc {
		c.nextID++
	}
	for n > 0 {
		r := c.send.Head()
		rem := r.Remaining()
		if n < rem {
			c.send.Consume(r, n)
			return
		}
		n -= rem
		r = c.send.Pop()
		if zc {
			r.ZCID = id
			c.pending.Add(r, time.Time{})
		} else {
			c.pool.Put(r)
		}
	}
}

func (c *Conn) flushFile() (int, error) {
	r := c.send.Head()
	off := r.FileOffset() + r.FileSent
	n, err := sendfile(c.fd, r.FD(), &off, r.Remaining())
	if n > 0 {
		c.BytesSent += uint64(n)
		c.send.Consume(r, n)
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return n, ErrWouldBlock
		}
		return n, err
	}
	if r.Remaining() == 0 {
		c.pool.Put(c.send.Pop())
	}
	return n, nil
}

// HandleCompletions drains the socket error queue and releases pending
// buffers whose send id falls inside a completed (low, high) range.
// Kernel-copied completions are counted but release the same way.
func (c *Conn) HandleCompletions() {
	var dummy [1]byte
	var oob [128]byte
	for {
		_, oobn, _, _, err := recvmsg(c.fd, dummy[:], oob[:], unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			return
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			c.log.Debug("conn: bad errqueue cmsg", "err", err)
			return
		}
		for _, m := range cmsgs {
			isErr := (m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR) ||
				(m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_RECVERR)
			if !isErr || len(m.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				continue
			}
			ee := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
			if ee.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
				continue
			}
			if ee.Code == unix.SO_EE_CODE_ZEROCOPY_COPIED {
				c.CopiedSends++
			}
			c.release(ee.Info, ee.Data)
		}
	}
}

// release frees pending buffers with id in [lo, hi]. Completions can
// arrive out of order, so membership is by id range, not queue position.
func (c *Conn) release(lo, hi uint32) {
	var keep Queue
	for r := c.pending.Pop(); r != nil; r = c.pending.Pop() {
		if r.ZCID-lo <= hi-lo {
			c.pool.Put(r)
		} else {
			keep.Add(r, time.Time{})
		}
	}
	c.pending = keep
	if int32(hi-c.lastCompleted) > 0 {
		c.lastCompleted = hi
	}
}

// Teardown releases every queued and pending reference. The caller closes
// the socket and removes it from the loop.
func (c *Conn) Teardown() {
	c.send.Drain(c.pool)
	c.pending.Drain(c.pool)
}

// QueueDepth exposes (send, pending) entry counts for the status page.
func (c *Conn) QueueDepth() (int, int) { return c.send.Len(), c.pending.Len() }
