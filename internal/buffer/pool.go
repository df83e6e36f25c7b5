// Package buffer implements the per-worker packet buffer pool: fixed-size,
// reference-counted buffers carved from segment slabs, a LIFO free list for
// cache warmth, and watermark-driven growth and shrink. The pool is owned
// by exactly one worker and is never locked.
package buffer

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Size is the payload capacity of every memory buffer. Larger than
	// any on-wire RTP datagram and a multiple of the 64-byte line size,
	// so buffers stay line-aligned within their slab.
	Size = 1536

	// MaxRecvBatch bounds the number of datagrams pulled from a socket
	// in one recvmmsg call.
	MaxRecvBatch = 32
)

// Options sizes a pool. Zero fields take the defaults.
type Options struct {
	BufferSize int
	Initial    int
	Max        int
	Expand     int
	LowWM      int
	HighWM     int
	// ShrinkGrace is the minimum age of a fully-idle segment before it
	// may be freed.
	ShrinkGrace time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BufferSize == 0 {
		out.BufferSize = Size
	}
	if out.Initial == 0 {
		out.Initial = 1024
	}
	if out.Max == 0 {
		out.Max = 16384
	}
	if out.Expand == 0 {
		out.Expand = 512
	}
	if out.LowWM == 0 {
		out.LowWM = 64
	}
	if out.HighWM == 0 {
		out.HighWM = 4096
	}
	if out.ShrinkGrace == 0 {
		out.ShrinkGrace = 30 * time.Second
	}
	return out
}

type segment struct {
	next    *segment
	slab    []byte
	refs    []Ref
	numFree int
	created time.Time
	pool    *Pool
}

// Pool owns every memory buffer of one worker.
type Pool struct {
	log *slog.Logger
	opt Options

	total    int
	free     int
	freeHead *Ref
	segs     *segment
	numSegs  int

	// Drops counts packets discarded because allocation failed.
	Drops uint64

	now func() time.Time
}

// NewPool pre-allocates one segment of opt.Initial buffers.
func NewPool(log *slog.Logger, opt Options) *Pool {
	p := &Pool{
		log: log,
		opt: opt.withDefaults(),
		now: time.Now,
	}
	p.addSegment(p.opt.Initial)
	return p
}

func (p *Pool) addSegment(n int) {
	seg := &segment{
		slab:    make([]byte, n*p.opt.BufferSize),
		refs:    make([]Ref, n),
		numFree: n,
		created: p.now(),
		pool:    p,
	}
	for i := range seg.refs {
		r := &seg.refs[i]
		r.kind = KindMemory
		r.data = seg.slab[i*p.opt.BufferSize : (i+1)*p.opt.BufferSize : (i+1)*p.opt.BufferSize]
		r.seg = seg
		r.next = p.freeHead
		p.freeHead = r
	}
	seg.next = p.segs
	p.segs = seg
	p.numSegs++
	p.total += n
	p.free += n
	p.log.Debug("pool: segment added", "buffers", n, "total", p.total)
}

// Alloc pops one buffer from the free list, or returns nil when the pool is
// exhausted. The returned Ref has refcount 1 and length 0.
func (p *Pool) Alloc() *Ref {
	r := p.freeHead
	if r == nil {
		return nil
	}
	p.freeHead = r.next
	p.free--
	r.seg.numFree--
	r.next = nil
	r.refcnt = 1
	r.off = 0
	r.length = 0
	r.ZCID = 0
	return r
}

// AllocBatch pops up to n buffers, chained through their next pointers.
// It returns the chain head and the count actually allocated.
func (p *Pool) AllocBatch(n int) (*Ref, int) {
	var head, tail *Ref
	count := 0
	for count < n {
		r := p.Alloc()
		if r == nil {
			break
		}
		if head == nil {
			head = r
		} else {
			tail.next = r
		}
		tail = r
		count++
	}
	return head, count
}

// Get takes an additional reference.
func (p *Pool) Get(r *Ref) {
	if r.refcnt < 1 {
		panic("buffer: get on dead ref")
	}
	r.refcnt++
}

// Put drops one reference. On the last release a memory buffer returns to
// its segment's accounting and the pool free list; a file buffer closes its
// descriptor.
func (p *Pool) Put(r *Ref) {
	if r.refcnt < 1 {
		panic("buffer: refcount underflow")
	}
	r.refcnt--
	if r.refcnt > 0 {
		return
	}
	switch r.kind {
	case KindMemory:
		r.next = p.freeHead
		p.freeHead = r
		p.free++
		r.seg.numFree++
	case KindFile:
		_ = unix.Close(r.fd)
		r.fd = -1
	}
}

// PutChain releases a whole next-linked chain.
func (p *Pool) PutChain(head *Ref) {
	for head != nil {
		next := head.next
		head.next = nil
		p.Put(head)
		head = next
	}
}

// NewFileRef wraps fd into a file-kind Ref covering length bytes starting at
// offset. Ownership of fd transfers to the Ref.
func (p *Pool) NewFileRef(fd int, offset, length int64) *Ref {
	return &Ref{
		kind:    KindFile,
		fd:      fd,
		fileOff: offset,
		length:  int(length),
		refcnt:  1,
	}
}

// UpdateStats runs the watermark policy: expand when free buffers fall
// below the low watermark, shrink idle aged segments when free sits above
// the high watermark.
func (p *Pool) UpdateStats() {
	if p.free < p.opt.LowWM && p.total < p.opt.Max {
		n := p.opt.Expand
		if p.total+n > p.opt.Max {
			n = p.opt.Max - p.total
		}
		if n > 0 {
			p.addSegment(n)
		}
		return
	}
	if p.free > p.opt.HighWM {
		p.tryShrink()
	}
}

// tryShrink frees segments that are entirely idle, older than the grace
// period, and whose removal keeps the pool at or above the high watermark.
// The first segment ever allocated is kept.
func (p *Pool) tryShrink() {
	now := p.now()
	prev := &p.segs
	for seg := p.segs; seg != nil && seg.next != nil; {
		removable := seg.numFree == len(seg.refs) &&
			now.Sub(seg.created) >= p.opt.ShrinkGrace &&
			p.free-seg.numFree >= p.opt.HighWM
		if !removable {
			prev = &seg.next
			seg = seg.next
			continue
		}
		p.unlinkFree(seg)
		p.total -= len(seg.refs)
		p.free -= seg.numFree
		p.numSegs--
		*prev = seg.next
		p.log.Debug("pool: segment freed", "buffers", len(seg.refs), "total", p.total)
		seg = *prev
	}
}

// unlinkFree removes every buffer belonging to seg from the free list.
func (p *Pool) unlinkFree(seg *segment) {
	prev := &p.freeHead
	for r := p.freeHead; r != nil; {
		if r.seg == seg {
			*prev = r.next
			r.next = nil
			r = *prev
			continue
		}
		prev = &r.next
		r = r.next
	}
}

// Stats is a point-in-time snapshot for the status page.
type Stats struct {
	Total    int
	Free     int
	Segments int
	Drops    uint64
}

func (p *Pool) Stats() Stats {
	return Stats{Total: p.total, Free: p.free, Segments: p.numSegs, Drops: p.Drops}
}

// CheckInvariants verifies the pool's accounting. Tests call it after every
// mutation; production code never does.
func (p *Pool) CheckInvariants() error {
	segFree := 0
	for seg := p.segs; seg != nil; seg = seg.next {
		segFree += seg.numFree
	}
	if segFree != p.free {
		return fmt.Errorf("pool: segment free sum %d != pool free %d", segFree, p.free)
	}
	listLen := 0
	for r := p.freeHead; r != nil; r = r.next {
		listLen++
		if listLen > p.total {
			return fmt.Errorf("pool: free list cycle")
		}
	}
	if listLen != p.free {
		return fmt.Errorf("pool: free list length %d != pool free %d", listLen, p.free)
	}
	return nil
}
