// Package reorder implements the bounded sliding-window RTP reorder
// buffer: a power-of-two ring indexed by sequence, a collect phase that
// bootstraps the base sequence from the serial minimum of the first
// arrivals, contiguous delivery, and timeout recovery through FEC.
package reorder

import (
	"log/slog"
	"time"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/rtp"
)

const (
	// WindowSmall is the ring size without FEC.
	WindowSmall = 32
	// WindowLarge is the ring size with FEC; it must span whole FEC
	// groups.
	WindowLarge = 512

	// initCollect is how many packets the bootstrap phase gathers before
	// fixing the base sequence.
	initCollect = 8

	// HeadWait is how long a head-of-window gap may stall delivery
	// before recovery (or skipping) kicks in.
	HeadWait = 20 * time.Millisecond
)

// Phase of the reorder buffer.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseCollecting
	PhaseActive
)

// Recoverer is the FEC engine's repair hook. Recover attempts to
// reconstruct the packet with sequence seq into the ring; it reports
// success. BaseAdvanced tells the engine delivery moved past base so
// expired groups can be dropped.
type Recoverer interface {
	Recover(seq uint16) bool
	BaseAdvanced(base uint16)
}

type slot struct {
	ref *buffer.Ref
	seq uint16
}

// Buffer is one client's reorder window.
type Buffer struct {
	log  *slog.Logger
	pool *buffer.Pool

	slots []slot
	mask  uint16

	base  uint16 // next sequence due for delivery
	count int
	phase Phase

	collected int

	// headSince marks when the current head gap was first observed.
	headSince time.Time

	rec Recoverer

	// Deliver hands one buffer downstream in sequence order; ownership
	// of the reference transfers.
	Deliver func(r *buffer.Ref, pkt rtp.Packet)

	// Counters.
	Delivered uint64
	Lost      uint64
	Late      uint64
	Recovered uint64
}

// New sizes the window: small without FEC, large with.
func New(log *slog.Logger, pool *buffer.Pool, withFEC bool) *Buffer {
	w := WindowSmall
	if withFEC {
		w = WindowLarge
	}
	return &Buffer{
		log:   log,
		pool:  pool,
		slots: make([]slot, w),
		mask:  uint16(w - 1),
		phase: PhaseNotStarted,
	}
}

// SetRecoverer wires the FEC engine in after construction (the two refer
// to each other).
func (b *Buffer) SetRecoverer(r Recoverer) { b.rec = r }

// Base returns the next sequence due for delivery.
func (b *Buffer) Base() uint16 { return b.base }

// PhaseNow returns the current phase.
func (b *Buffer) PhaseNow() Phase { return b.phase }

// NextDeadline returns when the head gap, if any, times out.
func (b *Buffer) NextDeadline() time.Time {
	if b.phase != PhaseActive || b.count == 0 || b.headSince.IsZero() {
		return time.Time{}
	}
	return b.headSince.Add(HeadWait)
}

// Insert files one RTP buffer into the window, taking ownership of the
// reference, and delivers whatever became contiguous.
func (b *Buffer) Insert(r *buffer.Ref, pkt rtp.Packet, now time.Time) {
	switch b.phase {
	case PhaseNotStarted:
		b.phase = PhaseCollecting
		fallthrough
	case PhaseCollecting:
		b.insertCollecting(r, pkt, now)
	case PhaseActive:
		b.insertActive(r, pkt, now)
	}
}

// insertCollecting files the packet by its modular slot without
// delivering. Once enough have arrived, base becomes the serial minimum of
// what was actually received; upstream devices sometimes deliver the first
// packet over a slow path after later ones.
func (b *Buffer) insertCollecting(r *buffer.Ref, pkt rtp.Packet, now time.Time) {
	idx := pkt.Seq & b.mask
	s := &b.slots[idx]
	if s.ref != nil {
		if s.seq == pkt.Seq {
			b.pool.Put(r) // duplicate
			return
		}
		b.pool.Put(s.ref)
		b.count--
	}
	s.ref, s.seq = r, pkt.Seq
	b.count++
	b.collected++
	if b.collected < initCollect {
		return
	}

	min := pkt.Seq
	for i := range b.slots {
		if b.slots[i].ref != nil {
			min = rtp.SeqMin(min, b.slots[i].seq)
		}
	}
	b.base = min
	b.phase = PhaseActive
	b.log.Debug("reorder: active", "base", b.base, "buffered", b.count)
	b.deliverContiguous(now)
}

func (b *Buffer) insertActive(r *buffer.Ref, pkt rtp.Packet, now time.Time) {
	d := rtp.SeqDiff(pkt.Seq, b.base)
	switch {
	case d < 0:
		// Behind base: duplicate or too late to matter.
		b.Late++
		b.pool.Put(r)
		return
	case d >= len(b.slots):
		// Window overflow: advance base far enough to admit seq,
		// counting whatever the advance evicts as lost.
		b.advance(d - len(b.slots) + 1)
	}

	idx := pkt.Seq & b.mask
	s := &b.slots[idx]
	if s.ref != nil {
		if s.seq == pkt.Seq {
			b.pool.Put(r)
			return
		}
		// A different sequence in this slot is a stale entry from a
		// window ago; replace it.
		b.pool.Put(s.ref)
		b.count--
		b.Lost++
	}
	s.ref, s.seq = r, pkt.Seq
	b.count++
	b.deliverContiguous(now)
}

// deliverContiguous drains from base while slots are filled.
func (b *Buffer) deliverContiguous(now time.Time) {
	start := b.base
	defer func() {
		if b.base != start && b.rec != nil {
			b.rec.BaseAdvanced(b.base)
		}
	}()
	for b.count > 0 {
		s := &b.slots[b.base&b.mask]
		if s.ref == nil || s.seq != b.base {
			// Gap at head: start (or keep) the recovery clock.
			if b.headSince.IsZero() {
				b.headSince = now
			}
			return
		}
		r := s.ref
		s.ref = nil
		b.count--
		b.base++
		b.headSince = time.Time{}
		b.Delivered++

		pkt, err := rtp.Parse(r.Payload())
		if err != nil {
			b.pool.Put(r)
			continue
		}
		b.Deliver(r, pkt)
	}
	b.headSince = time.Time{}
}

// advance moves base forward n sequences, releasing any still-occupied
// slots it passes.
func (b *Buffer) advance(n int) {
	for i := 0; i < n; i++ {
		s := &b.slots[b.base&b.mask]
		if s.ref != nil && s.seq == b.base {
			b.pool.Put(s.ref)
			s.ref = nil
			b.count--
			b.Lost++
		}
		b.base++
	}
	b.headSince = time.Time{}
	if b.rec != nil {
		b.rec.BaseAdvanced(b.base)
	}
}

// Tick handles head-gap expiry: ask FEC to rebuild the missing packet,
// otherwise skip past the gap to keep the stream moving.
func (b *Buffer) Tick(now time.Time) {
	if b.phase != PhaseActive || b.count == 0 {
		return
	}
	if b.headSince.IsZero() || now.Sub(b.headSince) < HeadWait {
		return
	}
	if b.rec != nil && b.rec.Recover(b.base) {
		b.Recovered++
		b.deliverContiguous(now)
		return
	}
	// Skip to the next occupied slot.
	skip := 1
	for ; skip < len(b.slots); skip++ {
		s := &b.slots[(b.base+uint16(skip))&b.mask]
		if s.ref != nil && s.seq == b.base+uint16(skip) {
			break
		}
	}
	b.Lost += uint64(skip)
	b.log.Debug("reorder: gap skipped", "base", b.base, "skipped", skip)
	b.base += uint16(skip)
	b.headSince = time.Time{}
	b.deliverContiguous(now)
	if b.rec != nil {
		b.rec.BaseAdvanced(b.base)
	}
}

// Fetch returns the payload of the buffered packet with sequence seq, or
// nil. The FEC engine reads data packets out of the ring during decode.
func (b *Buffer) Fetch(seq uint16) []byte {
	s := &b.slots[seq&b.mask]
	if s.ref == nil || s.seq != seq {
		return nil
	}
	return s.ref.Payload()
}

// InsertRecovered writes an FEC-reconstructed packet into its slot. The
// payload is copied into a fresh pool buffer; returns false on pool
// exhaustion or when the slot is no longer inside the window.
func (b *Buffer) InsertRecovered(seq uint16, data []byte) bool {
	d := rtp.SeqDiff(seq, b.base)
	if d < 0 || d >= len(b.slots) {
		return false
	}
	s := &b.slots[seq&b.mask]
	if s.ref != nil && s.seq == seq {
		return true // arrived on its own in the meantime
	}
	r := b.pool.Alloc()
	if r == nil {
		return false
	}
	n := copy(r.Cap(), data)
	r.SetLen(n)
	if s.ref != nil {
		b.pool.Put(s.ref)
		b.count--
	}
	s.ref, s.seq = r, seq
	b.count++
	return true
}

// ReleaseRange drops buffered packets in [begin, end] (serial-inclusive).
// The FEC engine calls this when it evicts a group whose RTP span can no
// longer be completed.
func (b *Buffer) ReleaseRange(begin, end uint16) {
	for seq := begin; ; seq++ {
		if rtp.SeqDiff(seq, b.base) >= 0 {
			s := &b.slots[seq&b.mask]
			if s.ref != nil && s.seq == seq {
				b.pool.Put(s.ref)
				s.ref = nil
				b.count--
			}
		}
		if seq == end {
			return
		}
	}
}

// Drain releases every buffered packet at teardown.
func (b *Buffer) Drain() {
	for i := range b.slots {
		if b.slots[i].ref != nil {
			b.pool.Put(b.slots[i].ref)
			b.slots[i].ref = nil
		}
	}
	b.count = 0
}
