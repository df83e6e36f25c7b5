// Package fec tracks out-of-band forward-error-correction groups and
// repairs lost RTP packets with Reed–Solomon erasure decoding. Each FEC
// datagram carries an RTP-style header followed by a fixed FEC header
// naming the (begin, end) RTP span it protects, the parity count, and this
// packet's parity index.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/rtp"
)

// MaxGroups bounds concurrently tracked groups; the oldest is evicted on
// overflow.
const MaxGroups = 8

// headerLen is the FEC header after the RTP framing: begin_seq(2)
// end_seq(2) redund_num(1) redund_idx(1) fec_len(2) rtp_len(2) reserved(2).
const headerLen = 12

var ErrShortPacket = errors.New("fec: short packet")

// Header is the decoded FEC header.
type Header struct {
	BeginSeq  uint16
	EndSeq    uint16
	RedundNum uint8
	RedundIdx uint8
	FECLen    uint16
	RTPLen    uint16
}

// ParseHeader decodes the FEC header that follows the RTP framing.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < headerLen {
		return Header{}, ErrShortPacket
	}
	h := Header{
		BeginSeq:  binary.BigEndian.Uint16(p[0:2]),
		EndSeq:    binary.BigEndian.Uint16(p[2:4]),
		RedundNum: p[4],
		RedundIdx: p[5],
		FECLen:    binary.BigEndian.Uint16(p[6:8]),
		RTPLen:    binary.BigEndian.Uint16(p[8:10]),
	}
	if h.RedundNum == 0 || h.RedundIdx >= h.RedundNum {
		return Header{}, fmt.Errorf("fec: bad redundancy %d/%d", h.RedundIdx, h.RedundNum)
	}
	if rtp.SeqDiff(h.EndSeq, h.BeginSeq) < 0 {
		return Header{}, fmt.Errorf("fec: inverted span %d..%d", h.BeginSeq, h.EndSeq)
	}
	return h, nil
}

type group struct {
	begin, end uint16
	k, m       int
	rtpLen     int
	parity     []*buffer.Ref // m slots; payload starts at parityOff
	parityOff  []int
	received   int
	created    time.Time
}

func (g *group) contains(seq uint16) bool {
	return rtp.SeqDiff(seq, g.begin) >= 0 && rtp.SeqDiff(seq, g.end) <= 0
}

// Ring is the reorder buffer surface the engine repairs through.
type Ring interface {
	Fetch(seq uint16) []byte
	InsertRecovered(seq uint16, data []byte) bool
	ReleaseRange(begin, end uint16)
}

// Engine owns the FEC socket's protocol state for one stream.
type Engine struct {
	log  *slog.Logger
	pool *buffer.Pool
	ring Ring

	groups [MaxGroups]*group

	minEnd      uint16
	minEndValid bool

	// Decoders are lazily built per (k, m) and cached; IPTV muxes keep
	// these constant so the cache holds one or two entries.
	decoders map[[2]int]reedsolomon.Encoder

	// Counters.
	LostSeen  uint64
	Recovered uint64

	now func() time.Time
}

// NewEngine wires the engine to the reorder ring it repairs.
func NewEngine(log *slog.Logger, pool *buffer.Pool, ring Ring) *Engine {
	return &Engine{
		log:      log,
		pool:     pool,
		ring:     ring,
		decoders: make(map[[2]int]reedsolomon.Encoder),
		now:      time.Now,
	}
}

// HandlePacket files one FEC datagram, taking ownership of the reference.
// The buffer payload must already be positioned past the RTP framing:
// rtpOff is where the FEC header starts.
func (e *Engine) HandlePacket(r *buffer.Ref, rtpOff int) {
	p := r.Payload()[rtpOff:]
	h, err := ParseHeader(p)
	if err != nil {
		e.log.Debug("fec: drop packet", "err", err)
		e.pool.Put(r)
		return
	}

	g := e.findGroup(h.BeginSeq, h.EndSeq)
	if g == nil {
		g = e.addGroup(h)
	}
	if int(h.RedundIdx) >= g.m || g.parity[h.RedundIdx] != nil {
		e.pool.Put(r) // duplicate parity
		return
	}
	g.parity[h.RedundIdx] = r
	g.parityOff[h.RedundIdx] = rtpOff + headerLen
	g.received++
}

func (e *Engine) findGroup(begin, end uint16) *group {
	for _, g := range e.groups {
		if g != nil && g.begin == begin && g.end == end {
			return g
		}
	}
	return nil
}

// addGroup allocates a tracking slot, evicting the oldest group when full.
// Evicted groups can never complete, so their buffered RTP span is
// released from the ring too.
func (e *Engine) addGroup(h Header) *group {
	slot := -1
	var oldest *group
	oldestSlot := 0
	for i, g := range e.groups {
		if g == nil {
			slot = i
			break
		}
		if oldest == nil || g.created.Before(oldest.created) {
			oldest, oldestSlot = g, i
		}
	}
	if slot < 0 {
		e.log.Debug("fec: evicting oldest group", "begin", oldest.begin, "end", oldest.end)
		e.dropGroup(oldestSlot, true)
		slot = oldestSlot
	}

	g := &group{
		begin:     h.BeginSeq,
		end:       h.EndSeq,
		k:         rtp.SeqDiff(h.EndSeq, h.BeginSeq) + 1,
		m:         int(h.RedundNum),
		rtpLen:    int(h.RTPLen),
		parity:    make([]*buffer.Ref, h.RedundNum),
		parityOff: make([]int, h.RedundNum),
		created:   e.now(),
	}
	e.groups[slot] = g
	e.updateMinEnd()
	return g
}

func (e *Engine) dropGroup(i int, releaseRTP bool) {
	g := e.groups[i]
	if g == nil {
		return
	}
	if releaseRTP {
		e.ring.ReleaseRange(g.begin, g.end)
	}
	for _, p := range g.parity {
		if p != nil {
			e.pool.Put(p)
		}
	}
	e.groups[i] = nil
	e.updateMinEnd()
}

func (e *Engine) updateMinEnd() {
	e.minEndValid = false
	for _, g := range e.groups {
		if g == nil {
			continue
		}
		if !e.minEndValid || rtp.SeqBefore(g.end, e.minEnd) {
			e.minEnd, e.minEndValid = g.end, true
		}
	}
}

// BaseAdvanced implements reorder.Recoverer: once delivery has moved past
// a group's end, its parity can never be needed again.
func (e *Engine) BaseAdvanced(base uint16) {
	if !e.minEndValid || rtp.SeqDiff(base, e.minEnd) <= 0 {
		return
	}
	for i, g := range e.groups {
		if g != nil && rtp.SeqDiff(base, g.end) > 0 {
			// Past the end: anything unrecovered is already
			// counted; the ring holds nothing behind base.
			e.dropGroup(i, false)
		}
	}
}

// Recover implements reorder.Recoverer: rebuild the packet with sequence
// seq from the surviving data and parity of its group.
func (e *Engine) Recover(seq uint16) bool {
	var g *group
	for _, cand := range e.groups {
		if cand != nil && cand.contains(seq) {
			g = cand
			break
		}
	}
	if g == nil {
		return false
	}
	e.LostSeen++

	shards := make([][]byte, g.k+g.m)
	have := 0
	for i := 0; i < g.k; i++ {
		data := e.ring.Fetch(g.begin + uint16(i))
		if data == nil {
			continue
		}
		shards[i] = padTo(data, g.rtpLen)
		have++
	}
	for j := 0; j < g.m; j++ {
		if p := g.parity[j]; p != nil {
			shards[g.k+j] = padTo(p.Payload()[g.parityOff[j]:], g.rtpLen)
			have++
		}
	}
	if have < g.k {
		return false // more erasures than parities
	}

	dec, err := e.decoder(g.k, g.m)
	if err != nil {
		e.log.Warn("fec: decoder", "k", g.k, "m", g.m, "err", err)
		return false
	}
	if err := dec.ReconstructData(shards); err != nil {
		e.log.Debug("fec: reconstruct failed", "err", err)
		return false
	}

	ok := false
	for i := 0; i < g.k; i++ {
		s := g.begin + uint16(i)
		if e.ring.Fetch(s) != nil {
			continue
		}
		if e.ring.InsertRecovered(s, shards[i]) {
			e.Recovered++
			if s == seq {
				ok = true
			}
		}
	}
	return ok
}

func (e *Engine) decoder(k, m int) (reedsolomon.Encoder, error) {
	key := [2]int{k, m}
	if dec, ok := e.decoders[key]; ok {
		return dec, nil
	}
	dec, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, err
	}
	e.decoders[key] = dec
	return dec, nil
}

// padTo returns data zero-padded (or truncated) to n bytes. Reed–Solomon
// shards must share one length; the group's rtp_len is authoritative.
func padTo(data []byte, n int) []byte {
	if len(data) == n {
		return data
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

// ActiveGroups is exposed for tests and the status page.
func (e *Engine) ActiveGroups() int {
	n := 0
	for _, g := range e.groups {
		if g != nil {
			n++
		}
	}
	return n
}

// Close releases every parity buffer.
func (e *Engine) Close() {
	for i := range e.groups {
		e.dropGroup(i, false)
	}
}
