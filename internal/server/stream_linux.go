//go:build linux

package server

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/event"
	"github.com/tinyrange/castgate/internal/fcc"
	"github.com/tinyrange/castgate/internal/fec"
	"github.com/tinyrange/castgate/internal/mcast"
	"github.com/tinyrange/castgate/internal/reorder"
	"github.com/tinyrange/castgate/internal/rtp"
	"github.com/tinyrange/castgate/internal/rtsp"
	"github.com/tinyrange/castgate/internal/service"
	"github.com/tinyrange/castgate/internal/snapshot"
	"github.com/tinyrange/castgate/internal/status"
)

// Stream is the per-client ingress state: the sessions feeding one
// connection and the repair pipeline between them.
type Stream struct {
	c   *Client
	svc *service.Service

	mc       *mcast.Session
	fccTr    *fcc.UDPTransport
	fccSess  *fcc.Session
	reord    *reorder.Buffer
	fecEng   *fec.Engine
	fecMC    *mcast.Session
	rtspSess *rtsp.Session

	snap        *snapshot.Extractor
	snapRunning bool

	lastRejoin time.Time
}

// newStream builds the ingress pipeline for svc and registers its fds on
// the worker loop.
func newStream(c *Client, svc *service.Service) (*Stream, error) {
	s := &Stream{c: c, svc: svc, lastRejoin: time.Now()}

	if svc.Snapshot {
		ex, err := snapshot.New(c.w.log)
		if err != nil {
			return nil, err
		}
		s.snap = ex
	}

	var err error
	switch svc.Type {
	case service.TypeRTSP:
		err = s.setupRTSP()
	case service.TypeMRTP:
		err = s.setupRTP()
	case service.TypeMUDP:
		err = s.joinMulticast()
	default:
		err = fmt.Errorf("server: unsupported service type %s", svc.Type)
	}
	if err != nil {
		s.teardown()
		return nil, err
	}
	return s, nil
}

func (s *Stream) setupRTP() error {
	w := s.c.w
	s.reord = reorder.New(w.log, w.pool, s.svc.HasFEC())
	s.reord.Deliver = s.deliverPayload

	if s.svc.HasFEC() {
		fm, err := mcast.Join(w.log, s.svc.Group, s.svc.Source,
			w.cfg.InterfaceFor(w.cfg.UpstreamInterfaceMulticast), s.svc.FECPort, w.cfg.UDPRcvbufSize)
		if err != nil {
			return err
		}
		s.fecMC = fm
		if err := w.loop.Register(fm.FD(), s.c, event.Readable); err != nil {
			return err
		}
		s.fecEng = fec.NewEngine(w.log, w.pool, s.reord)
		s.reord.SetRecoverer(s.fecEng)
	}

	if s.svc.HasFCC() {
		tr, err := fcc.NewUDPTransport(w.log, w.cfg.FCCListenPortMin, w.cfg.FCCListenPortMax,
			w.cfg.InterfaceFor(w.cfg.UpstreamInterfaceFCC), w.cfg.UDPRcvbufSize)
		if err != nil {
			w.log.Warn("stream: fcc socket failed, going direct", "err", err)
			return s.joinMulticast()
		}
		s.fccTr = tr
		if err := w.loop.Register(tr.FD(), s.c, event.Readable); err != nil {
			return err
		}
		sess := fcc.NewSession(w.log, s.svc, tr, w.pool)
		sess.Deliver = func(r *buffer.Ref, pkt rtp.Packet) {
			s.reord.Insert(r, pkt, time.Now())
		}
		sess.JoinMulticast = s.joinMulticast
		s.fccSess = sess
		if s.c.slot != nil {
			s.c.slot.SetState(status.StateFCCUnicast)
		}
		return sess.Start(time.Now())
	}
	return s.joinMulticast()
}

// joinMulticast joins the main group; used directly for plain streams and
// as the FCC session's join hook.
func (s *Stream) joinMulticast() error {
	if s.mc.Active() {
		return nil
	}
	w := s.c.w
	m, err := mcast.Join(w.log, s.svc.Group, s.svc.Source,
		w.cfg.InterfaceFor(w.cfg.UpstreamInterfaceMulticast), 0, w.cfg.UDPRcvbufSize)
	if err != nil {
		return err
	}
	s.mc = m
	if err := w.loop.Register(m.FD(), s.c, event.Readable); err != nil {
		return err
	}
	if s.c.slot != nil {
		s.c.slot.SetState(status.StateStreaming)
	}
	return nil
}

func (s *Stream) setupRTSP() error {
	w := s.c.w
	s.reord = reorder.New(w.log, w.pool, false)
	s.reord.Deliver = s.deliverPayload

	sess, err := rtsp.Dial(w.log, w.pool, s.svc.RTSPURL, s.svc.Playseek,
		w.cfg.InterfaceFor(w.cfg.UpstreamInterfaceRTSP))
	if err != nil {
		return err
	}
	s.rtspSess = sess
	sess.DeliverRTP = func(r *buffer.Ref) {
		pkt, err := rtp.Parse(r.Payload())
		if err != nil {
			w.pool.Put(r)
			return
		}
		s.reord.Insert(r, pkt, time.Now())
	}
	sess.OnReady = func() {
		if s.c.slot != nil {
			s.c.slot.SetState(status.StateStreaming)
		}
	}
	sess.OnError = func(err error) {
		s.c.close(fmt.Sprintf("rtsp: %v", err))
	}
	return w.loop.Register(sess.FD(), s.c, event.Readable|event.Writable)
}

// handleIngress dispatches a ready ingress fd.
func (s *Stream) handleIngress(fd int, events uint32) {
	switch {
	case s.mc.Active() && fd == s.mc.FD():
		s.recvMulticast()
	case s.fecMC.Active() && fd == s.fecMC.FD():
		s.recvFEC()
	case s.fccTr != nil && fd == s.fccTr.FD():
		s.recvFCC()
	case s.rtspSess != nil && fd == s.rtspSess.FD():
		if events&event.Writable != 0 {
			s.rtspSess.HandleWritable()
			s.updateRTSPInterest()
		}
		if events&event.Readable != 0 {
			s.rtspSess.HandleReadable()
		}
	}
}

func (s *Stream) updateRTSPInterest() {
	if s.rtspSess == nil {
		return
	}
	want := uint32(event.Readable)
	if s.rtspSess.WantWrite() {
		want |= event.Writable
	}
	_ = s.c.w.loop.Modify(s.rtspSess.FD(), want)
}

func (s *Stream) recvMulticast() {
	w := s.c.w
	head, n, _, err := w.pool.BatchRecv(s.mc.FD(), false, &w.batch)
	if err != nil {
		s.c.close(fmt.Sprintf("multicast recv: %v", err))
		return
	}
	if n > 0 {
		s.mc.Touch(time.Now())
	}
	for head != nil {
		r := head
		head = head.Next()
		r.SetNext(nil)
		s.routeMulticast(r)
	}
}

func (s *Stream) routeMulticast(r *buffer.Ref) {
	pool := s.c.w.pool
	if s.svc.Type == service.TypeMUDP {
		if s.snap != nil {
			s.feedSnapshot(r.Payload())
			pool.Put(r)
			return
		}
		s.c.conn.QueueAdd(r)
		return
	}

	pkt, err := rtp.Parse(r.Payload())
	if err != nil {
		pool.Put(r)
		return
	}
	if s.fccSess != nil && s.fccSess.StateNow() != fcc.StateMcastActive {
		s.fccSess.HandleMulticast(r, pkt)
		if s.c.slot != nil && s.fccSess.StateNow() == fcc.StateMcastRequested {
			s.c.slot.SetState(status.StateFCCTransition)
		}
		return
	}
	s.reord.Insert(r, pkt, time.Now())
}

func (s *Stream) recvFEC() {
	w := s.c.w
	head, _, _, err := w.pool.BatchRecv(s.fecMC.FD(), false, &w.batch)
	if err != nil {
		s.c.close(fmt.Sprintf("fec recv: %v", err))
		return
	}
	for head != nil {
		r := head
		head = head.Next()
		r.SetNext(nil)
		pkt, perr := rtp.Parse(r.Payload())
		if perr != nil {
			w.pool.Put(r)
			continue
		}
		s.fecEng.HandlePacket(r, pkt.PayloadOff)
	}
}

func (s *Stream) recvFCC() {
	w := s.c.w
	head, _, _, err := w.pool.BatchRecv(s.fccTr.FD(), true, &w.batch)
	if err != nil {
		s.c.close(fmt.Sprintf("fcc recv: %v", err))
		return
	}
	now := time.Now()
	for head != nil {
		r := head
		head = head.Next()
		r.SetNext(nil)
		// Only the FCC server may feed this socket.
		if addr, ok := rawPeerAddr(&r.Peer); ok && addr.Unmap() != s.fccSess.Server().Addr().Unmap() {
			w.pool.Put(r)
			continue
		}
		p := r.Payload()
		if isRTCP(p) {
			s.fccSess.HandleControl(p, now)
			w.pool.Put(r)
			continue
		}
		pkt, perr := rtp.Parse(p)
		if perr != nil {
			w.pool.Put(r)
			continue
		}
		s.fccSess.HandleUnicast(r, pkt, now)
	}
}

// isRTCP applies the standard PT-based RTP/RTCP demux rule for packets
// sharing one port.
func isRTCP(p []byte) bool {
	return len(p) >= 2 && p[1] >= 200 && p[1] <= 207
}

// deliverPayload is the reorder delivery hook: strip RTP framing and queue
// the payload for egress (or feed the snapshot scan).
func (s *Stream) deliverPayload(r *buffer.Ref, pkt rtp.Packet) {
	if pkt.PayloadLen == 0 {
		s.c.w.pool.Put(r)
		return
	}
	if s.snap != nil {
		s.feedSnapshot(r.Payload()[pkt.PayloadOff : pkt.PayloadOff+pkt.PayloadLen])
		s.c.w.pool.Put(r)
		return
	}
	r.Advance(pkt.PayloadOff)
	r.SetLen(pkt.PayloadOff + pkt.PayloadLen)
	s.c.conn.QueueAdd(r)
}

// feedSnapshot advances the TS scan; once the keyframe is complete the
// encoder runs off-loop and the result re-enters via Defer.
func (s *Stream) feedSnapshot(payload []byte) {
	if s.snapRunning {
		return
	}
	done, err := s.snap.Feed(payload)
	if err != nil {
		s.c.w.loop.Defer(func() { s.snapshotFailed(err) })
		s.snapRunning = true
		return
	}
	if !done {
		return
	}
	s.snapRunning = true
	s.stopIngress()
	snap := s.snap
	cfg := s.c.w.cfg
	c := s.c
	go func() {
		res, err := snap.Finish(cfg.FFmpegPath, cfg.FFmpegArgs)
		c.w.loop.Defer(func() {
			if err != nil {
				c.w.log.Warn("stream: snapshot failed", "err", err)
				c.close("snapshot conversion failed")
				return
			}
			if c.state == clientClosed {
				unix.Close(res.FD)
				return
			}
			c.respondFile("image/jpeg", res.FD, res.Size)
		})
	}()
}

func (s *Stream) snapshotFailed(err error) {
	s.c.w.log.Warn("stream: snapshot failed", "err", err)
	s.c.close("snapshot failed")
}

// stopIngress detaches the ingress sockets once no more media is needed.
func (s *Stream) stopIngress() {
	loop := s.c.w.loop
	if s.mc.Active() {
		loop.Unregister(s.mc.FD())
		s.mc.Close()
	}
	if s.fecMC.Active() {
		loop.Unregister(s.fecMC.FD())
		s.fecMC.Close()
	}
	if s.fccTr != nil {
		loop.Unregister(s.fccTr.FD())
		if s.fccSess != nil {
			s.fccSess.Close()
		}
		s.fccTr.Close()
		s.fccSess = nil
		s.fccTr = nil
	}
}

// deadlines feeds every pending stream deadline to min.
func (s *Stream) deadlines(min func(time.Time)) {
	if s.fccSess != nil {
		min(s.fccSess.NextDeadline())
	}
	if s.reord != nil {
		min(s.reord.NextDeadline())
	}
	if s.rtspSess != nil {
		min(s.rtspSess.NextDeadline())
	}
	if s.mc.Active() {
		min(s.mc.LastData.Add(mcast.Timeout))
		if iv := s.c.w.cfg.McastRejoinInterval; iv > 0 {
			min(s.lastRejoin.Add(time.Duration(iv) * time.Second))
		}
	}
}

// tick drives every session timeout for this stream.
func (s *Stream) tick(now time.Time) {
	if s.fccSess != nil {
		s.fccSess.Tick(now)
	}
	if s.reord != nil {
		s.reord.Tick(now)
	}
	if s.rtspSess != nil {
		s.rtspSess.Tick(now)
		s.updateRTSPInterest()
	}
	if s.mc.Active() {
		if s.mc.Expired(now) {
			s.c.close("multicast inactivity timeout")
			return
		}
		if iv := s.c.w.cfg.McastRejoinInterval; iv > 0 &&
			now.Sub(s.lastRejoin) >= time.Duration(iv)*time.Second {
			s.lastRejoin = now
			if rj := s.c.w.rejoin(); rj != nil {
				if err := rj.Rejoin(s.svc.Group.Addr(), s.svc.Source); err != nil {
					s.c.w.log.Debug("stream: rejoin failed", "err", err)
				}
			}
		}
	}
}

// teardown closes every session and ingress fd. Runs inside the same loop
// iteration as the close that triggered it.
func (s *Stream) teardown() {
	s.stopIngress()
	if s.rtspSess != nil {
		s.c.w.loop.Unregister(s.rtspSess.FD())
		s.rtspSess.Close()
		s.rtspSess = nil
	}
	if s.fecEng != nil {
		s.fecEng.Close()
		s.fecEng = nil
	}
	if s.reord != nil {
		s.reord.Drain()
		s.reord = nil
	}
	if s.snap != nil {
		s.snap.Close()
		s.snap = nil
	}
}
