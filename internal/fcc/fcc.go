package fcc

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/rtp"
	"github.com/tinyrange/castgate/internal/service"
)

// State of one FCC session.
type State uint8

const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateUnicastActive
	StateMcastRequested
	StateMcastActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequested:
		return "requested"
	case StateUnicastPending:
		return "unicast-pending"
	case StateUnicastActive:
		return "unicast-active"
	case StateMcastRequested:
		return "mcast-requested"
	case StateMcastActive:
		return "mcast-active"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

const (
	// ResponseTimeout bounds the wait for the server's burst response.
	ResponseTimeout = 500 * time.Millisecond
	// SyncTimeout bounds both unicast-burst inactivity and the wait for
	// the server's sync notification before joining multicast anyway.
	SyncTimeout = 500 * time.Millisecond
	// MaxRedirects caps redirect hops before giving up on FCC.
	MaxRedirects = 3
	// maxPending caps buffers held during the unicast→multicast
	// transition; overflow forces the handover.
	maxPending = 1024
)

// Transport is the unicast socket the session signals and receives through.
type Transport interface {
	// SendControl sends to the server's control port.
	SendControl(b []byte, to netip.AddrPort) error
	// LocalPort is the bound client port advertised in requests.
	LocalPort() uint16
	// LocalAddr is the local address advertised in requests.
	LocalAddr() netip.Addr
	// Open reports whether the socket is still usable.
	Open() bool
}

// Session drives one fast channel change. It is event-driven: the owning
// stream feeds it control packets, unicast and multicast RTP, and ticks.
type Session struct {
	log    *slog.Logger
	vendor service.Vendor
	group  netip.AddrPort
	tr     Transport
	pool   *buffer.Pool

	state     State
	server    netip.AddrPort
	mediaPort uint16

	currentSeq uint16
	haveSeq    bool

	termSeq  uint16
	haveTerm bool
	termSent bool

	redirects int
	deadline  time.Time

	// Pending multicast packets held during MCAST_REQUESTED, flushed in
	// arrival order at handover. Each holds one reference.
	pendHead, pendTail *buffer.Ref
	pendCount          int

	// Deliver forwards one RTP buffer (with its parsed sequence)
	// downstream; ownership of the reference transfers.
	Deliver func(r *buffer.Ref, pkt rtp.Packet)
	// JoinMulticast joins the steady stream; called exactly once per
	// session, either at sync, at timeout fallback, or on error.
	JoinMulticast func() error
}

// NewSession prepares an FCC session in StateInit.
func NewSession(log *slog.Logger, svc *service.Service, tr Transport, pool *buffer.Pool) *Session {
	return &Session{
		log:    log,
		vendor: svc.Vendor,
		group:  svc.Group,
		server: svc.FCC,
		tr:     tr,
		pool:   pool,
	}
}

// StateNow returns the current state.
func (s *Session) StateNow() State { return s.state }

// Server returns the current FCC server address (it moves on redirect).
func (s *Session) Server() netip.AddrPort { return s.server }

// NextDeadline returns the pending state deadline, if any.
func (s *Session) NextDeadline() time.Time { return s.deadline }

// Start sends the burst request.
func (s *Session) Start(now time.Time) error {
	if s.state != StateInit {
		return fmt.Errorf("fcc: start in state %s", s.state)
	}
	if err := s.sendRequest(now); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) sendRequest(now time.Time) error {
	req := BuildRequest(s.vendor, s.group, s.tr.LocalAddr(), s.tr.LocalPort())
	if err := s.tr.SendControl(req, s.server); err != nil {
		return fmt.Errorf("fcc: send request: %w", err)
	}
	s.state = StateRequested
	s.deadline = now.Add(ResponseTimeout)
	s.log.Debug("fcc: request sent", "server", s.server, "vendor", s.vendor)
	return nil
}

// HandleControl processes one packet from the FCC control socket. Parse
// failures fall back to direct multicast rather than killing the stream.
func (s *Session) HandleControl(data []byte, now time.Time) {
	kind, err := Classify(s.vendor, data)
	if err != nil {
		s.log.Debug("fcc: unclassifiable control packet", "err", err)
		return
	}
	switch kind {
	case MsgResponse:
		s.handleResponse(data, now)
	case MsgSync:
		s.handleSync(now)
	}
}

func (s *Session) handleResponse(data []byte, now time.Time) {
	if s.state != StateRequested {
		return
	}
	resp, err := ParseResponse(data)
	if err != nil {
		s.log.Debug("fcc: bad response, falling back to multicast", "err", err)
		s.fallback(now)
		return
	}
	switch {
	case resp.Redirect:
		s.redirects++
		if s.redirects > MaxRedirects {
			s.log.Warn("fcc: too many redirects, falling back", "count", s.redirects)
			s.fallback(now)
			return
		}
		s.server = resp.RedirectAddr
		s.state = StateInit
		if err := s.sendRequest(now); err != nil {
			s.fallback(now)
		}
	case resp.OK:
		s.mediaPort = resp.MediaPort
		s.state = StateUnicastPending
		s.deadline = now.Add(SyncTimeout)
		if s.vendor == service.VendorHuawei {
			media := netip.AddrPortFrom(s.server.Addr(), s.mediaPort)
			if err := s.tr.SendControl(BuildNAT(), media); err != nil {
				s.log.Debug("fcc: nat probe failed", "err", err)
			}
		}
		s.log.Debug("fcc: burst accepted", "mediaPort", s.mediaPort, "startSeq", resp.StartSeq)
	}
}

func (s *Session) handleSync(now time.Time) {
	switch s.state {
	case StateUnicastPending, StateUnicastActive:
		s.joinMulticast(now)
	case StateRequested:
		// Sync before a response means the server lost the exchange;
		// treat as malformed and take the direct path.
		s.fallback(now)
	}
}

// HandleUnicast feeds one unicast RTP buffer into the session, taking
// ownership of the reference. Unicast arriving after the handover is
// dropped.
func (s *Session) HandleUnicast(r *buffer.Ref, pkt rtp.Packet, now time.Time) {
	switch s.state {
	case StateUnicastPending:
		s.state = StateUnicastActive
		s.log.Debug("fcc: burst started", "seq", pkt.Seq)
		fallthrough
	case StateUnicastActive:
		s.currentSeq, s.haveSeq = pkt.Seq, true
		s.deadline = now.Add(SyncTimeout)
		s.Deliver(r, pkt)
	case StateMcastRequested:
		s.currentSeq, s.haveSeq = pkt.Seq, true
		s.Deliver(r, pkt)
		if s.haveTerm && pkt.Seq == s.termSeq-1 {
			s.activateMulticast()
		}
	default:
		s.pool.Put(r)
	}
}

// HandleMulticast feeds one multicast RTP buffer, taking ownership. During
// the transition window packets are buffered, not forwarded.
func (s *Session) HandleMulticast(r *buffer.Ref, pkt rtp.Packet) {
	switch s.state {
	case StateMcastRequested:
		if !s.haveTerm {
			s.termSeq = pkt.Seq + 2
			s.haveTerm = true
			s.sendTerm()
			// Burst already past the handover point: nothing more
			// to wait for.
			if s.haveSeq && rtp.SeqDiff(s.currentSeq, s.termSeq-1) >= 0 {
				s.pend(r)
				s.activateMulticast()
				return
			}
		}
		s.pend(r)
		if s.pendCount >= maxPending {
			s.log.Warn("fcc: pending overflow, forcing handover", "count", s.pendCount)
			s.activateMulticast()
		}
	case StateMcastActive:
		s.Deliver(r, pkt)
	default:
		// Not joined yet in earlier states; stray packets drop.
		s.pool.Put(r)
	}
}

func (s *Session) pend(r *buffer.Ref) {
	r.SetNext(nil)
	if s.pendTail == nil {
		s.pendHead = r
	} else {
		s.pendTail.SetNext(r)
	}
	s.pendTail = r
	s.pendCount++
}

// activateMulticast flushes the pending list through the normal delivery
// path in arrival order and stops accepting unicast.
func (s *Session) activateMulticast() {
	s.state = StateMcastActive
	s.deadline = time.Time{}
	head := s.pendHead
	s.pendHead, s.pendTail, s.pendCount = nil, nil, 0
	for head != nil {
		next := head.Next()
		head.SetNext(nil)
		pkt, err := rtp.Parse(head.Payload())
		if err != nil {
			s.pool.Put(head)
		} else {
			s.Deliver(head, pkt)
		}
		head = next
	}
	s.log.Debug("fcc: multicast active", "termSeq", s.termSeq)
}

// joinMulticast moves to MCAST_REQUESTED, joining the group while the
// burst keeps running.
func (s *Session) joinMulticast(now time.Time) {
	if s.JoinMulticast == nil {
		s.state = StateError
		return
	}
	if err := s.JoinMulticast(); err != nil {
		s.log.Warn("fcc: multicast join failed", "err", err)
		s.state = StateError
		return
	}
	s.state = StateMcastRequested
	s.deadline = time.Time{}
}

// fallback abandons FCC and joins the multicast group directly; the burst
// never materialized so nothing needs terminating or deduplicating.
func (s *Session) fallback(now time.Time) {
	s.log.Debug("fcc: direct multicast fallback", "state", s.state)
	if s.JoinMulticast != nil {
		if err := s.JoinMulticast(); err != nil {
			s.state = StateError
			return
		}
	}
	s.state = StateMcastActive
	s.deadline = time.Time{}
}

// Tick applies the state deadline: response and sync waits both end in a
// forced multicast join.
func (s *Session) Tick(now time.Time) {
	if s.deadline.IsZero() || now.Before(s.deadline) {
		return
	}
	switch s.state {
	case StateRequested, StateUnicastPending:
		s.log.Debug("fcc: timeout, falling back to multicast", "state", s.state)
		s.fallback(now)
	case StateUnicastActive:
		s.log.Debug("fcc: sync timeout, joining multicast")
		s.joinMulticast(now)
	default:
		s.deadline = time.Time{}
	}
}

// sendTerm sends the termination packet at most once per session.
func (s *Session) sendTerm() {
	if s.termSent || !s.tr.Open() {
		return
	}
	seq := s.termSeq
	if !s.haveTerm && s.haveSeq {
		seq = s.currentSeq + 1
	}
	if err := s.tr.SendControl(BuildTerm(s.vendor, s.group, seq), s.server); err != nil {
		s.log.Debug("fcc: send term failed", "err", err)
		return
	}
	s.termSent = true
}

func (s *Session) fail(err error) error {
	s.state = StateError
	return err
}

// TermSent is exposed for tests.
func (s *Session) TermSent() bool { return s.termSent }

// PendingCount is exposed for tests and the status page.
func (s *Session) PendingCount() int { return s.pendCount }

// Close terminates the session: the term packet goes out if it never did
// and the socket is still open, and pending buffers are released.
func (s *Session) Close() {
	if s.state >= StateUnicastPending && s.state != StateError {
		s.sendTerm()
	}
	head := s.pendHead
	s.pendHead, s.pendTail, s.pendCount = nil, nil, 0
	s.pool.PutChain(head)
	s.state = StateError
}
