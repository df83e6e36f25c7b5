package fcc

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/rtp"
	"github.com/tinyrange/castgate/internal/service"
)

type fakeTransport struct {
	sent  [][]byte
	dests []netip.AddrPort
	open  bool
}

func (f *fakeTransport) SendControl(b []byte, to netip.AddrPort) error {
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	f.dests = append(f.dests, to)
	return nil
}

func (f *fakeTransport) LocalPort() uint16     { return 45678 }
func (f *fakeTransport) LocalAddr() netip.Addr { return netip.MustParseAddr("192.0.2.10") }
func (f *fakeTransport) Open() bool            { return f.open }

type harness struct {
	pool      *buffer.Pool
	tr        *fakeTransport
	sess      *Session
	delivered []uint16
	joined    int
}

var (
	testGroup  = netip.MustParseAddrPort("239.0.0.1:1234")
	testServer = netip.MustParseAddrPort("198.51.100.5:8027")
)

func newHarness(tb testing.TB, vendor service.Vendor) *harness {
	tb.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		pool: buffer.NewPool(log, buffer.Options{Initial: 2048, Max: 4096}),
		tr:   &fakeTransport{open: true},
	}
	svc := &service.Service{Type: service.TypeMRTP, Group: testGroup, FCC: testServer, Vendor: vendor}
	h.sess = NewSession(log, svc, h.tr, h.pool)
	h.sess.Deliver = func(r *buffer.Ref, pkt rtp.Packet) {
		h.delivered = append(h.delivered, pkt.Seq)
		h.pool.Put(r)
	}
	h.sess.JoinMulticast = func() error {
		h.joined++
		return nil
	}
	return h
}

func (h *harness) rtpPacket(tb testing.TB, seq uint16) (*buffer.Ref, rtp.Packet) {
	tb.Helper()
	r := h.pool.Alloc()
	if r == nil {
		tb.Fatalf("pool exhausted")
	}
	b := r.Cap()
	b[0] = 0x80
	b[1] = 33
	binary.BigEndian.PutUint16(b[2:4], seq)
	for i := 4; i < 12; i++ {
		b[i] = 0
	}
	r.SetLen(12)
	return r, rtp.Packet{Seq: seq, PayloadOff: 12}
}

// response builds a server OK response for the session's vendor.
func response(vendor service.Vendor, mediaPort, startSeq uint16) []byte {
	fmtVal := uint8(huaweiFmtResponse)
	if vendor == service.VendorTelecom {
		fmtVal = telecomFmtResponse
	}
	b := make([]byte, respMinLen)
	copy(b, header(fmtVal, respMinLen-4))
	p := b[12:]
	p[0] = 0
	binary.BigEndian.PutUint16(p[2:4], mediaPort)
	binary.BigEndian.PutUint16(p[4:6], startSeq)
	return b
}

func redirect(vendor service.Vendor, to netip.AddrPort) []byte {
	fmtVal := uint8(huaweiFmtResponse)
	if vendor == service.VendorTelecom {
		fmtVal = telecomFmtResponse
	}
	b := make([]byte, respMinLen+6)
	copy(b, header(fmtVal, len(b)-4))
	p := b[12:]
	p[0] = 1
	a := to.Addr().As4()
	copy(p[8:12], a[:])
	binary.BigEndian.PutUint16(p[12:14], to.Port())
	return b
}

func sync(vendor service.Vendor) []byte {
	fmtVal := uint8(huaweiFmtSync)
	if vendor == service.VendorTelecom {
		fmtVal = telecomFmtSync
	}
	b := make([]byte, 12)
	copy(b, header(fmtVal, 8))
	return b
}

func TestRequestSizes(t *testing.T) {
	local := netip.MustParseAddr("192.0.2.10")
	if got := len(BuildRequest(service.VendorHuawei, testGroup, local, 45678)); got != huaweiRequestLen {
		t.Fatalf("huawei request %d bytes, want %d", got, huaweiRequestLen)
	}
	if got := len(BuildRequest(service.VendorTelecom, testGroup, local, 45678)); got != telecomRequestLen {
		t.Fatalf("telecom request %d bytes, want %d", got, telecomRequestLen)
	}
	if got := len(BuildTerm(service.VendorHuawei, testGroup, 550)); got != termLen {
		t.Fatalf("term %d bytes, want %d", got, termLen)
	}
	if got := len(BuildNAT()); got != natLen {
		t.Fatalf("nat %d bytes, want %d", got, natLen)
	}
}

func TestRequestFields(t *testing.T) {
	local := netip.MustParseAddr("192.0.2.10")
	b := BuildRequest(service.VendorTelecom, testGroup, local, 40123)
	p := b[12:]
	if binary.BigEndian.Uint16(p[0:2]) != 40123 {
		t.Fatalf("client port not encoded")
	}
	if [4]byte(p[8:12]) != testGroup.Addr().As4() {
		t.Fatalf("group address not encoded")
	}
	if binary.BigEndian.Uint16(p[12:14]) != testGroup.Port() {
		t.Fatalf("group port not encoded")
	}
}

func TestClassify(t *testing.T) {
	for _, vendor := range []service.Vendor{service.VendorHuawei, service.VendorTelecom} {
		if k, err := Classify(vendor, response(vendor, 1, 0)); err != nil || k != MsgResponse {
			t.Fatalf("%s response classified %v, %v", vendor, k, err)
		}
		if k, err := Classify(vendor, sync(vendor)); err != nil || k != MsgSync {
			t.Fatalf("%s sync classified %v, %v", vendor, k, err)
		}
	}
	if _, err := Classify(service.VendorHuawei, []byte{0x80, 33, 0, 0}); err == nil {
		t.Fatalf("classified an RTP packet as FCC control")
	}
}

// The happy path: request, burst, sync, handover. The term packet goes
// out exactly once with first multicast seq + 2.
func TestBurstToMulticastHandover(t *testing.T) {
	h := newHarness(t, service.VendorHuawei)
	now := time.Now()

	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.sess.StateNow() != StateRequested || len(h.tr.sent) != 1 {
		t.Fatalf("after start: state %s, %d packets", h.sess.StateNow(), len(h.tr.sent))
	}

	h.sess.HandleControl(response(service.VendorHuawei, 40000, 500), now)
	if h.sess.StateNow() != StateUnicastPending {
		t.Fatalf("after response: state %s", h.sess.StateNow())
	}
	// Huawei sends the NAT probe to the media port.
	if len(h.tr.sent) != 2 || h.tr.dests[1].Port() != 40000 {
		t.Fatalf("nat probe missing or misdirected: %v", h.tr.dests)
	}

	// Unicast burst 500..549.
	for seq := uint16(500); seq <= 549; seq++ {
		r, pkt := h.rtpPacket(t, seq)
		h.sess.HandleUnicast(r, pkt, now)
		if seq == 500 && h.sess.StateNow() != StateUnicastActive {
			t.Fatalf("first unicast packet did not activate the burst")
		}
		if seq == 547 {
			h.sess.HandleControl(sync(service.VendorHuawei), now)
			if h.sess.StateNow() != StateMcastRequested || h.joined != 1 {
				t.Fatalf("sync: state %s, joined %d", h.sess.StateNow(), h.joined)
			}
			// First multicast packet while the burst finishes.
			mr, mpkt := h.rtpPacket(t, 548)
			h.sess.HandleMulticast(mr, mpkt)
			if !h.sess.TermSent() {
				t.Fatalf("term not sent on first multicast packet")
			}
		}
	}

	// term_seq = 548 + 2 = 550; burst reaching 549 completes the
	// handover and flushes the buffered multicast packet.
	if h.sess.StateNow() != StateMcastActive {
		t.Fatalf("after burst end: state %s", h.sess.StateNow())
	}
	term := h.tr.sent[len(h.tr.sent)-1]
	if got := binary.BigEndian.Uint16(term[12:14]); got != 550 {
		t.Fatalf("term seq %d, want 550", got)
	}

	// Steady state: multicast forwards, unicast drops.
	mr, mpkt := h.rtpPacket(t, 550)
	h.sess.HandleMulticast(mr, mpkt)
	ur, upkt := h.rtpPacket(t, 551)
	before := len(h.delivered)
	h.sess.HandleUnicast(ur, upkt, now)
	if len(h.delivered) != before {
		t.Fatalf("unicast forwarded after MCAST_ACTIVE")
	}

	// Delivery saw every burst packet once, then the buffered 548 and
	// live 550.
	want := []uint16{}
	for seq := uint16(500); seq <= 549; seq++ {
		want = append(want, seq)
	}
	want = append(want, 548, 550)
	if len(h.delivered) != len(want) {
		t.Fatalf("delivered %d packets, want %d", len(h.delivered), len(want))
	}
	for i := range want {
		if h.delivered[i] != want[i] {
			t.Fatalf("delivery[%d] = %d, want %d", i, h.delivered[i], want[i])
		}
	}

	// Close must not re-send the term packet.
	sent := len(h.tr.sent)
	h.sess.Close()
	if len(h.tr.sent) != sent {
		t.Fatalf("close re-sent the term packet")
	}
	if err := h.pool.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestResponseTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, service.VendorTelecom)
	now := time.Now()
	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sess.Tick(now.Add(ResponseTimeout / 2))
	if h.joined != 0 {
		t.Fatalf("fell back before the deadline")
	}
	h.sess.Tick(now.Add(2 * ResponseTimeout))
	if h.joined != 1 || h.sess.StateNow() != StateMcastActive {
		t.Fatalf("timeout fallback: joined %d, state %s", h.joined, h.sess.StateNow())
	}
}

func TestRedirectCap(t *testing.T) {
	h := newHarness(t, service.VendorHuawei)
	now := time.Now()
	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	other := netip.MustParseAddrPort("198.51.100.6:8027")
	for i := 0; i < MaxRedirects; i++ {
		h.sess.HandleControl(redirect(service.VendorHuawei, other), now)
		if h.sess.StateNow() != StateRequested {
			t.Fatalf("redirect %d: state %s", i, h.sess.StateNow())
		}
	}
	// Requests went to the redirect target.
	if h.tr.dests[len(h.tr.dests)-1] != other {
		t.Fatalf("request not re-sent to redirect target")
	}
	h.sess.HandleControl(redirect(service.VendorHuawei, other), now)
	if h.sess.StateNow() != StateMcastActive || h.joined != 1 {
		t.Fatalf("redirect cap: state %s, joined %d", h.sess.StateNow(), h.joined)
	}
}

func TestMalformedResponseFallsBack(t *testing.T) {
	h := newHarness(t, service.VendorHuawei)
	now := time.Now()
	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	bad := response(service.VendorHuawei, 40000, 0)[:14] // truncated
	bad[3] = 2                                           // fix the RTCP length word for the shorter body
	h.sess.HandleControl(bad, now)
	if h.sess.StateNow() != StateMcastActive || h.joined != 1 {
		t.Fatalf("malformed response: state %s, joined %d", h.sess.StateNow(), h.joined)
	}
}

// Close before the handover still terminates the burst, once.
func TestCloseSendsTermOnce(t *testing.T) {
	h := newHarness(t, service.VendorTelecom)
	now := time.Now()
	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sess.HandleControl(response(service.VendorTelecom, 40000, 500), now)
	r, pkt := h.rtpPacket(t, 500)
	h.sess.HandleUnicast(r, pkt, now)

	sent := len(h.tr.sent)
	h.sess.Close()
	if len(h.tr.sent) != sent+1 {
		t.Fatalf("close sent %d packets, want exactly one term", len(h.tr.sent)-sent)
	}
	if !h.sess.TermSent() {
		t.Fatalf("term latch not set")
	}
	h.sess.Close()
	if len(h.tr.sent) != sent+1 {
		t.Fatalf("second close re-sent term")
	}
}

// Buffered multicast packets hold references during the transition and
// release cleanly on an aborted handover.
func TestPendingReleasedOnClose(t *testing.T) {
	h := newHarness(t, service.VendorHuawei)
	now := time.Now()
	if err := h.sess.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sess.HandleControl(response(service.VendorHuawei, 40000, 500), now)
	r, pkt := h.rtpPacket(t, 500)
	h.sess.HandleUnicast(r, pkt, now)
	h.sess.HandleControl(sync(service.VendorHuawei), now)

	free := h.pool.Stats().Free
	for seq := uint16(600); seq < 610; seq++ {
		mr, mpkt := h.rtpPacket(t, seq)
		h.sess.HandleMulticast(mr, mpkt)
	}
	if h.sess.PendingCount() == 0 {
		t.Fatalf("multicast packets were not buffered during the transition")
	}
	if h.pool.Stats().Free >= free {
		t.Fatalf("pending buffers not holding references")
	}
	h.sess.Close()
	if got := h.pool.Stats().Free; got != free {
		t.Fatalf("close leaked %d pending buffers", free-got)
	}
}
