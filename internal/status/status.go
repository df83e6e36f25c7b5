// Package status is the process-wide read-mostly status region: a fixed
// table of client slots with single-writer-per-slot discipline and a
// lock-free ring of log entries. Workers write their own slots; the status
// page reads everything with eventual consistency and no locks on the data
// path.
package status

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// MaxSlots bounds concurrently tracked clients.
	MaxSlots = 256
	// logRing is the size of the event log.
	logRing = 512
)

// ClientState is the coarse stream lifecycle shown on the page.
type ClientState uint32

const (
	StateIdle ClientState = iota
	StateSetup
	StateFCCUnicast
	StateFCCTransition
	StateStreaming
	StateClosing
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateFCCUnicast:
		return "fcc-unicast"
	case StateFCCTransition:
		return "fcc-transition"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Slot is one client's status. The owning worker is the only writer; the
// page reads without synchronization beyond the atomics, accepting torn
// strings for a dashboard.
type Slot struct {
	used    atomic.Bool
	Worker  int
	Peer    string
	Service string
	state   atomic.Uint32
	Bytes   atomic.Uint64
	Started time.Time
}

// SetState publishes the stream state.
func (s *Slot) SetState(st ClientState) { s.state.Store(uint32(st)) }

// AddBytes accumulates sent bytes.
func (s *Slot) AddBytes(n uint64) { s.Bytes.Add(n) }

type logEntry struct {
	when  time.Time
	level string
	msg   string
}

// Region is the shared status area. One per process.
type Region struct {
	slots [MaxSlots]Slot

	log    [logRing]atomic.Pointer[logEntry]
	logSeq atomic.Uint64

	started time.Time
}

// NewRegion creates the region.
func NewRegion() *Region {
	return &Region{started: time.Now()}
}

// Acquire claims a free slot, or nil when the table is full (the caller
// streams without status rather than failing the client).
func (r *Region) Acquire(worker int, peer, service string) *Slot {
	for i := range r.slots {
		s := &r.slots[i]
		if s.used.CompareAndSwap(false, true) {
			s.Worker = worker
			s.Peer = peer
			s.Service = service
			s.Bytes.Store(0)
			s.SetState(StateSetup)
			s.Started = time.Now()
			return s
		}
	}
	return nil
}

// Release returns a slot to the free set.
func (r *Region) Release(s *Slot) {
	if s == nil {
		return
	}
	s.SetState(StateIdle)
	s.used.Store(false)
}

// Append adds one event-log line. Lock-free: a sequence claim then a slot
// publish.
func (r *Region) Append(level, format string, args ...any) {
	e := &logEntry{when: time.Now(), level: level, msg: fmt.Sprintf(format, args...)}
	seq := r.logSeq.Add(1) - 1
	r.log[seq%logRing].Store(e)
}

// snapshot types for the JSON view.
type clientJSON struct {
	Worker  int    `json:"worker"`
	Peer    string `json:"peer"`
	Service string `json:"service"`
	State   string `json:"state"`
	Bytes   uint64 `json:"bytes"`
	Uptime  string `json:"uptime"`
}

type regionJSON struct {
	Uptime  string       `json:"uptime"`
	Clients []clientJSON `json:"clients"`
	Log     []string     `json:"log"`
}

func (r *Region) snapshot() regionJSON {
	out := regionJSON{Uptime: time.Since(r.started).Round(time.Second).String()}
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used.Load() {
			continue
		}
		out.Clients = append(out.Clients, clientJSON{
			Worker:  s.Worker,
			Peer:    s.Peer,
			Service: s.Service,
			State:   ClientState(s.state.Load()).String(),
			Bytes:   s.Bytes.Load(),
			Uptime:  time.Since(s.Started).Round(time.Second).String(),
		})
	}
	seq := r.logSeq.Load()
	first := uint64(0)
	if seq > logRing {
		first = seq - logRing
	}
	for i := first; i < seq; i++ {
		if e := r.log[i%logRing].Load(); e != nil {
			out.Log = append(out.Log, fmt.Sprintf("%s [%s] %s",
				e.when.Format("15:04:05"), e.level, e.msg))
		}
	}
	return out
}

// JSON renders the region for machine consumers.
func (r *Region) JSON() []byte {
	b, err := json.Marshal(r.snapshot())
	if err != nil {
		return []byte("{}")
	}
	return b
}

var pageTmpl = template.Must(template.New("status").Parse(`<!doctype html>
<html><head><title>castgate status</title><style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 8px; text-align: left; }
pre { background: #f4f4f4; padding: 1em; }
</style></head><body>
<h1>castgate</h1>
<p>uptime {{.Uptime}} &middot; {{len .Clients}} client(s)</p>
<table><tr><th>worker</th><th>peer</th><th>service</th><th>state</th><th>bytes</th><th>uptime</th></tr>
{{range .Clients}}<tr><td>{{.Worker}}</td><td>{{.Peer}}</td><td>{{.Service}}</td><td>{{.State}}</td><td>{{.Bytes}}</td><td>{{.Uptime}}</td></tr>
{{end}}</table>
<h2>log</h2>
<pre>{{range .Log}}{{.}}
{{end}}</pre>
</body></html>
`))

// HTML renders the dashboard.
func (r *Region) HTML() []byte {
	var b strings.Builder
	if err := pageTmpl.Execute(&b, r.snapshot()); err != nil {
		return []byte("status unavailable")
	}
	return []byte(b.String())
}
