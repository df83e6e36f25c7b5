//go:build linux

// Package event implements the per-worker readiness loop: one epoll
// instance, an fd→owner dispatch map, deadline-driven ticks, and a wakeup
// pipe for work injected from outside the loop goroutine.
package event

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Readiness bits passed to handlers.
const (
	Readable uint32 = unix.EPOLLIN
	Writable uint32 = unix.EPOLLOUT
	Closed   uint32 = unix.EPOLLRDHUP
	Errored  uint32 = unix.EPOLLERR
)

// Handler owns one or more registered fds. Handlers run on the loop
// goroutine and must never block.
type Handler interface {
	HandleEvent(fd int, events uint32)
}

// Ticker is an owner with a deadline. NextDeadline returns the zero time
// when no tick is pending.
type Ticker interface {
	NextDeadline() time.Time
	Tick(now time.Time)
}

// tickFloor bounds how early the loop wakes for a deadline; deadlines
// inside the floor fire on the next iteration.
const tickFloor = 10 * time.Millisecond

// Loop is a single-threaded epoll dispatcher. All methods except Defer,
// Wake and Stop must be called from the loop goroutine (or before Run
// starts).
type Loop struct {
	log   *slog.Logger
	epfd  int
	owner map[int]Handler
	ticks map[Ticker]struct{}

	wakeR, wakeW int

	mu       sync.Mutex
	deferred []func()

	stopped bool
}

// NewLoop creates the epoll instance and the wakeup pipe.
func NewLoop(log *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: epoll_create: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("event: pipe: %w", err)
	}
	l := &Loop{
		log:   log,
		epfd:  epfd,
		owner: make(map[int]Handler),
		ticks: make(map[Ticker]struct{}),
		wakeR: p[0],
		wakeW: p[1],
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p[0], &ev); err != nil {
		l.Close()
		return nil, fmt.Errorf("event: register wakeup: %w", err)
	}
	return l, nil
}

// Register adds fd with the given interest set and records h as its owner.
func (l *Loop) Register(fd int, h Handler, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("event: add fd %d: %w", fd, err)
	}
	l.owner[fd] = h
	return nil
}

// Modify replaces fd's interest set.
func (l *Loop) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("event: mod fd %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the multiplexer and the owner map. The caller
// still owns (and closes) the descriptor.
func (l *Loop) Unregister(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.owner, fd)
}

// AddTicker registers t for deadline scans.
func (l *Loop) AddTicker(t Ticker) { l.ticks[t] = struct{}{} }

// RemoveTicker drops t.
func (l *Loop) RemoveTicker(t Ticker) { delete(l.ticks, t) }

// Defer queues fn to run on the loop goroutine and wakes the loop. Safe
// from any goroutine; this is how subprocess completions re-enter the loop.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
	l.Wake()
}

// Wake interrupts a blocked EpollWait.
func (l *Loop) Wake() {
	var b [1]byte
	_, _ = unix.Write(l.wakeW, b[:])
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.Defer(func() { l.stopped = true })
}

func (l *Loop) timeoutMS(now time.Time) int {
	var nearest time.Time
	for t := range l.ticks {
		d := t.NextDeadline()
		if d.IsZero() {
			continue
		}
		if nearest.IsZero() || d.Before(nearest) {
			nearest = d
		}
	}
	if nearest.IsZero() {
		return 1000
	}
	ms := int(nearest.Sub(now) / time.Millisecond)
	if ms < int(tickFloor/time.Millisecond) {
		ms = int(tickFloor / time.Millisecond)
	}
	return ms
}

// Run dispatches until Stop. One iteration: wait until the nearest
// deadline, dispatch ready fds, run injected work, then tick every owner
// whose deadline has passed.
func (l *Loop) Run() {
	events := make([]unix.EpollEvent, 128)
	for !l.stopped {
		n, err := unix.EpollWait(l.epfd, events, l.timeoutMS(time.Now()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Error("event: epoll_wait", "err", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				l.drainWakeup()
				continue
			}
			h, ok := l.owner[fd]
			if !ok {
				// Owner closed during this batch; events on a
				// removed fd are expected and dropped.
				continue
			}
			h.HandleEvent(fd, events[i].Events)
		}
		l.runDeferred()
		now := time.Now()
		for t := range l.ticks {
			if d := t.NextDeadline(); !d.IsZero() && !now.Before(d) {
				t.Tick(now)
			}
		}
	}
}

func (l *Loop) drainWakeup() {
	var b [64]byte
	for {
		if _, err := unix.Read(l.wakeR, b[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runDeferred() {
	l.mu.Lock()
	fns := l.deferred
	l.deferred = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close releases the epoll instance and the wakeup pipe. Registered fds
// belong to their owners and are not touched.
func (l *Loop) Close() error {
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	return unix.Close(l.epfd)
}
