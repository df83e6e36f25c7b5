//go:build linux

// Package server wires the pieces into workers: each worker owns one
// epoll loop, one buffer pool, and its own SO_REUSEPORT listeners, and
// serves its clients without sharing mutable state with any other worker.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/castgate/internal/buffer"
	"github.com/tinyrange/castgate/internal/config"
	"github.com/tinyrange/castgate/internal/event"
	"github.com/tinyrange/castgate/internal/mcast"
	"github.com/tinyrange/castgate/internal/service"
	"github.com/tinyrange/castgate/internal/status"
)

// Worker is one single-threaded serving unit.
type Worker struct {
	ID  int
	log *slog.Logger
	cfg *config.Config

	loop  *event.Loop
	pool  *buffer.Pool
	batch buffer.BatchState

	region   *status.Region
	resolver service.Resolver

	listeners []int
	clients   map[int]*Client

	// rejoiner is opened lazily on first use; nil means unavailable
	// (no CAP_NET_RAW) and rejoin silently stays off.
	rejoiner    *mcast.Rejoiner
	rejoinerErr bool

	// Housekeeping tick.
	nextMaint  time.Time
	maintCount int
}

// NewWorker builds the worker and its listeners.
func NewWorker(id int, log *slog.Logger, cfg *config.Config, region *status.Region, resolver service.Resolver) (*Worker, error) {
	loop, err := event.NewLoop(log)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		ID:       id,
		log:      log.With("worker", id),
		cfg:      cfg,
		loop:     loop,
		pool:     buffer.NewPool(log.With("worker", id), buffer.Options{}),
		region:   region,
		resolver: resolver,
		clients:  make(map[int]*Client),
	}
	for _, addr := range cfg.Bind {
		fd, err := listen(addr)
		if err != nil {
			w.Close()
			return nil, err
		}
		if err := loop.Register(fd, w, event.Readable); err != nil {
			unix.Close(fd)
			w.Close()
			return nil, err
		}
		w.listeners = append(w.listeners, fd)
	}
	loop.AddTicker(w)
	w.nextMaint = time.Now().Add(time.Second)
	return w, nil
}

// Run drives the loop until Stop.
func (w *Worker) Run() {
	w.log.Info("worker: serving", "bind", w.cfg.Bind)
	w.loop.Run()
}

// Stop requests loop exit.
func (w *Worker) Stop() { w.loop.Stop() }

// HandleEvent on the worker itself means a listener became readable.
func (w *Worker) HandleEvent(fd int, events uint32) {
	for {
		cfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				w.log.Warn("worker: out of descriptors", "err", err)
				return
			}
			w.log.Error("worker: accept", "err", err)
			return
		}
		_ = unix.SetsockoptInt(cfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := newClient(w, cfd, sockaddrString(sa))
		if err := w.loop.Register(cfd, c, event.Readable); err != nil {
			w.log.Error("worker: register client", "err", err)
			unix.Close(cfd)
			continue
		}
		w.clients[cfd] = c
		w.loop.AddTicker(c)
	}
}

// NextDeadline implements the worker housekeeping tick.
func (w *Worker) NextDeadline() time.Time { return w.nextMaint }

// Tick runs pool watermark maintenance once a second and publishes worker
// counters to the status log once a minute.
func (w *Worker) Tick(now time.Time) {
	w.pool.UpdateStats()
	w.maintCount++
	if w.maintCount%60 == 0 {
		w.region.Append("debug", "%s", w.Stats())
	}
	w.nextMaint = now.Add(time.Second)
}

// rejoin returns the shared raw-IGMP sender, opening it on first use.
func (w *Worker) rejoin() *mcast.Rejoiner {
	if w.rejoiner == nil && !w.rejoinerErr {
		r, err := mcast.NewRejoiner(w.log)
		if err != nil {
			w.log.Warn("worker: igmp rejoin unavailable", "err", err)
			w.rejoinerErr = true
			return nil
		}
		w.rejoiner = r
	}
	return w.rejoiner
}

// removeClient forgets a closed client.
func (w *Worker) removeClient(c *Client) {
	delete(w.clients, c.fd)
	w.loop.RemoveTicker(c)
}

// Close tears the worker down: all clients, listeners, and the loop.
func (w *Worker) Close() {
	for _, c := range w.clients {
		c.close("worker shutdown")
	}
	for _, fd := range w.listeners {
		w.loop.Unregister(fd)
		unix.Close(fd)
	}
	if w.rejoiner != nil {
		w.rejoiner.Close()
	}
	w.loop.Close()
}

// Stats for the status page.
func (w *Worker) Stats() string {
	s := w.pool.Stats()
	return fmt.Sprintf("worker %d: %d clients, pool %d/%d (drops %d)",
		w.ID, len(w.clients), s.Free, s.Total, s.Drops)
}
