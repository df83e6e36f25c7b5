//go:build linux

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/castgate/internal/config"
	"github.com/tinyrange/castgate/internal/service"
	"github.com/tinyrange/castgate/internal/status"
)

// Supervisor runs N workers and restarts any that die, with a rate
// limiter so a crashing worker cannot restart-storm the host.
type Supervisor struct {
	log      *slog.Logger
	cfg      *config.Config
	region   *status.Region
	resolver service.Resolver

	limiter *rate.Limiter

	mu      sync.Mutex
	workers map[int]*Worker
}

// NewSupervisor prepares the supervisor; Run starts the workers.
func NewSupervisor(log *slog.Logger, cfg *config.Config, region *status.Region) *Supervisor {
	return &Supervisor{
		log:      log,
		cfg:      cfg,
		region:   region,
		resolver: service.NewDNSResolver(cfg.DNSTimeout),
		// One restart per two seconds, small burst: enough for a
		// transient, slow enough to survive a persistent crasher.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
		workers: make(map[int]*Worker),
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	n := s.cfg.NumWorkers()
	for i := 0; i < n; i++ {
		if err := s.startWorker(ctx, i); err != nil {
			return fmt.Errorf("server: start worker %d: %w", i, err)
		}
	}
	s.log.Info("server: started", "workers", n, "bind", s.cfg.Bind)

	<-ctx.Done()
	s.mu.Lock()
	for _, w := range s.workers {
		w.Stop()
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) startWorker(ctx context.Context, id int) error {
	w, err := NewWorker(id, s.log, s.cfg, s.region, s.resolver)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("server: worker panicked", "worker", id, "panic", r)
				s.region.Append("error", "worker %d crashed: %v", id, r)
				w.Close()
				s.restart(ctx, id)
				return
			}
			w.Close()
		}()
		w.Run()
	}()
	return nil
}

// restart brings a crashed worker back, waiting out the rate limiter
// first.
func (s *Supervisor) restart(ctx context.Context, id int) {
	if err := s.limiter.Wait(ctx); err != nil {
		return // shutting down
	}
	if ctx.Err() != nil {
		return
	}
	s.log.Info("server: restarting worker", "worker", id)
	if err := s.startWorker(ctx, id); err != nil {
		s.log.Error("server: worker restart failed", "worker", id, "err", err)
	}
}
