// Command castgate gateways IPTV multicast (RTP or raw UDP, with optional
// FCC fast channel change and FEC repair) and RTSP sources to plain HTTP
// clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/tinyrange/castgate/internal/config"
	"github.com/tinyrange/castgate/internal/server"
	"github.com/tinyrange/castgate/internal/status"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "castgate: %v\n", err)
		os.Exit(1)
	}
}

type stringsFlag []string

func (f *stringsFlag) String() string { return strings.Join(*f, ",") }

func (f *stringsFlag) Set(s string) error {
	*f = append(*f, s)
	return nil
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		workers    = flag.Int("workers", 0, "worker count override")
		verbosity  = flag.Int("v", -1, "verbosity override: 0 warn, 1 info, 2 debug")
		bind       stringsFlag
	)
	flag.Var(&bind, "listen", "bind address (repeatable, overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if len(bind) > 0 {
		cfg.Bind = bind
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(newLogHandler(cfg.Verbosity)))

	region := status.NewRegion()
	region.Append("info", "castgate starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := server.NewSupervisor(slog.Default(), cfg, region)
	return sup.Run(ctx)
}

// newLogHandler picks text output on a terminal and JSON otherwise.
func newLogHandler(verbosity int) slog.Handler {
	level := slog.LevelWarn
	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
