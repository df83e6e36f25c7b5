package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(tb testing.TB, body string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "castgate.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		tb.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if len(cfg.Bind) != 1 || cfg.Bind[0] != ":5140" {
		t.Fatalf("default bind %v", cfg.Bind)
	}
	if cfg.FCCListenPortMin == 0 || cfg.FCCListenPortMax < cfg.FCCListenPortMin {
		t.Fatalf("default fcc range %d-%d", cfg.FCCListenPortMin, cfg.FCCListenPortMax)
	}
	if cfg.NumWorkers() < 1 {
		t.Fatalf("default workers %d", cfg.NumWorkers())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
workers: 3
bind:
  - ":8080"
  - "127.0.0.1:8081"
udp_rcvbuf_size: 4194304
fcc_listen_port_min: 40000
fcc_listen_port_max: 41000
mcast_rejoin_interval: 60
upstream_interface: eth1
upstream_interface_fcc: eth2
hostname: http://gw.example:8080
xff: true
ffmpeg_path: /usr/bin/ffmpeg
verbosity: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 3 || cfg.NumWorkers() != 3 {
		t.Fatalf("workers %d", cfg.Workers)
	}
	if len(cfg.Bind) != 2 {
		t.Fatalf("bind %v", cfg.Bind)
	}
	if cfg.UDPRcvbufSize != 4<<20 {
		t.Fatalf("rcvbuf %d", cfg.UDPRcvbufSize)
	}
	if cfg.InterfaceFor(cfg.UpstreamInterfaceFCC) != "eth2" {
		t.Fatalf("fcc interface %q", cfg.InterfaceFor(cfg.UpstreamInterfaceFCC))
	}
	if cfg.InterfaceFor(cfg.UpstreamInterfaceMulticast) != "eth1" {
		t.Fatalf("multicast interface fallback %q", cfg.InterfaceFor(cfg.UpstreamInterfaceMulticast))
	}
	if !cfg.XFF || cfg.Verbosity != 2 {
		t.Fatalf("xff=%v verbosity=%d", cfg.XFF, cfg.Verbosity)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"workers: -1",
		"bind: []",
		"fcc_listen_port_min: 5000\nfcc_listen_port_max: 4000",
		"mcast_rejoin_interval: -5",
	}
	for _, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("accepted %q", body)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yml"); err == nil {
		t.Fatalf("missing file accepted")
	}
}
