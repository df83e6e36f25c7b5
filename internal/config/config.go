// Package config loads the gateway configuration: a YAML file merged with
// defaults, validated once at startup. Flag overrides happen in the cmd
// layer.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full option surface.
type Config struct {
	// Workers is the number of event-loop workers, each with its own
	// SO_REUSEPORT listener and buffer pool. 0 means GOMAXPROCS capped
	// at 4.
	Workers int `yaml:"workers"`

	// Bind is the set of node:service listen addresses.
	Bind []string `yaml:"bind"`

	// UDPRcvbufSize applies to ingress UDP sockets (bytes).
	UDPRcvbufSize int `yaml:"udp_rcvbuf_size"`

	FCCListenPortMin uint16 `yaml:"fcc_listen_port_min"`
	FCCListenPortMax uint16 `yaml:"fcc_listen_port_max"`

	// McastRejoinInterval refreshes upstream IGMP snooping state when
	// nonzero (seconds).
	McastRejoinInterval int `yaml:"mcast_rejoin_interval"`

	// Per-concern upstream interface overrides; UpstreamInterface is
	// the fallback for all of them.
	UpstreamInterface          string `yaml:"upstream_interface"`
	UpstreamInterfaceFCC       string `yaml:"upstream_interface_fcc"`
	UpstreamInterfaceMulticast string `yaml:"upstream_interface_multicast"`
	UpstreamInterfaceRTSP      string `yaml:"upstream_interface_rtsp"`
	UpstreamInterfaceHTTP      string `yaml:"upstream_interface_http"`

	// Hostname is the public URL used when rewriting playlists.
	Hostname string `yaml:"hostname"`

	// XFF trusts X-Forwarded-For for client identification on the
	// status page.
	XFF bool `yaml:"xff"`

	FFmpegPath string   `yaml:"ffmpeg_path"`
	FFmpegArgs []string `yaml:"ffmpeg_args"`

	// PlaylistPath is the source M3U for /playlist.m3u.
	PlaylistPath string `yaml:"playlist_path"`

	// Verbosity: 0 warn, 1 info, 2 debug.
	Verbosity int `yaml:"verbosity"`

	// DNSTimeout bounds hostname resolution at request parse.
	DNSTimeout time.Duration `yaml:"dns_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Bind:             []string{":5140"},
		UDPRcvbufSize:    2 * 1024 * 1024,
		FCCListenPortMin: 44000,
		FCCListenPortMax: 45000,
		Verbosity:        1,
		DNSTimeout:       2 * time.Second,
	}
}

// Load reads path (when non-empty) over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible combinations early.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	if len(c.Bind) == 0 {
		return fmt.Errorf("config: at least one bind address required")
	}
	if c.FCCListenPortMax != 0 && c.FCCListenPortMax < c.FCCListenPortMin {
		return fmt.Errorf("config: fcc port range %d-%d inverted",
			c.FCCListenPortMin, c.FCCListenPortMax)
	}
	if c.McastRejoinInterval < 0 {
		return fmt.Errorf("config: mcast_rejoin_interval must be >= 0")
	}
	return nil
}

// NumWorkers resolves the worker count.
func (c *Config) NumWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	return n
}

// InterfaceFor returns the upstream interface for a concern, falling back
// to the global setting.
func (c *Config) InterfaceFor(specific string) string {
	if specific != "" {
		return specific
	}
	return c.UpstreamInterface
}
