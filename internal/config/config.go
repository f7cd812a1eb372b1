// Package config loads the static cluster configuration consumed from the
// surrounding collaborator (spec.md §6), mirroring the shape of the
// original's config/defaults.py as a TOML document (SPEC_FULL.md §4.13).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// SelfConfig is the [self] table: this process's own identity.
type SelfConfig struct {
	Name string `toml:"name"`
	IP4  string `toml:"ip4"`
	IP6  string `toml:"ip6"`
}

// PeerConfig is one [[peers]] entry: a remote member of the fixed
// membership.
type PeerConfig struct {
	Name  string `toml:"name"`
	IP4   string `toml:"ip4"`
	IP6   string `toml:"ip6"`
	NatIP4 string `toml:"nat_ip4"`
	Port  int    `toml:"port"`
}

// TimeoutsConfig is the [timeouts] table.
type TimeoutsConfig struct {
	PeerTimeoutS    float64 `toml:"peer_timeout_s"`
	LockingTimeoutS float64 `toml:"locking_timeout_s"`
}

// PeerTimeout renders PeerTimeoutS as a time.Duration, defaulting to 1.25s
// (spec.md §6) when unset.
func (t TimeoutsConfig) PeerTimeout() time.Duration {
	if t.PeerTimeoutS <= 0 {
		return 1250 * time.Millisecond
	}
	return time.Duration(t.PeerTimeoutS * float64(time.Second))
}

// LockingTimeout renders LockingTimeoutS as a time.Duration, defaulting to
// 10s (spec.md §6) when unset.
func (t TimeoutsConfig) LockingTimeout() time.Duration {
	if t.LockingTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.LockingTimeoutS * float64(time.Second))
}

// TLSConfig is the [tls] table: certificate material for the peer
// transport (spec.md §6).
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	LimitBytes uint32 `toml:"limit_bytes"`
	BindAddr   string `toml:"bind_addr"`
}

// Limit returns LimitBytes, defaulting to 100 MiB (spec.md §6) when unset.
func (s ServerConfig) Limit() uint32 {
	if s.LimitBytes == 0 {
		return 100 << 20
	}
	return s.LimitBytes
}

// Config is the full configuration document this module loads. `started`
// (spec.md §3) is deliberately absent: it is stamped at process start, not
// read from config.
type Config struct {
	Self     SelfConfig     `toml:"self"`
	Peers    []PeerConfig   `toml:"peers"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	TLS      TLSConfig      `toml:"tls"`
	Server   ServerConfig   `toml:"server"`
}

// Load reads and parses a TOML configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs the minimal sanity checks a malformed config would
// otherwise surface much later as a confusing runtime failure.
func (c *Config) Validate() error {
	if c.Self.Name == "" {
		return fmt.Errorf("config: [self].name is required")
	}
	if c.Self.IP4 == "" && c.Self.IP6 == "" {
		return fmt.Errorf("config: [self] requires at least one of ip4/ip6")
	}
	seen := map[string]bool{}
	for _, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: a [[peers]] entry is missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate peer name %q", p.Name)
		}
		seen[p.Name] = true
		if p.IP4 == "" && p.IP6 == "" {
			return fmt.Errorf("config: peer %q requires at least one of ip4/ip6", p.Name)
		}
		if p.Port == 0 {
			return fmt.Errorf("config: peer %q requires a port", p.Name)
		}
	}
	return nil
}
