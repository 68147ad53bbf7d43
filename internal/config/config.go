// Package config loads the YAML document that sizes a fresh cache: arena
// capacity, TB pool capacity, the single-TB reservation, the host page
// size override, and per-dispatcher policy bits. It is the only
// persisted artifact in the system — the cache's own runtime state is
// never written back (spec.md §6.4's "Persisted state: None" still holds
// for the cache itself).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tbvm/internal/tb"
)

// Config is the tagged-struct-plus-normalize shape internal/bundle's
// Metadata uses, adapted to this module's concerns.
type Config struct {
	Arena      ArenaConfig      `yaml:"arena"`
	Pool       PoolConfig       `yaml:"pool"`
	GuestMem   GuestMemConfig   `yaml:"guestMemory"`
	Dispatcher DispatcherConfig `yaml:"dispatcher,omitempty"`
}

// ArenaConfig sizes the Code Arena (§3).
type ArenaConfig struct {
	// CapacityBytes is the arena's total size.
	CapacityBytes int `yaml:"capacityBytes"`
	// ReserveBytes is the headroom that triggers a flush before it is
	// exhausted; must be at least MaxTBBytes.
	ReserveBytes int `yaml:"reserveBytes,omitempty"`
	// MaxTBBytes is only checked against ReserveBytes by normalize; the
	// dispatcher does not read it and passes the generator its own fixed
	// per-translation bound (256 bytes).
	MaxTBBytes int `yaml:"maxTBBytes,omitempty"`
}

// PoolConfig sizes the Translation-Block Store (§4.C).
type PoolConfig struct {
	Capacity int `yaml:"capacity"`
}

// GuestMemConfig sizes the flat guest memory window (internal/tb's
// GuestMemory).
type GuestMemConfig struct {
	Base      uint64 `yaml:"base,omitempty"`
	SizeBytes int    `yaml:"sizeBytes"`
	// HostPageSize overrides the host's native page size for protection
	// granularity; 0 probes it via unix.Getpagesize().
	HostPageSize uint64 `yaml:"hostPageSize,omitempty"`
}

// DispatcherConfig carries per-CPU dispatch policy.
type DispatcherConfig struct {
	// FatalGenFailure makes a generator rejection abort the process
	// instead of raising a guest illegal-instruction exception. Useful
	// for test harnesses that want a hard failure on any unsupported
	// opcode rather than silently injecting #UD into the guest.
	FatalGenFailure bool `yaml:"fatalGenFailure,omitempty"`

	// InitialFlags seeds the mode bits (§2.2: CS32/SS32/AddSeg/VM) a
	// freshly constructed CPUState starts with, the config-file analogue
	// of the original's reset-time cpu_x86_set_cpl/flags wiring. Callers
	// that build a CPUState directly rather than through VM.NewCPUState
	// are unaffected by this field.
	InitialFlags tb.Flags `yaml:"initialFlags,omitempty"`
}

const (
	defaultArenaCapacity = 4 << 20 // 4 MiB
	defaultReserve       = 64 << 10
	defaultMaxTBBytes    = 256
	defaultPoolCapacity  = 16384
	defaultGuestMemSize  = 16 << 20 // 16 MiB
)

func (c *Config) normalize() error {
	if c.Arena.CapacityBytes == 0 {
		c.Arena.CapacityBytes = defaultArenaCapacity
	}
	if c.Arena.ReserveBytes == 0 {
		c.Arena.ReserveBytes = defaultReserve
	}
	if c.Arena.MaxTBBytes == 0 {
		c.Arena.MaxTBBytes = defaultMaxTBBytes
	}
	if c.Arena.ReserveBytes < c.Arena.MaxTBBytes {
		return fmt.Errorf("config: arena reserveBytes (%d) must be >= maxTBBytes (%d)", c.Arena.ReserveBytes, c.Arena.MaxTBBytes)
	}
	if c.Pool.Capacity == 0 {
		c.Pool.Capacity = defaultPoolCapacity
	}
	if c.GuestMem.SizeBytes == 0 {
		c.GuestMem.SizeBytes = defaultGuestMemSize
	}
	if c.GuestMem.HostPageSize == 0 {
		c.GuestMem.HostPageSize = uint64(hostPageSize())
	}
	return nil
}

// Load reads and validates a Config from a YAML file, applying defaults
// for every field the document leaves zero.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.normalize(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns a Config with every field at its built-in default,
// suitable for tests and cmd/tbcachebench's synthetic replay mode.
func Default() Config {
	c := Config{}
	_ = c.normalize()
	return c
}
