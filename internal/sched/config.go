// internal/sched/config.go

package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "github.com/goccy/go-yaml"

	"trampsched/internal/kstack"
)

// Config mirrors config.yaml (or config.toml).
type Config struct {
	TickMS       int    `yaml:"tick_ms" toml:"tick_ms"`             // 10 (by default)
	SliceTicks   int    `yaml:"slice_ticks" toml:"slice_ticks"`     // 5 (by default)
	Policy       string `yaml:"policy" toml:"policy"`               // fifo | rr | cfs | moic
	Preempt      bool   `yaml:"preempt" toml:"preempt"`             // kernel preemption
	CPUs         int    `yaml:"cpus" toml:"cpus"`                   // 1 (by default)
	StackSize    int    `yaml:"stack_size" toml:"stack_size"`       // bytes per kernel stack
	StackCount   int    `yaml:"stack_count" toml:"stack_count"`     // 0 = unlimited
	MOICLevels   int    `yaml:"moic_levels" toml:"moic_levels"`     // 8 (by default)
	MOICCapacity int    `yaml:"moic_capacity" toml:"moic_capacity"` // 1024 (by default)
}

// DefaultConfig is used when no config file is found.
func DefaultConfig() Config {
	return Config{
		TickMS:       10,
		SliceTicks:   DefaultSliceTicks,
		Policy:       PolicyFIFO,
		Preempt:      false,
		CPUs:         1,
		StackSize:    kstack.DefaultStackSize,
		MOICLevels:   DefaultMOICLevels,
		MOICCapacity: DefaultMOICCapacity,
	}
}

// Tick returns the timer interrupt period.
func (c Config) Tick() time.Duration { return time.Duration(c.TickMS) * time.Millisecond }

// Load reads the file and overrides defaults; an empty path or an unreadable
// file yields defaults only.
func Load(path string) Config {
	cfg, err := LoadFile(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// LoadFile is Load with errors reported. The format follows the extension:
// .toml is TOML, anything else YAML.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize applies the sanity clamps.
func (c *Config) Normalize() {
	if c.TickMS <= 0 {
		c.TickMS = 10
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = DefaultSliceTicks
	}
	if c.Policy == "" {
		c.Policy = PolicyFIFO
	}
	c.Policy = strings.ToLower(c.Policy)
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.StackSize <= 0 {
		c.StackSize = kstack.DefaultStackSize
	}
	if c.StackCount < 0 {
		c.StackCount = 0
	}
	if c.MOICLevels <= 0 || c.MOICLevels > maxMOICLevels {
		c.MOICLevels = DefaultMOICLevels
	}
	if c.MOICCapacity <= 0 {
		c.MOICCapacity = DefaultMOICCapacity
	}
}

// Validate reports settings no clamp can repair.
func (c Config) Validate() error {
	for _, p := range Policies() {
		if c.Policy == p {
			return nil
		}
	}
	return fmt.Errorf("policy %q: %w", c.Policy, ErrUnknownPolicy)
}
