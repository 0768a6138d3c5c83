package jitlink

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
)

// Config controls code generation and the runtime executing the code, with the defaults as NewConfig.
//
// Config is immutable: each WithXXX function returns a new instance including the corresponding change.
type Config interface {
	// WithInlineCacheSlots sets the number of (class, target) pairs of every interface inline cache. Defaults to 2.
	// Once all the slots of a cache are filled, further misses take the full lookup without patching.
	WithInlineCacheSlots(n int) Config

	// WithMinProfiledCallFrequency sets the minimum fraction of observed calls a profiled receiver class must
	// account for to be called directly. Defaults to 0.075.
	WithMinProfiledCallFrequency(f float64) Config

	// WithMaxStaticPICSlots sets the number of profiled receivers of an interface call compared inline before the
	// inline cache is probed. Defaults to 1.
	WithMaxStaticPICSlots(n int) Config

	// WithStackProbeExtraMargin sets the number of bytes the stack probe of every method requires on top of its
	// frame. Defaults to 0.
	WithStackProbeExtraMargin(bytes int64) Config

	// WithFrameSlotSharing allows locals whose live ranges never overlap to share a stack slot. Defaults to true.
	WithFrameSlotSharing(enabled bool) Config

	// WithFullSpeedDebug preserves the incoming arguments in the thread while the stack grows, so that a debugger
	// can inspect them. Defaults to false.
	WithFullSpeedDebug(enabled bool) Config

	// WithObjectAlignment sets the alignment of heap objects, which frames are also aligned to when it exceeds 16.
	// Defaults to 8.
	WithObjectAlignment(bytes int64) Config

	// WithStackSize sets the size of the stack of every runtime thread. Defaults to 64 KiB, at most 1 MiB.
	WithStackSize(bytes uint64) Config

	// WithLogger sets the logger of compilation and runtime events. Defaults to a logger discarding everything.
	WithLogger(log logrus.FieldLogger) Config

	// WithMetricsRegisterer registers the patching statistics of the runtime with r. Defaults to none.
	WithMetricsRegisterer(r prometheus.Registerer) Config
}

type config struct {
	inlineCacheSlots         int
	minProfiledCallFrequency float64
	maxStaticPICSlots        int
	stackProbeExtraMargin    int64
	frameSlotSharing         bool
	fullSpeedDebug           bool
	objectAlignment          int64
	stackSize                uint64
	log                      logrus.FieldLogger
	registerer               prometheus.Registerer
}

const (
	defaultStackSize = 0x1_0000
	maxStackSize     = 0x10_0000
)

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &config{
	inlineCacheSlots:         arm64.DefaultMachineConfig.InlineCacheSlots,
	minProfiledCallFrequency: arm64.DefaultMachineConfig.MinProfiledCallFrequency,
	maxStaticPICSlots:        arm64.DefaultMachineConfig.MaxStaticPICSlots,
	frameSlotSharing:         true,
	objectAlignment:          8,
	stackSize:                defaultStackSize,
}

// NewConfig returns a Config with the defaults.
func NewConfig() Config {
	return defaultConfig.clone()
}

// clone makes a deep copy of this config.
func (c *config) clone() *config {
	ret := *c
	return &ret
}

// WithInlineCacheSlots implements Config.WithInlineCacheSlots
func (c *config) WithInlineCacheSlots(n int) Config {
	if n < 1 {
		panic(fmt.Errorf("inline cache slots invalid: %d < 1", n))
	}
	ret := c.clone()
	ret.inlineCacheSlots = n
	return ret
}

// WithMinProfiledCallFrequency implements Config.WithMinProfiledCallFrequency
func (c *config) WithMinProfiledCallFrequency(f float64) Config {
	if f < 0 || f > 1 {
		panic(fmt.Errorf("min profiled call frequency invalid: %v not in [0, 1]", f))
	}
	ret := c.clone()
	ret.minProfiledCallFrequency = f
	return ret
}

// WithMaxStaticPICSlots implements Config.WithMaxStaticPICSlots
func (c *config) WithMaxStaticPICSlots(n int) Config {
	ret := c.clone()
	if n < 0 {
		n = 0
	}
	ret.maxStaticPICSlots = n
	return ret
}

// WithStackProbeExtraMargin implements Config.WithStackProbeExtraMargin
func (c *config) WithStackProbeExtraMargin(bytes int64) Config {
	if bytes < 0 || bytes%16 != 0 {
		panic(fmt.Errorf("stack probe extra margin invalid: %d is not a non-negative multiple of 16", bytes))
	}
	ret := c.clone()
	ret.stackProbeExtraMargin = bytes
	return ret
}

// WithFrameSlotSharing implements Config.WithFrameSlotSharing
func (c *config) WithFrameSlotSharing(enabled bool) Config {
	ret := c.clone()
	ret.frameSlotSharing = enabled
	return ret
}

// WithFullSpeedDebug implements Config.WithFullSpeedDebug
func (c *config) WithFullSpeedDebug(enabled bool) Config {
	ret := c.clone()
	ret.fullSpeedDebug = enabled
	return ret
}

// WithObjectAlignment implements Config.WithObjectAlignment
func (c *config) WithObjectAlignment(bytes int64) Config {
	if bytes < 8 || bytes&(bytes-1) != 0 {
		panic(fmt.Errorf("object alignment invalid: %d is not a power of two >= 8", bytes))
	}
	ret := c.clone()
	ret.objectAlignment = bytes
	return ret
}

// WithStackSize implements Config.WithStackSize
func (c *config) WithStackSize(bytes uint64) Config {
	if bytes < 0x1000 || bytes > maxStackSize || bytes%16 != 0 {
		panic(fmt.Errorf("stack size invalid: %#x not in [0x1000, %#x]", bytes, maxStackSize))
	}
	ret := c.clone()
	ret.stackSize = bytes
	return ret
}

// WithLogger implements Config.WithLogger
func (c *config) WithLogger(log logrus.FieldLogger) Config {
	ret := c.clone()
	ret.log = log
	return ret
}

// WithMetricsRegisterer implements Config.WithMetricsRegisterer
func (c *config) WithMetricsRegisterer(r prometheus.Registerer) Config {
	ret := c.clone()
	ret.registerer = r
	return ret
}

func (c *config) logger() logrus.FieldLogger {
	if c.log != nil {
		return c.log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (c *config) machineConfig() arm64.MachineConfig {
	return arm64.MachineConfig{
		InlineCacheSlots:         c.inlineCacheSlots,
		MinProfiledCallFrequency: c.minProfiledCallFrequency,
		MaxStaticPICSlots:        c.maxStaticPICSlots,
		StackProbeExtraMargin:    c.stackProbeExtraMargin,
		FullSpeedDebug:           c.fullSpeedDebug,
	}
}

// fileConfig is the YAML form of a Config. Absent keys keep their defaults.
type fileConfig struct {
	InlineCacheSlots         *int     `yaml:"inlineCacheSlots"`
	MinProfiledCallFrequency *float64 `yaml:"minProfiledCallFrequency"`
	MaxStaticPICSlots        *int     `yaml:"maxStaticPICSlots"`
	StackProbeExtraMargin    *int64   `yaml:"stackProbeExtraMargin"`
	EnableFrameSlotSharing   *bool    `yaml:"enableFrameSlotSharing"`
	FullSpeedDebug           *bool    `yaml:"fullSpeedDebug"`
	ObjectAlignment          *int64   `yaml:"objectAlignment"`
	StackSize                *uint64  `yaml:"stackSize"`
}

// LoadConfig reads a YAML configuration, for example:
//
//	inlineCacheSlots: 4
//	minProfiledCallFrequency: 0.1
//	enableFrameSlotSharing: false
func LoadConfig(r io.Reader) (ret Config, err error) {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err = dec.Decode(&fc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// The WithXXX functions panic on invalid values.
	defer func() {
		if recovered := recover(); recovered != nil {
			ret, err = nil, fmt.Errorf("invalid configuration: %v", recovered)
		}
	}()
	ret = NewConfig()
	if fc.InlineCacheSlots != nil {
		ret = ret.WithInlineCacheSlots(*fc.InlineCacheSlots)
	}
	if fc.MinProfiledCallFrequency != nil {
		ret = ret.WithMinProfiledCallFrequency(*fc.MinProfiledCallFrequency)
	}
	if fc.MaxStaticPICSlots != nil {
		ret = ret.WithMaxStaticPICSlots(*fc.MaxStaticPICSlots)
	}
	if fc.StackProbeExtraMargin != nil {
		ret = ret.WithStackProbeExtraMargin(*fc.StackProbeExtraMargin)
	}
	if fc.EnableFrameSlotSharing != nil {
		ret = ret.WithFrameSlotSharing(*fc.EnableFrameSlotSharing)
	}
	if fc.FullSpeedDebug != nil {
		ret = ret.WithFullSpeedDebug(*fc.FullSpeedDebug)
	}
	if fc.ObjectAlignment != nil {
		ret = ret.WithObjectAlignment(*fc.ObjectAlignment)
	}
	if fc.StackSize != nil {
		ret = ret.WithStackSize(*fc.StackSize)
	}
	return ret, nil
}
