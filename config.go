package ivm

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/cryguy/ivm/internal/codecache"
	"github.com/cryguy/ivm/internal/logging"
)

// Config is the environment configuration of agents, read from IVM_*
// variables.
type Config struct {
	MemoryLimitMB  int           `envconfig:"MEMORY_LIMIT_MB" default:"128"`
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"0s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	// CodeCachePath enables the persistent module cache behind the
	// in-memory one.
	CodeCachePath    string `envconfig:"CODE_CACHE_PATH"`
	CodeCacheEntries int    `envconfig:"CODE_CACHE_ENTRIES" default:"512"`

	Clock         string        `envconfig:"CLOCK" default:"system"`
	ClockEpoch    time.Time     `envconfig:"CLOCK_EPOCH"`
	ClockInterval time.Duration `envconfig:"CLOCK_INTERVAL" default:"1ms"`

	// RandomSeed seeds Math.random when set.
	RandomSeed string `envconfig:"RANDOM_SEED"`

	closers []io.Closer
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ivm", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() *Config {
	return &Config{
		MemoryLimitMB:    128,
		LogLevel:         "info",
		CodeCacheEntries: 512,
		Clock:            "system",
		ClockInterval:    time.Millisecond,
	}
}

// ParseClockMode parses a clock mode name.
func ParseClockMode(s string) (ClockMode, error) {
	switch strings.ToLower(s) {
	case "", "system":
		return ClockSystem, nil
	case "realtime":
		return ClockRealtime, nil
	case "deterministic":
		return ClockDeterministic, nil
	case "microtask":
		return ClockMicrotask, nil
	}
	return ClockSystem, fmt.Errorf("unknown clock mode %q", s)
}

// AgentOptions builds agent options from the configuration, opening the
// logger and module cache it names. Stores opened here are closed by Close.
func (c *Config) AgentOptions() (AgentOptions, error) {
	mode, err := ParseClockMode(c.Clock)
	if err != nil {
		return AgentOptions{}, err
	}
	opts := AgentOptions{
		Clock: ClockOptions{
			Mode:     mode,
			Epoch:    c.ClockEpoch,
			Interval: c.ClockInterval,
		},
		MemoryLimitMB:  c.MemoryLimitMB,
		DefaultTimeout: c.DefaultTimeout,
	}
	if c.RandomSeed != "" {
		seed, err := strconv.ParseUint(c.RandomSeed, 10, 64)
		if err != nil {
			return AgentOptions{}, fmt.Errorf("parsing random seed: %w", err)
		}
		opts.RandomSeed = &seed
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = c.LogLevel
	logCfg.Development = c.LogDev
	if opts.Logger, err = logging.New(logCfg); err != nil {
		return AgentOptions{}, fmt.Errorf("creating logger: %w", err)
	}

	fast, err := codecache.NewLRU(c.CodeCacheEntries)
	if err != nil {
		return AgentOptions{}, fmt.Errorf("creating module cache: %w", err)
	}
	opts.ModuleCache = fast
	if c.CodeCachePath != "" {
		slow, err := codecache.OpenSQLite(c.CodeCachePath)
		if err != nil {
			return AgentOptions{}, fmt.Errorf("opening module cache: %w", err)
		}
		c.closers = append(c.closers, slow)
		opts.ModuleCache = &codecache.Tiered{Fast: fast, Slow: slow}
	}
	return opts, nil
}

// Close releases the stores opened by AgentOptions.
func (c *Config) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}
