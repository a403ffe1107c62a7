// Package config loads and validates the YAML configuration of a pmwcas pool
// and the tools that operate on it.
//
// Example file:
//
//	pool:
//	  path: /var/lib/pmwcas/pool.pmem
//	  size_bytes: 67108864
//	  capacity: 1024
//	  thread_count: 16
//	  descriptor_capacity: 4
//	  array_words: 1024
//	  enable_recovery: true
//	stress:
//	  threads: 4
//	  rounds: 8192
//	  fault_rate: 512
//	log:
//	  level: info
//	  format: text
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/pmem"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("regionsize", validateRegionSize)
}

// validateRegionSize rejects regions too small for a header and a heap.
func validateRegionSize(fl validator.FieldLevel) bool {
	return fl.Field().Int() >= pmem.MinSize
}

// Config is the root of the configuration file.
type Config struct {
	Pool   PoolConfig   `yaml:"pool"`
	Stress StressConfig `yaml:"stress"`
	Log    LogConfig    `yaml:"log"`
}

// PoolConfig describes the persistent region and the descriptor pool in it.
type PoolConfig struct {
	Path               string `yaml:"path" validate:"required"`
	SizeBytes          int64  `yaml:"size_bytes" validate:"regionsize"`
	Capacity           int    `yaml:"capacity" validate:"gte=1,lte=1048576"`
	ThreadCount        int    `yaml:"thread_count" validate:"gte=1,lte=4096"`
	DescriptorCapacity int    `yaml:"descriptor_capacity" validate:"gte=1,lte=256"`

	// ArrayWords is the length of the application word array kept at the
	// region root.
	ArrayWords int `yaml:"array_words" validate:"gte=1"`

	EnableRecovery   bool `yaml:"enable_recovery"`
	CleanupFreeSlots bool `yaml:"cleanup_free_slots"`
	SyncOnPersist    bool `yaml:"sync_on_persist"`
}

// StressConfig drives the crash-injection harness.
type StressConfig struct {
	Threads int `yaml:"threads" validate:"gte=1"`
	Rounds  int `yaml:"rounds" validate:"gte=0"`

	// FaultRate abandons roughly one in FaultRate operations. Zero disables
	// fault injection.
	FaultRate uint64 `yaml:"fault_rate"`

	// Seed makes the harness reproducible. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration that passes Validate and matches the
// reference crash scenario: 1024 words, 4 threads, 8192 rounds.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Path:               "pmwcas.pool",
			SizeBytes:          64 << 20,
			Capacity:           1024,
			ThreadCount:        16,
			DescriptorCapacity: mwcas.DefaultDescriptorCapacity,
			ArrayWords:         1024,
			EnableRecovery:     true,
		},
		Stress: StressConfig{
			Threads:   4,
			Rounds:    8192,
			FaultRate: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Stress.Threads > c.Pool.ThreadCount {
		return fmt.Errorf("%w: stress.threads (%d) exceeds pool.thread_count (%d)",
			ErrInvalid, c.Stress.Threads, c.Pool.ThreadCount)
	}
	return nil
}

// Load reads path over the defaults and validates the result. Keys missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// RegionOptions returns the pmem options for the pool region.
func (p PoolConfig) RegionOptions(logger *slog.Logger) pmem.Options {
	return pmem.Options{SyncOnPersist: p.SyncOnPersist, Logger: logger}
}

// Options returns the descriptor pool options.
func (p PoolConfig) Options(logger *slog.Logger) mwcas.Options {
	return mwcas.Options{
		Capacity:           p.Capacity,
		ThreadCount:        p.ThreadCount,
		DescriptorCapacity: p.DescriptorCapacity,
		EnableRecovery:     p.EnableRecovery,
		CleanupFreeSlots:   p.CleanupFreeSlots,
		Logger:             logger,
	}
}

// NewLogger builds a slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("%w: log.format %q", ErrInvalid, l.Format)
	}
}
