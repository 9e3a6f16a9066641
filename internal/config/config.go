// Package config holds the settings for a dbt run. Values come from an
// optional YAML file and are then overridden by command line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/dbt/internal/guest"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemorySize      = 64 << 20
	DefaultLoadAddress     = 0x10000
	DefaultTierUpThreshold = 1000
	DefaultSaveInterval    = 30 * time.Second
	DefaultCacheDirName    = "dbt"

	ProfileFilename   = "profile.ptc"
	CodeCacheFilename = "code.ptc"
)

type Config struct {
	Version int `yaml:"version"`

	Guest      GuestConfig      `yaml:"guest"`
	Translator TranslatorConfig `yaml:"translator"`
	PTC        PTCConfig        `yaml:"ptc"`

	LogLevel string `yaml:"logLevel,omitempty"`
}

type GuestConfig struct {
	// Image is a flat binary loaded at LoadAddress.
	Image       string `yaml:"image,omitempty"`
	MemorySize  uint64 `yaml:"memorySize,omitempty"`
	LoadAddress uint64 `yaml:"loadAddress,omitempty"`
	// Entry defaults to LoadAddress.
	Entry uint64 `yaml:"entry,omitempty"`
	Mode  string `yaml:"mode,omitempty"`
}

type TranslatorConfig struct {
	HighCqOnly      bool   `yaml:"highCqOnly,omitempty"`
	TierUpThreshold uint64 `yaml:"tierUpThreshold,omitempty"`
	// DisableTierUp turns off background recompilation.
	DisableTierUp bool `yaml:"disableTierUp,omitempty"`
	Workers       int  `yaml:"workers,omitempty"`
	MaxSpillBytes int  `yaml:"maxSpillBytes,omitempty"`
}

type PTCConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CacheDir     string        `yaml:"cacheDir,omitempty"`
	SaveInterval time.Duration `yaml:"saveInterval,omitempty"`
	// CodeCache also persists generated code.
	CodeCache bool `yaml:"codeCache,omitempty"`
}

// Default returns a normalized configuration with no file applied.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Guest.MemorySize == 0 {
		c.Guest.MemorySize = DefaultMemorySize
	}
	if c.Guest.LoadAddress == 0 {
		c.Guest.LoadAddress = DefaultLoadAddress
	}
	if c.Guest.Entry == 0 {
		c.Guest.Entry = c.Guest.LoadAddress
	}
	if c.Guest.Mode == "" {
		c.Guest.Mode = guest.ModeA64.String()
	}
	if c.Translator.TierUpThreshold == 0 {
		c.Translator.TierUpThreshold = DefaultTierUpThreshold
	}
	if c.Translator.Workers <= 0 {
		c.Translator.Workers = 1
	}
	if c.PTC.SaveInterval <= 0 {
		c.PTC.SaveInterval = DefaultSaveInterval
	}
	if c.PTC.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.PTC.CacheDir = filepath.Join(dir, DefaultCacheDirName)
		} else {
			c.PTC.CacheDir = filepath.Join(os.TempDir(), DefaultCacheDirName)
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads a YAML configuration file and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}

// Validate checks fields that normalization cannot repair.
func (c *Config) Validate() error {
	size := c.Guest.MemorySize
	if size < guest.PageSize || size&(size-1) != 0 {
		return fmt.Errorf("memory size 0x%x must be a power of two of at least 0x%x", size, guest.PageSize)
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if c.Guest.Entry%mode.InstructionAlignment() != 0 {
		return fmt.Errorf("entry 0x%x is not aligned for %s", c.Guest.Entry, mode)
	}
	if c.Guest.LoadAddress >= size || c.Guest.Entry >= size {
		return fmt.Errorf("load address 0x%x or entry 0x%x outside 0x%x bytes of memory", c.Guest.LoadAddress, c.Guest.Entry, size)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Mode returns the parsed guest execution mode.
func (c *Config) Mode() (guest.ExecutionMode, error) {
	return guest.ParseMode(c.Guest.Mode)
}

// Level returns the parsed log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// TierUpThreshold returns the configured threshold, or zero when tier-up is
// disabled.
func (c *Config) TierUpThreshold() uint64 {
	if c.Translator.DisableTierUp || c.Translator.HighCqOnly {
		return 0
	}
	return c.Translator.TierUpThreshold
}

func (c *Config) ProfilePath() string {
	return filepath.Join(c.PTC.CacheDir, ProfileFilename)
}

func (c *Config) CodeCachePath() string {
	return filepath.Join(c.PTC.CacheDir, CodeCacheFilename)
}

// ParseSize parses a byte count with an optional K, M or G suffix
// (binary multiples). Hex and octal prefixes are accepted.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	shift := 0
	if n := len(s); n > 0 {
		switch strings.ToUpper(s[n-1:]) {
		case "K":
			shift = 10
		case "M":
			shift = 20
		case "G":
			shift = 30
		}
		if shift != 0 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("config: size %q overflows", s)
	}
	return v << shift, nil
}
