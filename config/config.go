// Package config provides the engine's tunable configuration.
// Settings are defined in converge.yaml (see paths.ConfigFilePath).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zhubert/converge-core/stream"
)

// Config is the top-level engine configuration.
type Config struct {
	Retention RetentionConfig `yaml:"retention"`
	Feed      FeedConfig      `yaml:"feed"`
	Log       LogConfig       `yaml:"log"`
}

// RetentionConfig bounds per-session segment history.
type RetentionConfig struct {
	// MaxSegments is the segment count that triggers eviction.
	MaxSegments int `yaml:"max_segments"`
	// MinIterations is the number of completed iterations always retained.
	MinIterations int `yaml:"min_iterations"`
}

// FeedConfig tunes the feed line reader.
type FeedConfig struct {
	// InitialBuffer is the scanner's starting buffer size.
	InitialBuffer ByteSize `yaml:"initial_buffer"`
	// MaxBuffer is the largest single line the reader accepts.
	MaxBuffer ByteSize `yaml:"max_buffer"`
}

// LogConfig controls the engine log file.
type LogConfig struct {
	Path  string `yaml:"path,omitempty"`
	Debug bool   `yaml:"debug,omitempty"`
}

// ByteSize is a wrapper around an int byte count that implements YAML
// unmarshaling from human-readable strings like "64KB", "1MB".
type ByteSize struct {
	Bytes int
}

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Bare integers parse as ints, not strings
		var n int
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		b.Bytes = n
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	b.Bytes = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// String renders the size with the largest unit that divides it evenly.
func (b ByteSize) String() string {
	switch {
	case b.Bytes >= 1<<20 && b.Bytes%(1<<20) == 0:
		return strconv.Itoa(b.Bytes>>20) + "MB"
	case b.Bytes >= 1<<10 && b.Bytes%(1<<10) == 0:
		return strconv.Itoa(b.Bytes>>10) + "KB"
	default:
		return strconv.Itoa(b.Bytes)
	}
}

func parseByteSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	mult := 1
	switch {
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}

	n, err := strconv.Atoi(strings.TrimSpace(upper))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return n * mult, nil
}

// Defaults for the feed reader. Retention defaults live with the
// policy itself in the stream package.
const (
	DefaultInitialBuffer = 64 * 1024
	DefaultMaxBuffer     = 1024 * 1024
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Retention: RetentionConfig{
			MaxSegments:   stream.DefaultMaxSegments,
			MinIterations: stream.DefaultMinIterations,
		},
		Feed: FeedConfig{
			InitialBuffer: ByteSize{DefaultInitialBuffer},
			MaxBuffer:     ByteSize{DefaultMaxBuffer},
		},
	}
}

// RetentionPolicy converts the retention settings into the stream
// package's policy value.
func (c *Config) RetentionPolicy() stream.RetentionPolicy {
	return stream.RetentionPolicy{
		MaxSegments:   c.Retention.MaxSegments,
		MinIterations: c.Retention.MinIterations,
	}
}

// Merge fills the partial config's zero fields from defaults.
func Merge(partial, defaults *Config) *Config {
	result := *partial

	if result.Retention.MaxSegments == 0 {
		result.Retention.MaxSegments = defaults.Retention.MaxSegments
	}
	if result.Retention.MinIterations == 0 {
		result.Retention.MinIterations = defaults.Retention.MinIterations
	}
	if result.Feed.InitialBuffer.Bytes == 0 {
		result.Feed.InitialBuffer = defaults.Feed.InitialBuffer
	}
	if result.Feed.MaxBuffer.Bytes == 0 {
		result.Feed.MaxBuffer = defaults.Feed.MaxBuffer
	}
	if result.Log.Path == "" {
		result.Log.Path = defaults.Log.Path
	}

	return &result
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.Retention.MaxSegments < 1 {
		return fmt.Errorf("retention.max_segments must be at least 1, got %d", c.Retention.MaxSegments)
	}
	if c.Retention.MinIterations < 0 {
		return fmt.Errorf("retention.min_iterations cannot be negative, got %d", c.Retention.MinIterations)
	}
	if c.Feed.InitialBuffer.Bytes < 1 {
		return fmt.Errorf("feed.initial_buffer must be positive, got %d", c.Feed.InitialBuffer.Bytes)
	}
	if c.Feed.MaxBuffer.Bytes < c.Feed.InitialBuffer.Bytes {
		return fmt.Errorf("feed.max_buffer (%d) cannot be smaller than feed.initial_buffer (%d)",
			c.Feed.MaxBuffer.Bytes, c.Feed.InitialBuffer.Bytes)
	}
	return nil
}
