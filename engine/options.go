package engine

import (
	"log/slog"

	"github.com/zhubert/converge-core/stream"
)

// Option configures an Engine at construction time. Applied by New
// after defaults are set, so options override the defaults.
type Option func(*Engine)

// WithRetention overrides the default segment retention policy.
func WithRetention(p stream.RetentionPolicy) Option {
	return func(e *Engine) { e.retention = p }
}

// WithLogger overrides the default component logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}
