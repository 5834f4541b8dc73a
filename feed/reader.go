// Package feed connects an event source to the engine: Reader pumps a
// complete or streaming io.Reader, Tail follows a growing capture file.
package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/zhubert/converge-core/config"
	"github.com/zhubert/converge-core/engine"
	"github.com/zhubert/converge-core/logger"
	"github.com/zhubert/converge-core/stream"
)

// Reader pumps newline-delimited feed events from a reader into the
// engine. The transport is the caller's business: a socket, a pipe, a
// capture file, stdin.
type Reader struct {
	engine  *engine.Engine
	initial int
	max     int
	log     *slog.Logger
}

// NewReader creates a reader feeding the given engine. Zero buffer
// sizes in cfg fall back to the defaults.
func NewReader(eng *engine.Engine, cfg config.FeedConfig) *Reader {
	initial := cfg.InitialBuffer.Bytes
	if initial <= 0 {
		initial = config.DefaultInitialBuffer
	}
	max := cfg.MaxBuffer.Bytes
	if max <= 0 {
		max = config.DefaultMaxBuffer
	}
	if max < initial {
		max = initial
	}
	return &Reader{engine: eng, initial: initial, max: max}
}

// SetLogger overrides the feed logger (for testing).
func (r *Reader) SetLogger(log *slog.Logger) {
	r.log = log
}

func (r *Reader) logger() *slog.Logger {
	if r.log == nil {
		r.log = logger.WithComponent("feed")
	}
	return r.log
}

// Pump reads events from src until EOF or context cancellation,
// applying every decodable line to the engine. Undecodable lines are
// logged and skipped; they never stop the pump. Returns nil on EOF.
func (r *Reader) Pump(ctx context.Context, src io.Reader) error {
	log := r.logger()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, r.initial), r.max)

	lines, applied := 0, 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lines++
		if in := stream.DecodeLine(scanner.Text(), log); in != nil {
			r.engine.Apply(in)
			applied++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read feed: %w", err)
	}

	log.Info("feed drained", "lines", lines, "applied", applied)
	return nil
}
