package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/converge-core/config"
	"github.com/zhubert/converge-core/engine"
	"github.com/zhubert/converge-core/logger"
	"github.com/zhubert/converge-core/stream"
)

// Tail follows a feed capture file as it grows: existing content is
// replayed first, then write events drive incremental reads. Partial
// trailing lines wait in a buffer until their newline arrives.
// Truncation restarts the read from the top; removal and recreation of
// the file are survived by reopening it.
//
// A Tail is single-use and not safe for concurrent use; Run owns it.
type Tail struct {
	engine  *engine.Engine
	path    string
	chunk   int
	maxLine int
	log     *slog.Logger

	file    *os.File
	offset  int64
	partial []byte
}

// NewTail creates a tailer for the capture file at path, feeding the
// given engine. Zero buffer sizes in cfg fall back to the defaults.
func NewTail(eng *engine.Engine, path string, cfg config.FeedConfig) *Tail {
	chunk := cfg.InitialBuffer.Bytes
	if chunk <= 0 {
		chunk = config.DefaultInitialBuffer
	}
	maxLine := cfg.MaxBuffer.Bytes
	if maxLine <= 0 {
		maxLine = config.DefaultMaxBuffer
	}
	if maxLine < chunk {
		maxLine = chunk
	}
	return &Tail{
		engine:  eng,
		path:    filepath.Clean(path),
		chunk:   chunk,
		maxLine: maxLine,
	}
}

// SetLogger overrides the feed logger (for testing).
func (t *Tail) SetLogger(log *slog.Logger) {
	t.log = log
}

func (t *Tail) logger() *slog.Logger {
	if t.log == nil {
		t.log = logger.WithComponent("feed")
	}
	return t.log
}

// Run follows the capture file until the context is cancelled. A
// missing file is not an error; Run waits for it to appear. The watch
// is on the containing directory, so recreation after removal or
// rotation is picked up as a create event.
func (t *Tail) Run(ctx context.Context) error {
	log := t.logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create feed watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if err := t.open(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to open feed capture: %w", err)
		}
		log.Info("waiting for feed capture to appear", "path", t.path)
	}
	defer t.close()

	if t.file != nil {
		if err := t.consume(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if err := t.handleEvent(event); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("feed watcher error", "error", err)
		}
	}
}

// handleEvent reacts to one filesystem event on the capture file.
func (t *Tail) handleEvent(event fsnotify.Event) error {
	switch {
	case event.Op&fsnotify.Create != 0:
		// Recreated or rotated into place: start over from the top.
		t.close()
		if err := t.open(); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to reopen feed capture: %w", err)
		}
		return t.consume()

	case event.Op&fsnotify.Write != 0:
		if t.file == nil {
			if err := t.open(); err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return fmt.Errorf("failed to open feed capture: %w", err)
			}
		}
		return t.consume()

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		t.logger().Info("feed capture removed, waiting for recreation", "path", t.path)
		t.close()
	}
	return nil
}

// open starts reading the capture from the top.
func (t *Tail) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file = f
	t.offset = 0
	t.partial = t.partial[:0]
	t.logger().Info("feed capture opened", "path", t.path)
	return nil
}

func (t *Tail) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// consume reads everything appended since the last offset and applies
// each complete line. A capture shorter than the offset was truncated;
// the read restarts from the top.
func (t *Tail) consume() error {
	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat feed capture: %w", err)
	}
	if info.Size() < t.offset {
		t.logger().Warn("feed capture truncated, restarting from top",
			"path", t.path, "size", info.Size(), "offset", t.offset)
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind feed capture: %w", err)
		}
		t.offset = 0
		t.partial = t.partial[:0]
	}

	buf := make([]byte, t.chunk)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.feed(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read feed capture: %w", err)
		}
	}
}

// feed buffers one chunk and applies every complete line in it. A
// partial line larger than the max line size is dropped; a single
// runaway line must not pin memory forever.
func (t *Tail) feed(chunk []byte) {
	log := t.logger()

	t.partial = append(t.partial, chunk...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		line := string(t.partial[:i])
		t.partial = t.partial[i+1:]
		if in := stream.DecodeLine(line, log); in != nil {
			t.engine.Apply(in)
		}
	}
	if len(t.partial) > t.maxLine {
		log.Warn("dropping oversized partial feed line", "bytes", len(t.partial))
		t.partial = t.partial[:0]
	}
}
