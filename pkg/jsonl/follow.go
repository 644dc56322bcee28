package jsonl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowOptions configures Follow.
type FollowOptions[T any] struct {
	// PollInterval is the safety-net re-check interval used alongside (or,
	// when the watcher cannot be created, instead of) fsnotify (default 200ms).
	PollInterval time.Duration

	// Valid rejects records that decoded but are unusable. May be nil.
	Valid func(T) bool

	// Logger receives skipped-line and watcher diagnostics. May be nil.
	Logger *slog.Logger
}

func (o FollowOptions[T]) withDefaults() FollowOptions[T] {
	out := o
	if out.PollInterval <= 0 {
		out.PollInterval = 200 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// Follow tails path starting at byte offset from (OffsetEnd for "now") and
// delivers every complete record, in file order, on the returned channel. It
// waits for the file to appear if it does not exist yet, never drops or
// reorders lines, and keeps going until ctx is cancelled, at which point the
// channel is closed.
//
// Wake-ups come from an fsnotify watch on the file's directory with a polling
// ticker as a safety net; if the watch cannot be established Follow polls.
func Follow[T any](ctx context.Context, path string, from int64, opts FollowOptions[T]) <-chan Record[T] {
	out := make(chan Record[T])
	f := &follower[T]{
		path:   filepath.Clean(path),
		offset: from,
		opts:   opts.withDefaults(),
		out:    out,
	}
	go func() {
		defer close(out)
		f.run(ctx)
	}()
	return out
}

type follower[T any] struct {
	path    string
	offset  int64 // offset of the first byte not yet consumed (excluding pending)
	opts    FollowOptions[T]
	out     chan<- Record[T]
	file    *os.File
	pending []byte
}

func (f *follower[T]) run(ctx context.Context) {
	if f.offset == OffsetEnd {
		f.offset = 0
		if info, err := os.Stat(f.path); err == nil {
			f.offset = info.Size()
		}
	}
	defer func() {
		if f.file != nil {
			_ = f.file.Close()
		}
	}()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher := f.watch(); watcher != nil {
		defer func() { _ = watcher.Close() }()
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.opts.Logger.Warn("jsonl follow read failed", "path", f.path, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = ev // any change in the directory triggers a re-read
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.opts.Logger.Warn("jsonl follow watcher error", "path", f.path, "err", err)
		case <-ticker.C:
		}
	}
}

// watch returns a watcher on the file's directory, or nil when fsnotify is
// unavailable (polling only).
func (f *follower[T]) watch() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.opts.Logger.Debug("fsnotify unavailable, polling", "err", err)
		return nil
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		f.opts.Logger.Debug("fsnotify watch failed, polling", "path", f.path, "err", err)
		return nil
	}
	return watcher
}

// drain reads everything currently available and emits each complete line.
func (f *follower[T]) drain(ctx context.Context) error {
	if f.file == nil {
		file, err := os.Open(f.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", f.path, err)
		}
		if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
			_ = file.Close()
			return fmt.Errorf("seek %s: %w", f.path, err)
		}
		f.file = file
	}

	if info, err := f.file.Stat(); err == nil && info.Size() < f.offset+int64(len(f.pending)) {
		// The file shrank underneath us; start over from the beginning.
		f.opts.Logger.Warn("jsonl file truncated, restarting from 0", "path", f.path)
		f.offset = 0
		f.pending = nil
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", f.path, err)
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := f.file.Read(buf)
		if n > 0 {
			f.pending = append(f.pending, buf[:n]...)
			if sendErr := f.emitLines(ctx); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", f.path, err)
		}
	}
}

// emitLines sends every complete line held in pending.
func (f *follower[T]) emitLines(ctx context.Context) error {
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			return nil
		}
		line := f.pending[:i+1]
		f.offset += int64(len(line))
		v, ok, blank := decodeLine(line, f.opts.Valid)
		f.pending = f.pending[i+1:]

		if blank {
			continue
		}
		if !ok {
			f.opts.Logger.Warn("skipping malformed record", "path", f.path, "offset", f.offset)
			continue
		}
		select {
		case f.out <- Record[T]{Value: v, Offset: f.offset}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
