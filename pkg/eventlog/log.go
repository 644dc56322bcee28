// Package eventlog is the durable, append-only timeline of chorus events. The
// on-disk layout is one JSON event per line; readers tolerate a log that is
// being written concurrently, and a sqlite Index can mirror the log for
// filtered queries.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"
)

// Options configures Open.
type Options struct {
	// NoSync skips the fsync after every append.
	NoSync bool

	Logger *slog.Logger
}

// Log is the append-only event recorder. Appends are serialized by a single
// mutex so concurrent callers never interleave partial writes.
type Log struct {
	path   string
	noSync bool
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	lastSeq uint64
	closed  bool
}

// Open opens (creating if needed) the log at path and recovers the last
// assigned sequence number from its contents. Failure here is fatal to the
// orchestrator.
func Open(path string, opts Options) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // configured log path
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	events, skipped, err := readAll(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("event log contains malformed records", "path", path, "skipped", skipped)
	}

	l := &Log{path: path, noSync: opts.NoSync, logger: logger, file: f}
	for _, ev := range events {
		if ev.Seq > l.lastSeq {
			l.lastSeq = ev.Seq
		}
	}
	return l, nil
}

// Path returns the backing file path.
func (l *Log) Path() string {
	return l.path
}

// LastSeq returns the highest sequence number durably appended.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append writes ev as one line. ev.Seq must be exactly LastSeq()+1; the
// caller assigns it, the log enforces the gap-free order.
func (l *Log) Append(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("append event: %w", protocol.ErrClosed)
	}
	if ev.Seq != l.lastSeq+1 {
		return &protocol.SeqRegressionError{Got: ev.Seq, Last: l.lastSeq}
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if !l.noSync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}
	l.lastSeq = ev.Seq
	return nil
}

// Close releases the file handle. Safe to call multiple times.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadAll returns the full ordered history of the log at path, skipping
// malformed records. A missing file is an empty history.
func ReadAll(path string) ([]protocol.Event, error) {
	events, _, err := readAll(path)
	return events, err
}

func readAll(path string) ([]protocol.Event, int, error) {
	recs, _, skipped, err := jsonl.ReadFrom(path, 0, protocol.Event.Valid)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read event log: %w", err)
	}
	events := make([]protocol.Event, len(recs))
	for i, r := range recs {
		events[i] = r.Value
	}
	return events, skipped, nil
}

// TailOptions configures Tail.
type TailOptions struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Tail follows the log at path from byte offset from (jsonl.OffsetEnd for
// "now"), delivering each event with the offset just past it. The channel is
// closed when ctx is cancelled.
func Tail(ctx context.Context, path string, from int64, opts TailOptions) <-chan jsonl.Record[protocol.Event] {
	return jsonl.Follow(ctx, path, from, jsonl.FollowOptions[protocol.Event]{
		PollInterval: opts.PollInterval,
		Valid:        protocol.Event.Valid,
		Logger:       opts.Logger,
	})
}
