// Package jsonl reads, appends and tails newline-delimited JSON record files.
// Each line is one self-describing record. Readers tolerate a file that is
// being written concurrently: a trailing line without its newline is left for
// a later read, and complete lines that fail to decode are skipped.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// OffsetEnd asks a reader to start at the current end of the file ("now").
const OffsetEnd int64 = -1

// Record pairs a decoded line with the byte offset just past that line, so a
// consumer can persist the offset and resume from it later.
type Record[T any] struct {
	Value  T
	Offset int64
}

// Append marshals v and writes it as one line at the end of path, creating
// the file and its directory if needed. A single write with O_APPEND keeps
// concurrent appenders from interleaving partial lines.
func Append(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // caller-controlled path
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// ReadFrom decodes every complete line of path starting at byte offset.
// It returns the decoded records, the offset just past the last complete
// line, and the number of lines skipped as malformed. valid may be nil.
func ReadFrom[T any](path string, offset int64, valid func(T) bool) ([]Record[T], int64, int, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, offset, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, 0, fmt.Errorf("seek %s: %w", path, err)
	}

	var (
		records []Record[T]
		skipped int
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Whatever is left has no newline yet: a write in progress.
			return records, offset, skipped, nil
		}
		if err != nil {
			return records, offset, skipped, fmt.Errorf("read %s: %w", path, err)
		}
		offset += int64(len(line))

		v, ok, blank := decodeLine(line, valid)
		switch {
		case blank:
		case !ok:
			skipped++
		default:
			records = append(records, Record[T]{Value: v, Offset: offset})
		}
	}
}

// decodeLine decodes one newline-terminated line. blank reports an empty
// line, which is neither a record nor corruption.
func decodeLine[T any](line []byte, valid func(T) bool) (v T, ok bool, blank bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return v, false, true
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return v, false, false
	}
	if valid != nil && !valid(v) {
		return v, false, false
	}
	return v, true, false
}
