// Package outbox guarantees at-least-once execution of side-effecting
// actions. An action's intent is persisted as one record file before it is
// attempted and deleted only after it succeeds; a background worker retries
// failures with capped exponential backoff, and surviving records are
// replayed on startup.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chorus/pkg/protocol"

	"github.com/google/uuid"
)

// recordExt is the file extension of persisted records.
const recordExt = ".json"

// ErrInvalidID is returned for record ids that are not UUIDs.
var ErrInvalidID = errors.New("invalid outbox record id")

// ParseID returns the canonical form of a record id. Anything that is not a
// UUID is rejected, so an id can never name a file outside the directory.
func ParseID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return u.String(), nil
}

// Record is the persisted form of one pending action.
type Record struct {
	ID            string          `json:"id"`
	Action        protocol.Action `json:"action"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// Config holds Outbox configuration.
type Config struct {
	Dir          string        // Record directory.
	PollInterval time.Duration // Worker scan interval (default 1s).
	BaseDelay    time.Duration // First retry delay (default 1s).
	MaxDelay     time.Duration // Retry delay ceiling (default 60s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval == 0 {
		out.PollInterval = time.Second
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = 60 * time.Second
	}
	return out
}

// Outbox persists, executes and retries actions.
type Outbox struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	// mu guards the record directory and inflight.
	mu       sync.Mutex
	inflight map[string]bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open creates the record directory if needed. Failure is fatal to the
// orchestrator.
func Open(cfg Config, registry *Registry, logger *slog.Logger) (*Outbox, error) {
	resolved := cfg.withDefaults()
	if resolved.Dir == "" {
		return nil, errors.New("outbox dir is required")
	}
	if err := os.MkdirAll(resolved.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create outbox dir %s: %w", resolved.Dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Outbox{
		cfg:      resolved,
		registry: registry,
		logger:   logger,
		inflight: make(map[string]bool),
		nowFunc:  time.Now,
	}, nil
}

// SetNowFunc replaces the clock. Tests only.
func (o *Outbox) SetNowFunc(now func() time.Time) {
	o.nowFunc = now
}

// Registry returns the handler registry.
func (o *Outbox) Registry() *Registry {
	return o.registry
}

// RecordIntent durably persists a and returns its record. It must return
// before the side effect is attempted.
func (o *Outbox) RecordIntent(a protocol.Action) (Record, error) {
	return o.record(a, false)
}

// record persists a new record for a, optionally claiming it in the same
// critical section so no worker scan can pick it up first.
func (o *Outbox) record(a protocol.Action, claim bool) (Record, error) {
	now := o.nowFunc()
	rec := Record{
		ID:            uuid.New().String(),
		Action:        a,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.writeLocked(rec); err != nil {
		return Record{}, err
	}
	if claim {
		o.inflight[rec.ID] = true
	}
	return rec, nil
}

// MarkDone deletes the record for id. Call only after the side effect has
// succeeded. Deleting an absent record is not an error; an id that is not
// a UUID is (ErrInvalidID).
func (o *Outbox) MarkDone(id string) error {
	id, err := ParseID(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	err = os.Remove(o.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove outbox record %s: %w", id, err)
	}
	return nil
}

// Pending returns every persisted record, oldest first. Unreadable record
// files are logged and skipped, never deleted.
func (o *Outbox) Pending() ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingLocked()
}

func (o *Outbox) pendingLocked() ([]Record, error) {
	entries, err := os.ReadDir(o.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox dir: %w", err)
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		path := filepath.Join(o.cfg.Dir, e.Name())
		rec, err := readRecord(path)
		if err != nil {
			o.logger.Warn("unreadable outbox record", "path", path, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path inside outbox dir
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("malformed outbox record: %w", err)
	}
	if _, err := ParseID(rec.ID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Execute records a's intent, attempts it once, and on failure leaves it
// scheduled for retry by the worker. The returned error is the attempt's
// failure; the action is still pending in that case, never dropped.
func (o *Outbox) Execute(ctx context.Context, a protocol.Action) (Record, error) {
	rec, err := o.record(a, true)
	if err != nil {
		return Record{}, err
	}
	defer o.release(rec.ID)
	return rec, o.attempt(ctx, rec)
}

// Replay attempts every surviving record once, regardless of its schedule.
// Run it on startup before accepting new work.
func (o *Outbox) Replay(ctx context.Context) error {
	recs, err := o.Pending()
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		o.logger.Info("replaying outbox", "pending", len(recs))
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.tryRecord(ctx, rec)
	}
	return nil
}

// RunOnce attempts every record whose next attempt is due.
func (o *Outbox) RunOnce(ctx context.Context) error {
	recs, err := o.Pending()
	if err != nil {
		return err
	}
	now := o.nowFunc()
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		o.tryRecord(ctx, rec)
	}
	return nil
}

// Run polls the record directory every PollInterval until ctx is cancelled.
// Safe to stop and restart.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox scan failed", "err", err)
			}
		}
	}
}

// tryRecord attempts the record a scan found, working from its persisted
// state at claim time rather than the scanned copy.
func (o *Outbox) tryRecord(ctx context.Context, scanned Record) {
	rec, ok := o.claim(scanned.ID)
	if !ok {
		return
	}
	defer o.release(rec.ID)
	if err := o.attempt(ctx, rec); err != nil {
		o.logger.Warn("outbox action failed", "id", rec.ID, "action", rec.Action.Name, "attempts", rec.Attempts+1, "err", err)
	}
}

// attempt runs rec once and either deletes it or reschedules it.
func (o *Outbox) attempt(ctx context.Context, rec Record) error {
	runErr := o.registry.Run(ctx, rec.Action)
	if runErr == nil {
		return o.MarkDone(rec.ID)
	}

	rec.Attempts++
	rec.LastError = runErr.Error()
	rec.NextAttemptAt = o.nowFunc().Add(Backoff(rec.Attempts, o.cfg.BaseDelay, o.cfg.MaxDelay))

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := os.Stat(o.path(rec.ID)); errors.Is(err, os.ErrNotExist) {
		// Completed elsewhere between scan and failure; don't resurrect it.
		return runErr
	}
	if err := o.writeLocked(rec); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// claim marks id in flight and returns its current record. It fails if id
// is already in flight or its record is gone.
func (o *Outbox) claim(id string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return Record{}, false
	}
	rec, err := readRecord(o.path(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("unreadable outbox record", "id", id, "err", err)
		}
		return Record{}, false
	}
	o.inflight[id] = true
	return rec, true
}

func (o *Outbox) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

func (o *Outbox) path(id string) string {
	return filepath.Join(o.cfg.Dir, id+recordExt)
}

// writeLocked persists rec atomically (temp file, fsync, rename).
func (o *Outbox) writeLocked(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}
	final := o.path(rec.ID)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // path inside outbox dir
	if err != nil {
		return fmt.Errorf("create outbox record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write outbox record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync outbox record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close outbox record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename outbox record: %w", err)
	}
	return nil
}
