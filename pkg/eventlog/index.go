package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// IndexDDL defines the sqlite mirror of the event log.
const IndexDDL = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY,
    wall_clock_ms INTEGER NOT NULL,
    role TEXT NOT NULL,
    stream TEXT NOT NULL,
    act TEXT NOT NULL,
    text TEXT NOT NULL,
    meta TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_role_act ON events(role, act);

-- Byte offset into the JSONL log up to which events have been indexed.
CREATE TABLE IF NOT EXISTS index_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    log_offset INTEGER NOT NULL
);
`

// QueryOpts specifies filter criteria for querying indexed events.
type QueryOpts struct {
	Role   protocol.Role
	Act    protocol.Act
	Stream string

	// AfterSeq returns only events with seq greater than this value.
	AfterSeq uint64

	// Limit restricts the result to the newest Limit matches (0 = no limit).
	Limit int
}

// Index is a queryable sqlite mirror of an event log. The JSONL file stays
// the source of truth; the index can always be rebuilt from it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at path with WAL
// journaling and a busy timeout, and applies the schema.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, IndexDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Offset returns the log byte offset indexed so far.
func (ix *Index) Offset(ctx context.Context) (int64, error) {
	var off int64
	err := ix.db.QueryRowContext(ctx, `SELECT log_offset FROM index_state WHERE id = 1`).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read index offset: %w", err)
	}
	return off, nil
}

// Sync indexes every complete event appended to logPath since the last
// Sync. It is idempotent: events are keyed by seq. Returns the number of
// events read.
func (ix *Index) Sync(ctx context.Context, logPath string) (int, error) {
	from, err := ix.Offset(ctx)
	if err != nil {
		return 0, err
	}
	recs, next, _, err := jsonl.ReadFrom(logPath, from, protocol.Event.Valid)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read event log: %w", err)
	}
	if err := ix.store(ctx, recs, next); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Follow keeps the index current by tailing logPath from the persisted
// offset until ctx is cancelled.
func (ix *Index) Follow(ctx context.Context, logPath string, opts TailOptions) error {
	from, err := ix.Offset(ctx)
	if err != nil {
		return err
	}
	for rec := range Tail(ctx, logPath, from, opts) {
		if err := ix.store(ctx, []jsonl.Record[protocol.Event]{rec}, rec.Offset); err != nil {
			return err
		}
	}
	return nil
}

// store inserts recs and advances the offset in one transaction.
func (ix *Index) store(ctx context.Context, recs []jsonl.Record[protocol.Event], next int64) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recs {
		ev := r.Value
		meta, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta for seq %d: %w", ev.Seq, err)
		}
		if ev.Meta == nil {
			meta = []byte("{}")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (seq, wall_clock_ms, role, stream, act, text, meta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(ev.Seq), ev.WallClockMs, string(ev.Role), ev.Stream, string(ev.Act), ev.Text, string(meta), ev.CreatedAtISO)
		if err != nil {
			return fmt.Errorf("index seq %d: %w", ev.Seq, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO index_state (id, log_offset) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET log_offset = excluded.log_offset`, next)
	if err != nil {
		return fmt.Errorf("update index offset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// Query retrieves events matching opts in ascending seq order.
// Returns an empty slice if no events match.
func (ix *Index) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var (
			e         protocol.Event
			seq       int64
			role, act string
			meta      string
		)
		if err := rows.Scan(&seq, &e.WallClockMs, &role, &e.Stream, &act, &e.Text, &meta, &e.CreatedAtISO); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq) //nolint:gosec // seq is always positive
		e.Role = protocol.Role(role)
		e.Act = protocol.Act(act)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for seq %d: %w", seq, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Newest-first from sqlite so LIMIT keeps the most recent; flip for display.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT seq, wall_clock_ms, role, stream, act, text, meta, created_at FROM events WHERE 1=1"

	if opts.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, string(opts.Role))
	}
	if opts.Act != "" {
		conditions = append(conditions, "act = ?")
		args = append(args, string(opts.Act))
	}
	if opts.Stream != "" {
		conditions = append(conditions, "stream = ?")
		args = append(args, opts.Stream)
	}
	if opts.AfterSeq > 0 {
		conditions = append(conditions, "seq > ?")
		args = append(args, int64(opts.AfterSeq)) //nolint:gosec // seq fits in int64
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
