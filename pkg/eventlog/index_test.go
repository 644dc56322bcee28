package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chorus/pkg/eventlog"
	"chorus/pkg/protocol"
)

func seedLog(t *testing.T) (*eventlog.Log, string) {
	t.Helper()
	l, path := openTestLog(t)
	events := []protocol.Event{
		ev(1, protocol.RoleUser, protocol.ActInput, "start"),
		ev(2, protocol.RoleAgentA, protocol.ActThink, "hmm"),
		ev(3, protocol.RoleAgentA, protocol.ActReport, "a reports"),
		ev(4, protocol.RoleTool, protocol.ActToolOut, "ls output"),
		ev(5, protocol.RoleAgentB, protocol.ActReport, "b reports"),
	}
	events[3].Meta = map[string]string{"tool": "shell"}
	for _, e := range events {
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	return l, path
}

func openTestIndex(t *testing.T) *eventlog.Index {
	t.Helper()
	ix, err := eventlog.OpenIndex(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestIndex_SyncIsIncrementalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	l, path := seedLog(t)
	ix := openTestIndex(t)

	n, err := ix.Sync(ctx, path)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 events indexed, got %d", n)
	}

	n, err = ix.Sync(ctx, path)
	if err != nil || n != 0 {
		t.Fatalf("second sync should read nothing new: n=%d err=%v", n, err)
	}

	if err := l.Append(ev(6, protocol.RoleUser, protocol.ActInput, "more")); err != nil {
		t.Fatal(err)
	}
	n, err = ix.Sync(ctx, path)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 new event, got n=%d err=%v", n, err)
	}

	all, err := ix.Query(ctx, eventlog.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 indexed events, got %d", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Fatalf("expected ascending seq, got %d at %d", e.Seq, i)
		}
	}
}

func TestIndex_QueryFilters(t *testing.T) {
	ctx := context.Background()
	_, path := seedLog(t)
	ix := openTestIndex(t)
	if _, err := ix.Sync(ctx, path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts eventlog.QueryOpts
		want []uint64
	}{
		{"by role", eventlog.QueryOpts{Role: protocol.RoleAgentA}, []uint64{2, 3}},
		{"by act", eventlog.QueryOpts{Act: protocol.ActReport}, []uint64{3, 5}},
		{"by stream", eventlog.QueryOpts{Stream: "test"}, []uint64{1, 2, 3, 4, 5}},
		{"after seq", eventlog.QueryOpts{AfterSeq: 3}, []uint64{4, 5}},
		{"limit keeps newest", eventlog.QueryOpts{Limit: 2}, []uint64{4, 5}},
		{"no match", eventlog.QueryOpts{Role: protocol.RoleAgentB, Act: protocol.ActThink}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ix.Query(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d events", tt.want, len(got))
			}
			for i, e := range got {
				if e.Seq != tt.want[i] {
					t.Fatalf("expected seq %d at %d, got %d", tt.want[i], i, e.Seq)
				}
			}
		})
	}

	tool, err := ix.Query(ctx, eventlog.QueryOpts{Role: protocol.RoleTool})
	if err != nil {
		t.Fatal(err)
	}
	if tool[0].Meta["tool"] != "shell" {
		t.Fatalf("expected meta round trip, got %v", tool[0].Meta)
	}
}

func TestIndex_Follow(t *testing.T) {
	l, path := seedLog(t)
	ix := openTestIndex(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Follow(ctx, path, eventlog.TailOptions{PollInterval: 10 * time.Millisecond}) }()

	if err := l.Append(ev(6, protocol.RoleUser, protocol.ActInput, "late")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := ix.Query(context.Background(), eventlog.QueryOpts{AfterSeq: 5})
		if err == nil && len(got) == 1 && got[0].Text == "late" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("index did not catch up: %v %v", got, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		t.Fatalf("follow: %v", err)
	}
}
