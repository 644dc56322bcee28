package buffer_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"chorus/pkg/buffer"
	"chorus/pkg/protocol"
)

func mkEvent(seq uint64, role protocol.Role, act protocol.Act, text string) protocol.Event {
	return protocol.Event{Seq: seq, Role: role, Act: act, Text: text, Stream: "test"}
}

func seqs(events []protocol.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func TestRolling_EvictsOldest(t *testing.T) {
	b := buffer.NewRolling(3)
	for i := uint64(1); i <= 5; i++ {
		b.Push(mkEvent(i, protocol.RoleUser, protocol.ActInput, "x"))
	}
	if b.Len() != 3 {
		t.Fatalf("expected len 3, got %d", b.Len())
	}
	if got := fmt.Sprint(seqs(b.Snapshot())); got != "[3 4 5]" {
		t.Fatalf("expected [3 4 5], got %s", got)
	}
	if got := fmt.Sprint(seqs(b.Recent(2))); got != "[4 5]" {
		t.Fatalf("expected [4 5], got %s", got)
	}
	if got := fmt.Sprint(seqs(b.Since(3))); got != "[4 5]" {
		t.Fatalf("expected [4 5] since 3, got %s", got)
	}
	if got := b.Since(5); got != nil {
		t.Fatalf("expected nothing since 5, got %v", seqs(got))
	}
	if b.Pushed() != 5 {
		t.Fatalf("expected 5 pushed, got %d", b.Pushed())
	}
}

func TestRolling_RecentMoreThanHeld(t *testing.T) {
	b := buffer.NewRolling(10)
	b.Push(mkEvent(1, protocol.RoleUser, protocol.ActInput, "x"))
	if got := b.Recent(5); len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got := buffer.NewRolling(2).Snapshot(); got != nil {
		t.Fatalf("expected nil snapshot for empty buffer, got %v", got)
	}
}

func TestRolling_ConcurrentPush(t *testing.T) {
	b := buffer.NewRolling(100)
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Push(mkEvent(uint64(w*50+i+1), protocol.RoleTool, protocol.ActToolOut, "x"))
			}
		}()
	}
	wg.Wait()
	if b.Len() != 100 || b.Pushed() != 200 {
		t.Fatalf("expected len 100 pushed 200, got %d %d", b.Len(), b.Pushed())
	}
}

func TestFacts(t *testing.T) {
	b := buffer.NewRolling(4)
	b.SetFact("goal", "ship it")
	b.SetFact("owner", "ops")
	b.SetFact("owner", "")

	facts := b.Facts()
	if len(facts) != 1 || facts["goal"] != "ship it" {
		t.Fatalf("unexpected facts %v", facts)
	}
	facts["goal"] = "mutated"
	if b.Facts()["goal"] != "ship it" {
		t.Fatal("Facts must return a copy")
	}
}

func TestCompact_SkipsThinkAndKeepsNewest(t *testing.T) {
	events := []protocol.Event{
		mkEvent(1, protocol.RoleUser, protocol.ActInput, "start"),
		mkEvent(2, protocol.RoleAgentA, protocol.ActThink, "private"),
		mkEvent(3, protocol.RoleAgentA, protocol.ActReport, "first\nreport"),
		mkEvent(4, protocol.RoleAgentB, protocol.ActThink, "private too"),
		mkEvent(5, protocol.RoleAgentB, protocol.ActReport, "second report"),
	}

	all := buffer.Compact(events, 10)
	if len(all) != 3 {
		t.Fatalf("expected 3 bullets, got %v", all)
	}
	for _, bullet := range all {
		if strings.Contains(bullet, "THINK") {
			t.Fatalf("THINK leaked into summary: %q", bullet)
		}
	}
	if all[1] != "[3] agentA/REPORT: first report" {
		t.Fatalf("unexpected bullet %q", all[1])
	}

	newest := buffer.Compact(events, 2)
	if len(newest) != 2 || !strings.HasPrefix(newest[0], "[3]") || !strings.HasPrefix(newest[1], "[5]") {
		t.Fatalf("expected bullets for 3 and 5, got %v", newest)
	}

	if got := buffer.Compact(events, 0); got != nil {
		t.Fatalf("expected nil for zero limit, got %v", got)
	}
}

func TestBullet_Truncates(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := buffer.Bullet(mkEvent(9, protocol.RoleTool, protocol.ActToolOut, long))
	if n := len([]rune(got)); n > 200 {
		t.Fatalf("bullet too long: %d runes", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis, got %q", got[len(got)-10:])
	}
}

func TestRecompact_ReplacesSummary(t *testing.T) {
	b := buffer.NewRolling(10)
	if b.Summary() != nil {
		t.Fatal("expected empty summary")
	}
	b.Push(mkEvent(1, protocol.RoleUser, protocol.ActInput, "hello"))
	b.Push(mkEvent(2, protocol.RoleAgentA, protocol.ActThink, "hidden"))
	got := b.Recompact(5)
	if len(got) != 1 || len(b.Summary()) != 1 {
		t.Fatalf("expected one bullet, got %v", b.Summary())
	}
}

func TestPrompt(t *testing.T) {
	b := buffer.NewRolling(10)
	b.SetFact("goal", "fix the build")
	b.Push(mkEvent(1, protocol.RoleUser, protocol.ActInput, "please fix"))
	b.Push(mkEvent(2, protocol.RoleAgentB, protocol.ActThink, "b secret"))
	b.Push(mkEvent(3, protocol.RoleAgentA, protocol.ActThink, "a own thought"))
	b.Recompact(10)

	p := b.Prompt(protocol.RoleAgentA, 10)
	for _, want := range []string{"## Role", "agentA", "## Facts", "- goal: fix the build", "## Summary", "please fix", "a own thought"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "b secret") {
		t.Fatalf("prompt leaked another agent's THINK:\n%s", p)
	}

	empty := buffer.NewRolling(2).Prompt(protocol.RoleAgentB, 5)
	if !strings.Contains(empty, "Nothing yet.") || strings.Contains(empty, "## Facts") {
		t.Fatalf("unexpected empty prompt:\n%s", empty)
	}
}
