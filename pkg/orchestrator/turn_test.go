package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chorus/pkg/orchestrator"
	"chorus/pkg/outbox"
	"chorus/pkg/protocol"
	"chorus/pkg/speaker"
)

// fakeTool records commands and replays scripted output lines.
type fakeTool struct {
	name string
	out  chan protocol.ToolLine

	mu       sync.Mutex
	sent     []string
	stopped  bool
	startErr error
}

func newFakeTool(name string, lines ...protocol.ToolLine) *fakeTool {
	out := make(chan protocol.ToolLine, len(lines))
	for _, l := range lines {
		out <- l
	}
	return &fakeTool{name: name, out: out}
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Start(context.Context) error {
	return f.startErr
}

func (f *fakeTool) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeTool) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTool) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTool) Output() <-chan protocol.ToolLine { return f.out }

func (f *fakeTool) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func openOutbox(t *testing.T, reg *outbox.Registry) *outbox.Outbox {
	t.Helper()
	ob, err := outbox.Open(outbox.Config{Dir: filepath.Join(t.TempDir(), "outbox")}, reg, nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return ob
}

func systemEvents(evs []protocol.Event) []protocol.Event {
	var out []protocol.Event
	for _, ev := range evs {
		if ev.Stream == protocol.StreamSystem {
			out = append(out, ev)
		}
	}
	return out
}

func TestTakeTurn_StopsAtTokenBudget(t *testing.T) {
	l := openLog(t)
	o := newOrch(t, orchestrator.Config{Budget: protocol.Budget{MaxTokens: 3}}, l, nil, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentA: speaker.NewScripted("llm-agentA", speaker.Lines(protocol.ActReport, "one two", "three four", "five")),
	})

	res, err := o.TakeTurn(context.Background(), protocol.RoleAgentA)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Clipped || res.Events != 2 {
		t.Fatalf("got %+v, want 2 events and clipped", res)
	}
	if n := len(readLog(t, l)); n != 2 {
		t.Fatalf("log has %d events, want 2", n)
	}
}

func TestTakeTurn_DefaultsMissingActToReport(t *testing.T) {
	l := openLog(t)
	o := newOrch(t, orchestrator.Config{}, l, nil, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentB: speaker.NewScripted("llm-agentB", []protocol.Chunk{{Text: "bare"}}),
	})
	if _, err := o.TakeTurn(context.Background(), protocol.RoleAgentB); err != nil {
		t.Fatalf("turn: %v", err)
	}
	evs := readLog(t, l)
	if len(evs) != 1 || evs[0].Act != protocol.ActReport || evs[0].Stream != "llm-agentB" {
		t.Fatalf("got %+v", evs)
	}
}

func TestTakeTurn_SpeakerErrorBecomesSystemEvent(t *testing.T) {
	l := openLog(t)
	o := newOrch(t, orchestrator.Config{}, l, nil, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentA: &erringSpeaker{
			chunks: speaker.Lines(protocol.ActReport, "partial"),
			err:    errors.New("model unavailable"),
		},
	})

	res, err := o.TakeTurn(context.Background(), protocol.RoleAgentA)
	if err != nil {
		t.Fatalf("turn errors must be contained, got %v", err)
	}
	if !res.Failed || res.Events != 1 {
		t.Fatalf("got %+v", res)
	}

	sys := systemEvents(readLog(t, l))
	if len(sys) != 1 {
		t.Fatalf("got %d system events, want 1", len(sys))
	}
	ev := sys[0]
	if ev.Act != protocol.ActInput || ev.Meta["error"] != "turn-error[agentA]" {
		t.Fatalf("unexpected system event %+v", ev)
	}
	if !strings.Contains(ev.Text, "model unavailable") {
		t.Fatalf("system event text %q lacks the cause", ev.Text)
	}
}

func TestTakeTurn_UnknownSpeaker(t *testing.T) {
	o := newOrch(t, orchestrator.Config{}, openLog(t), nil, nil)
	if _, err := o.TakeTurn(context.Background(), protocol.RoleAgentA); err == nil {
		t.Fatal("expected error for a role without a speaker")
	}
}

func TestTakeTurn_ActionRoutedThroughOutbox(t *testing.T) {
	l := openLog(t)
	ob := openOutbox(t, outbox.NewRegistry())
	shell := newFakeTool("shell")
	o := newOrch(t, orchestrator.Config{}, l, ob, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentA: speaker.NewScripted("llm-agentA", []protocol.Chunk{{
			Text:   "listing files",
			Act:    protocol.ActPropose,
			Action: &protocol.Action{Name: orchestrator.ActionToolSend, Args: map[string]string{"tool": "shell", "command": "ls -la"}},
		}}),
	}, shell)

	if _, err := o.TakeTurn(context.Background(), protocol.RoleAgentA); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if got := shell.Sent(); len(got) != 1 || got[0] != "ls -la" {
		t.Fatalf("tool received %v, want [ls -la]", got)
	}
	pending, err := ob.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("successful action left %d pending records", len(pending))
	}
	if sys := systemEvents(readLog(t, l)); len(sys) != 0 {
		t.Fatalf("unexpected system events %+v", sys)
	}
}

func TestTakeTurn_FailedActionStaysPending(t *testing.T) {
	l := openLog(t)
	ob := openOutbox(t, outbox.NewRegistry())
	o := newOrch(t, orchestrator.Config{}, l, ob, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentA: speaker.NewScripted("llm-agentA", []protocol.Chunk{{
			Text:   "send to a missing tool",
			Act:    protocol.ActPropose,
			Action: &protocol.Action{Name: orchestrator.ActionToolSend, Args: map[string]string{"tool": "nope", "command": "x"}},
		}}),
	})

	if _, err := o.TakeTurn(context.Background(), protocol.RoleAgentA); err != nil {
		t.Fatalf("turn: %v", err)
	}
	pending, err := ob.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("got pending %+v, want one record with one attempt", pending)
	}

	sys := systemEvents(readLog(t, l))
	if len(sys) != 1 {
		t.Fatalf("got %d system events, want 1", len(sys))
	}
	if sys[0].Meta["outbox_id"] != pending[0].ID || sys[0].Meta["origin_seq"] != "1" {
		t.Fatalf("system event meta %v does not link the record", sys[0].Meta)
	}
}

func TestTakeTurn_ActionWithoutOutbox(t *testing.T) {
	l := openLog(t)
	o := newOrch(t, orchestrator.Config{}, l, nil, map[protocol.Role]orchestrator.Speaker{
		protocol.RoleAgentA: speaker.NewScripted("llm-agentA", []protocol.Chunk{{
			Text: "do it", Act: protocol.ActPropose, Action: &protocol.Action{Name: "anything"},
		}}),
	})
	if _, err := o.TakeTurn(context.Background(), protocol.RoleAgentA); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if sys := systemEvents(readLog(t, l)); len(sys) != 1 {
		t.Fatalf("got %d system events, want 1", len(sys))
	}
}
