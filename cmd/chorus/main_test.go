package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/pkg/protocol"
)

// setupHome points CHORUS_HOME at a temp dir and clears path overrides.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHORUS_HOME", home)
	for _, k := range []string{"CHORUS_LOG_PATH", "CHORUS_INPUT_PATH", "CHORUS_OUTBOX_DIR", "CHORUS_INDEX_DB"} {
		t.Setenv(k, "")
	}
	return home
}

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const scriptedConfig = `
loop:
  tick: 20ms
  turn_pause: 20ms
agents:
  - role: agentA
    script:
      - ["THINK: looking around", "REPORT: the build is green"]
  - role: agentB
    script:
      - ["REPORT: agreed, shipping"]
`

func TestRun_ScriptedAgentsThenQuery(t *testing.T) {
	home := setupHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(scriptedConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if out, err := execute(t, "run", "--duration", "500ms", "--index", "--no-sync", "--log-level", "error"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	out, err := execute(t, "tail", "--plain")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	for _, want := range []string{"agentA/THINK", "agentA/REPORT [llm-agentA] the build is green", "agentB/REPORT [llm-agentB] agreed, shipping"} {
		if !strings.Contains(out, want) {
			t.Errorf("tail output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "logs", "--role", "agentA", "--act", "report", "--json")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("logs returned nothing")
	}
	for _, line := range lines {
		var ev protocol.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if ev.Role != protocol.RoleAgentA || ev.Act != protocol.ActReport {
			t.Errorf("filter leaked %s/%s", ev.Role, ev.Act)
		}
	}
}

func TestSay_AppendsToInputChannel(t *testing.T) {
	home := setupHome(t)
	out, err := execute(t, "say", "please", "review", "--meta", "fact.goal=release")
	if err != nil {
		t.Fatalf("say: %v\n%s", err, out)
	}
	data, err := os.ReadFile(filepath.Join(home, "input.jsonl"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	var msg protocol.UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Text != "please review" || msg.Meta["fact.goal"] != "release" {
		t.Fatalf("got %+v", msg)
	}

	if _, err := execute(t, "say", "   "); err == nil {
		t.Fatal("expected error for an empty message")
	}
}

func TestOutboxList_Empty(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "outbox", "list")
	if err != nil {
		t.Fatalf("outbox list: %v", err)
	}
	if !strings.Contains(out, "no pending actions") {
		t.Fatalf("got %q", out)
	}
}

func TestOutboxDrop_RejectsNonUUID(t *testing.T) {
	home := setupHome(t)
	victim := filepath.Join(home, "victim.json")
	if err := os.WriteFile(victim, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "outbox", "drop", "../victim"); err == nil {
		t.Fatal("expected error for a non-UUID id")
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("file outside the outbox was removed: %v", err)
	}
}

func TestTail_MissingLogIsEmpty(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "tail")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if out != "" {
		t.Fatalf("expected no output, got %q", out)
	}
}

func TestRootRejectsBadFlags(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, "run", "--log-level", "loud"); err == nil {
		t.Fatal("expected error for an unknown log level")
	}
	if _, err := execute(t, "logs", "--act", "SHOUT"); err == nil {
		t.Fatal("expected error for an unknown act")
	}
	if _, err := execute(t, "tail", "--config", "/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "chorus ") {
		t.Fatalf("got %q", out)
	}
}

func TestScriptTurns(t *testing.T) {
	turns, err := scriptTurns([][]string{{"THINK: a", "", "b"}})
	if err != nil {
		t.Fatalf("scriptTurns: %v", err)
	}
	if len(turns) != 1 || len(turns[0]) != 2 || turns[0][1].Act != protocol.ActReport {
		t.Fatalf("got %+v", turns)
	}
	if _, err := scriptTurns([][]string{{"ACTION nope"}}); err == nil {
		t.Fatal("expected error for a malformed action line")
	}
	if _, err := scriptTurns(nil); err == nil {
		t.Fatal("expected error for an empty script")
	}
}
