// Package orchestrator drives a shared conversation between a user, two
// agents and any number of tools. Every contribution flows through Ingest,
// which sequences it into the event log and the rolling buffer; the turn
// loop consults the Floor and per-agent Trigger policies to decide who
// speaks next, and actions proposed during a turn go through the outbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"chorus/pkg/buffer"
	"chorus/pkg/eventlog"
	"chorus/pkg/outbox"
	"chorus/pkg/policy"
	"chorus/pkg/protocol"
	"chorus/pkg/watermark"
)

// --- Collaborators ---

// Speaker produces one bounded, streamed turn for a prompt.
type Speaker interface {
	Name() string
	StreamTurn(ctx context.Context, prompt string, budget protocol.Budget) iter.Seq2[protocol.Chunk, error]
}

// Tool is an interactive process whose output lines join the timeline.
type Tool interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(command string) error
	Output() <-chan protocol.ToolLine
}

// DeltaFunc scores how much changed between a speaker's last turn and what
// others said since, in [0,1].
type DeltaFunc func(previous, recent string) float64

// ActionToolSend is the built-in action that writes a command to a tool.
// Args: "tool" (tool name) and "command".
const ActionToolSend = "tool.send"

// --- Config ---

// Config holds the orchestrator's tuning knobs. Zero values take defaults.
// A negative TurnPause or UserCooldown means an explicit zero.
type Config struct {
	Tick                time.Duration   // turn loop cadence (default 250ms)
	TurnPause           time.Duration   // sleep after each agent turn (default 500ms)
	MaintenanceInterval time.Duration   // summary recompaction check (default 5s)
	CompactThreshold    int             // recompact once the buffer holds more than this (default 200)
	SummaryLimit        int             // bullets kept in the summary (default 50)
	BufferSize          int             // rolling buffer capacity (default 1500)
	RecentEvents        int             // events rendered into each prompt (default 40)
	Budget              protocol.Budget // per-turn limits (default 256 tokens, 60s)
	UserCooldown        time.Duration   // user pre-emption window (default 1.5s)
	Trigger             policy.TriggerConfig
	Duration            time.Duration // stop Run after this long; 0 runs until cancelled
	ToolStopGrace       time.Duration // SIGTERM to SIGKILL grace on shutdown (default 3s)
	InputPath           string        // user-input channel file; empty disables it
	InputPollInterval   time.Duration // user-input poll safety net (default 200ms)
	Delta               DeltaFunc     // default policy.Novelty
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Tick == 0 {
		out.Tick = 250 * time.Millisecond
	}
	switch {
	case out.TurnPause == 0:
		out.TurnPause = 500 * time.Millisecond
	case out.TurnPause < 0:
		out.TurnPause = 0
	}
	if out.MaintenanceInterval == 0 {
		out.MaintenanceInterval = 5 * time.Second
	}
	if out.CompactThreshold == 0 {
		out.CompactThreshold = 200
	}
	if out.SummaryLimit == 0 {
		out.SummaryLimit = 50
	}
	if out.BufferSize == 0 {
		out.BufferSize = 1500
	}
	if out.RecentEvents == 0 {
		out.RecentEvents = 40
	}
	if out.Budget.MaxTokens == 0 {
		out.Budget.MaxTokens = 256
	}
	if out.Budget.Timeout == 0 {
		out.Budget.Timeout = 60 * time.Second
	}
	if out.UserCooldown == 0 {
		out.UserCooldown = 1500 * time.Millisecond
	}
	if out.ToolStopGrace == 0 {
		out.ToolStopGrace = 3 * time.Second
	}
	if out.Delta == nil {
		out.Delta = policy.Novelty
	}
	return out
}

// --- Orchestrator ---

// turnMark remembers what an agent last said and where the log stood.
type turnMark struct {
	text string
	seq  uint64
}

// Orchestrator owns the policies, buffer and clock of one conversation.
type Orchestrator struct {
	cfg      Config
	log      *eventlog.Log
	outbox   *outbox.Outbox
	speakers map[protocol.Role]Speaker
	tools    []Tool
	logger   *slog.Logger

	clock    *watermark.Watermark
	buf      *buffer.Rolling
	floor    *policy.Floor
	triggers map[protocol.Role]*policy.Trigger

	ingestMu sync.Mutex // serializes seq assignment and log append

	turnMu   sync.Mutex
	lastTurn map[protocol.Role]turnMark
}

// New wires an orchestrator around an open log. ob may be nil, in which
// case proposed actions are reported as errors. Speakers must be keyed by
// agent roles. When ob is set the tool.send handler is registered on its
// registry.
func New(cfg Config, log *eventlog.Log, ob *outbox.Outbox, speakers map[protocol.Role]Speaker, tools []Tool, logger *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		return nil, errors.New("orchestrator: nil event log")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	resolved := cfg.withDefaults()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if seen[t.Name()] {
			return nil, fmt.Errorf("orchestrator: duplicate tool %q", t.Name())
		}
		seen[t.Name()] = true
	}

	o := &Orchestrator{
		cfg:      resolved,
		log:      log,
		outbox:   ob,
		speakers: make(map[protocol.Role]Speaker, len(speakers)),
		tools:    tools,
		logger:   logger,
		clock:    watermark.New(),
		buf:      buffer.NewRolling(resolved.BufferSize),
		floor:    policy.NewFloor(resolved.UserCooldown),
		triggers: make(map[protocol.Role]*policy.Trigger, 2),
		lastTurn: make(map[protocol.Role]turnMark, 2),
	}
	for role, sp := range speakers {
		if !role.IsAgent() {
			return nil, fmt.Errorf("orchestrator: speaker %s: %w", sp.Name(), &protocol.UnknownRoleError{Role: string(role)})
		}
		o.speakers[role] = sp
	}
	for _, role := range []protocol.Role{protocol.RoleAgentA, protocol.RoleAgentB} {
		o.triggers[role] = policy.NewTrigger(resolved.Trigger)
	}
	if err := o.restore(); err != nil {
		return nil, err
	}
	if ob != nil {
		ob.Registry().Register(ActionToolSend, o.sendToTool)
	}
	return o, nil
}

// restore replays the log so a restarted conversation keeps its context:
// the newest BufferSize events refill the buffer, every fact ever recorded
// is re-applied in order, and each agent's last turn is remembered for the
// delta test.
func (o *Orchestrator) restore() error {
	events, err := eventlog.ReadAll(o.log.Path())
	if err != nil {
		return fmt.Errorf("orchestrator: restore: %w", err)
	}
	var prev protocol.Role
	for _, ev := range events {
		o.applyFacts(ev)
		if ev.Role.IsAgent() && ev.Act != protocol.ActThink {
			mark, ok := o.lastTurn[ev.Role]
			if ok && prev == ev.Role {
				mark = turnMark{text: mark.text + "\n" + ev.Text, seq: ev.Seq}
			} else {
				mark = turnMark{text: ev.Text, seq: ev.Seq}
			}
			o.lastTurn[ev.Role] = mark
		}
		prev = ev.Role
	}
	for _, ev := range events[max(0, len(events)-o.cfg.BufferSize):] {
		o.buf.Push(ev)
	}
	o.Maintain()
	if len(events) > 0 {
		o.logger.Info("restored from log", "events", len(events), "buffered", o.buf.Len())
	}
	return nil
}

// SetClock replaces the watermark source. Call before any ingest.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.clock = watermark.NewWithClock(now)
}

// Buffer exposes the rolling buffer (read-mostly; prompts and summaries).
func (o *Orchestrator) Buffer() *buffer.Rolling { return o.buf }

// Floor exposes the shared floor policy.
func (o *Orchestrator) Floor() *policy.Floor { return o.floor }

// Trigger returns the trigger policy of an agent role, or nil.
func (o *Orchestrator) Trigger(role protocol.Role) *policy.Trigger { return o.triggers[role] }

// Now reads the watermark.
func (o *Orchestrator) Now() int64 { return o.clock.Now() }

// --- Ingest ---

// Ingest is the single path by which anything enters the timeline. It
// assigns the next seq, stamps the watermark, appends durably, then updates
// the rolling buffer, the fact map and (for non-THINK agent events) that
// agent's trigger activity. If the append fails nothing else changes and
// the seq is not consumed.
func (o *Orchestrator) Ingest(role protocol.Role, text string, act protocol.Act, stream string, meta map[string]string) (protocol.Event, error) {
	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()

	now := o.clock.Now()
	ev := protocol.Event{
		Seq:          o.log.LastSeq() + 1,
		WallClockMs:  now,
		Role:         role,
		Stream:       stream,
		Act:          act,
		Text:         text,
		CreatedAtISO: watermark.ISO(now),
	}
	if len(meta) > 0 {
		ev.Meta = maps.Clone(meta)
	}
	if err := o.log.Append(ev); err != nil {
		return protocol.Event{}, fmt.Errorf("ingest: %w", err)
	}

	o.buf.Push(ev)
	o.applyFacts(ev)
	if role.IsAgent() && act != protocol.ActThink {
		if t := o.triggers[role]; t != nil {
			t.Activity(now)
		}
	}
	return ev, nil
}

// applyFacts copies fact.<name> meta keys into the fact map.
func (o *Orchestrator) applyFacts(ev protocol.Event) {
	for k, v := range ev.Meta {
		if name, ok := strings.CutPrefix(k, protocol.FactMetaPrefix); ok && name != "" {
			o.buf.SetFact(name, v)
		}
	}
}

// Say delivers a user message: it grants the user the floor, ingests an
// INPUT event and nudges both agents toward re-evaluation.
func (o *Orchestrator) Say(text string, meta map[string]string) (protocol.Event, error) {
	o.floor.MarkUserActive(o.clock.Now())
	ev, err := o.Ingest(protocol.RoleUser, text, protocol.ActInput, protocol.StreamUser, meta)
	if err != nil {
		return ev, err
	}
	for _, t := range o.triggers {
		t.Nudge()
	}
	return ev, nil
}

// reportError surfaces a contained failure as a system event in the log.
func (o *Orchestrator) reportError(kind string, err error, meta map[string]string) {
	o.logger.Warn("contained error", "kind", kind, "err", err)
	m := map[string]string{"error": kind}
	maps.Copy(m, meta)
	if _, ierr := o.Ingest(protocol.RoleUser, kind+": "+err.Error(), protocol.ActInput, protocol.StreamSystem, m); ierr != nil {
		o.logger.Error("record error event failed", "kind", kind, "err", ierr)
	}
}

// --- Tools ---

func (o *Orchestrator) tool(name string) Tool {
	for _, t := range o.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// sendToTool is the tool.send action handler.
func (o *Orchestrator) sendToTool(_ context.Context, args map[string]string) error {
	name := args["tool"]
	t := o.tool(name)
	if t == nil {
		return fmt.Errorf("tool.send: no tool %q", name)
	}
	if err := t.Send(args["command"]); err != nil {
		return fmt.Errorf("tool.send %s: %w", name, err)
	}
	return nil
}
