package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"
	"chorus/pkg/redact"

	"golang.org/x/sync/errgroup"
)

// Run replays surviving outbox records, starts the tools, and then runs the
// outbox worker, one drain per tool, the user-input follower, maintenance
// and the turn loop until ctx is cancelled or Config.Duration elapses.
// Tools are stopped (grace, then kill) before Run returns. Only a failure
// to read the outbox at startup is returned; everything later is contained.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Duration)
		defer cancel()
	}

	if o.outbox != nil {
		if err := o.outbox.Replay(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("replay outbox: %w", err)
		}
	}

	var started []Tool
	for _, t := range o.tools {
		if err := t.Start(ctx); err != nil {
			o.reportError(fmt.Sprintf("tool-error[%s]", t.Name()), err, nil)
			continue
		}
		started = append(started, t)
	}
	defer o.stopTools(started)

	o.logger.Info("orchestrator running",
		"speakers", len(o.speakers), "tools", len(started), "last_seq", o.log.LastSeq())

	g, gctx := errgroup.WithContext(ctx)
	if o.outbox != nil {
		g.Go(func() error { return o.outbox.Run(gctx) })
	}
	for _, t := range started {
		g.Go(func() error { return o.drainTool(gctx, t) })
	}
	if o.cfg.InputPath != "" {
		g.Go(func() error { return o.followInput(gctx) })
	}
	g.Go(func() error { return o.maintain(gctx) })
	g.Go(func() error { return o.turnLoop(gctx) })

	err := g.Wait()
	o.logger.Info("orchestrator stopped", "last_seq", o.log.LastSeq())
	return err
}

// turnLoop evaluates the floor once per tick and lets the chosen agent
// speak if its trigger agrees.
func (o *Orchestrator) turnLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		spoke, err := o.Step(ctx)
		if err != nil {
			o.logger.Error("turn failed", "err", err)
		}
		if !spoke {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.cfg.TurnPause):
		}
	}
}

// Step runs one turn-loop evaluation: ask the floor who is next, skip if
// that is the user or a role without a speaker, consult its trigger
// (decaying on refusal) and otherwise take the turn. It reports whether an
// agent spoke.
func (o *Orchestrator) Step(ctx context.Context) (bool, error) {
	now := o.clock.Now()
	role := o.floor.NextSpeaker(now)
	if role == protocol.RoleUser {
		return false, nil
	}
	if _, ok := o.speakers[role]; !ok {
		return false, nil
	}
	trig := o.triggers[role]
	if !trig.ShouldEmit(now, o.delta(role)) {
		trig.Decay()
		return false, nil
	}
	_, err := o.TakeTurn(ctx, role)
	trig.MarkEmitted(o.clock.Now())
	return true, err
}

// drainTool ingests every line of t's output until ctx ends or the tool
// exits. Lines are redacted before they are recorded.
func (o *Orchestrator) drainTool(ctx context.Context, t Tool) error {
	out := t.Output()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-out:
			if !ok {
				o.logger.Info("tool output closed", "tool", t.Name())
				return nil
			}
			act := protocol.ActToolOut
			if line.IsError {
				act = protocol.ActToolErr
			}
			if _, err := o.Ingest(protocol.RoleTool, redact.Line(line.Text), act, t.Name(), nil); err != nil {
				o.logger.Error("ingest tool line failed", "tool", t.Name(), "err", err)
			}
		}
	}
}

// followInput tails the user-input channel from its current end.
func (o *Orchestrator) followInput(ctx context.Context) error {
	opts := jsonl.FollowOptions[protocol.UserMessage]{
		PollInterval: o.cfg.InputPollInterval,
		Valid:        func(m protocol.UserMessage) bool { return strings.TrimSpace(m.Text) != "" },
		Logger:       o.logger,
	}
	for rec := range jsonl.Follow(ctx, o.cfg.InputPath, jsonl.OffsetEnd, opts) {
		if _, err := o.Say(rec.Value.Text, rec.Value.Meta); err != nil {
			o.logger.Error("ingest user input failed", "offset", rec.Offset, "err", err)
		}
	}
	return nil
}

// maintain recompacts the summary whenever the buffer has grown past the
// threshold.
func (o *Orchestrator) maintain(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Maintain()
		}
	}
}

// Maintain recompacts the summary if the buffer exceeds the threshold and
// reports whether it did.
func (o *Orchestrator) Maintain() bool {
	if o.buf.Len() <= o.cfg.CompactThreshold {
		return false
	}
	bullets := o.buf.Recompact(o.cfg.SummaryLimit)
	o.logger.Debug("summary recompacted", "bullets", len(bullets))
	return true
}

// stopTools asks every started tool to stop, bounded by the grace period.
func (o *Orchestrator) stopTools(tools []Tool) {
	for _, t := range tools {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ToolStopGrace)
		if err := t.Stop(ctx); err != nil {
			o.logger.Warn("tool stop failed", "tool", t.Name(), "err", err)
		}
		cancel()
	}
}
