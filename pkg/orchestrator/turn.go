package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chorus/pkg/protocol"
)

var errNoOutbox = errors.New("no outbox configured")

// TurnResult summarizes one agent turn.
type TurnResult struct {
	Events  int  // events ingested from the speaker's chunks
	Tokens  int  // whitespace-separated words counted against the budget
	Clipped bool // stopped early because the token budget ran out
	Failed  bool // the speaker reported an error
}

// TakeTurn asks role's speaker for one turn and ingests each chunk in
// emission order. Actions carried by chunks are executed through the outbox
// after their chunk is ingested. Speaker and action failures are contained
// as system events; the returned error is reserved for an unknown speaker
// or a log that can no longer be written.
func (o *Orchestrator) TakeTurn(ctx context.Context, role protocol.Role) (TurnResult, error) {
	var res TurnResult
	sp, ok := o.speakers[role]
	if !ok {
		return res, fmt.Errorf("take turn: no speaker for %s", role)
	}

	budget := o.cfg.Budget
	prompt := o.buf.Prompt(role, o.cfg.RecentEvents)
	turnCtx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()

	var said []string
	for chunk, err := range sp.StreamTurn(turnCtx, prompt, budget) {
		if err != nil {
			res.Failed = true
			if ctx.Err() == nil {
				o.reportError(fmt.Sprintf("turn-error[%s]", role), err, map[string]string{"speaker": sp.Name()})
			}
			break
		}
		act := chunk.Act
		if act == "" {
			act = protocol.ActReport
		}
		ev, ierr := o.Ingest(role, chunk.Text, act, sp.Name(), chunk.Meta)
		if ierr != nil {
			return res, ierr
		}
		res.Events++
		if act != protocol.ActThink {
			said = append(said, chunk.Text)
		}
		if chunk.Action != nil {
			o.runAction(ctx, ev, *chunk.Action)
		}

		res.Tokens += len(strings.Fields(chunk.Text))
		if res.Tokens >= budget.MaxTokens {
			res.Clipped = true
			break
		}
	}

	o.turnMu.Lock()
	o.lastTurn[role] = turnMark{text: strings.Join(said, "\n"), seq: o.log.LastSeq()}
	o.turnMu.Unlock()
	return res, nil
}

// runAction executes a through the outbox. A failed attempt stays pending
// for the outbox worker and is also reported on the timeline.
func (o *Orchestrator) runAction(ctx context.Context, origin protocol.Event, a protocol.Action) {
	kind := fmt.Sprintf("action-error[%s]", a.Name)
	meta := map[string]string{"origin_seq": fmt.Sprint(origin.Seq)}
	if o.outbox == nil {
		o.reportError(kind, errNoOutbox, meta)
		return
	}
	rec, err := o.outbox.Execute(ctx, a)
	if rec.ID != "" {
		meta["outbox_id"] = rec.ID
	}
	if err != nil {
		o.reportError(kind, err, meta)
	}
}

// delta scores what others said since role's last turn against what role
// said in it.
func (o *Orchestrator) delta(role protocol.Role) float64 {
	o.turnMu.Lock()
	mark := o.lastTurn[role]
	o.turnMu.Unlock()

	var parts []string
	for _, ev := range o.buf.Since(mark.seq) {
		if ev.Role == role || ev.Act == protocol.ActThink {
			continue
		}
		parts = append(parts, ev.Text)
	}
	return o.cfg.Delta(mark.text, strings.Join(parts, "\n"))
}
