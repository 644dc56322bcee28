// Package speaker provides Speaker implementations: a scripted mock and a
// bridge to an external command that produces a turn on stdout.
package speaker

import (
	"context"
	"iter"

	"chorus/pkg/protocol"
)

// Scripted replays fixed turns, one per StreamTurn call, cycling when the
// script is exhausted. It is safe for use by one turn at a time.
type Scripted struct {
	name  string
	turns [][]protocol.Chunk
	next  int
}

// NewScripted returns a Scripted speaker. An empty script yields empty turns.
func NewScripted(name string, turns ...[]protocol.Chunk) *Scripted {
	return &Scripted{name: name, turns: turns}
}

// Lines builds a one-chunk-per-line turn with the given act.
func Lines(act protocol.Act, lines ...string) []protocol.Chunk {
	out := make([]protocol.Chunk, 0, len(lines))
	for _, l := range lines {
		out = append(out, protocol.Chunk{Text: l, Act: act})
	}
	return out
}

// Name returns the speaker's stream name.
func (s *Scripted) Name() string { return s.name }

// StreamTurn yields the next scripted turn.
func (s *Scripted) StreamTurn(ctx context.Context, _ string, _ protocol.Budget) iter.Seq2[protocol.Chunk, error] {
	var turn []protocol.Chunk
	if len(s.turns) > 0 {
		turn = s.turns[s.next%len(s.turns)]
		s.next++
	}
	return func(yield func(protocol.Chunk, error) bool) {
		for _, c := range turn {
			if err := ctx.Err(); err != nil {
				yield(protocol.Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}
