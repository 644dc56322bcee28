package speaker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os/exec"
	"strings"

	"chorus/pkg/protocol"
)

// ActionPrefix marks an output line carrying a JSON action descriptor.
const ActionPrefix = "ACTION "

const maxLineBytes = 1 << 20

// stderrTail bounds how much stderr is quoted in a turn error.
const stderrTail = 512

// Exec runs a command per turn. The prompt is written to the command's stdin
// and every stdout line becomes a chunk. A line starting with an act name and
// a colon (THINK:, PROPOSE:, REPORT:, CORRECTION:) selects that act; other
// lines are REPORT. A line "ACTION {json}" becomes a PROPOSE chunk carrying
// the decoded action.
type Exec struct {
	name string
	argv []string
	dir  string
}

// NewExec returns an Exec speaker for argv.
func NewExec(name string, argv []string, dir string) *Exec {
	return &Exec{name: name, argv: argv, dir: dir}
}

// Name returns the speaker's stream name.
func (e *Exec) Name() string { return e.name }

// StreamTurn starts the command and yields chunks as lines arrive. Breaking
// out of the loop kills the command. A non-zero exit is yielded as an error
// after the lines already produced.
func (e *Exec) StreamTurn(ctx context.Context, prompt string, budget protocol.Budget) iter.Seq2[protocol.Chunk, error] {
	return func(yield func(protocol.Chunk, error) bool) {
		if len(e.argv) == 0 {
			yield(protocol.Chunk{}, fmt.Errorf("speaker %s: empty command", e.name))
			return
		}
		turnCtx := ctx
		if budget.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			turnCtx, cancelTimeout = context.WithTimeout(turnCtx, budget.Timeout)
			defer cancelTimeout()
		}
		turnCtx, cancel := context.WithCancel(turnCtx)
		defer cancel()

		//nolint:gosec // configured speaker command
		cmd := exec.CommandContext(turnCtx, e.argv[0], e.argv[1:]...)
		cmd.Dir = e.dir
		cmd.Stdin = strings.NewReader(prompt)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(protocol.Chunk{}, fmt.Errorf("speaker %s stdout: %w", e.name, err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(protocol.Chunk{}, fmt.Errorf("start speaker %s: %w", e.name, err))
			return
		}

		stopped := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			chunk, ok, perr := ParseLine(scanner.Text())
			if perr != nil {
				if !yield(protocol.Chunk{}, fmt.Errorf("speaker %s: %w", e.name, perr)) {
					stopped = true
					break
				}
				continue
			}
			if !ok {
				continue
			}
			if !yield(chunk, nil) {
				stopped = true
				break
			}
		}
		if stopped {
			cancel()
			_ = cmd.Wait()
			return
		}
		if err := cmd.Wait(); err != nil {
			if ctxErr := turnCtx.Err(); ctxErr != nil {
				yield(protocol.Chunk{}, fmt.Errorf("speaker %s: %w", e.name, ctxErr))
				return
			}
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > stderrTail {
				msg = msg[len(msg)-stderrTail:]
			}
			if msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			yield(protocol.Chunk{}, fmt.Errorf("speaker %s: %w", e.name, err))
		}
	}
}

// ParseLine converts one output line into a chunk. ok is false for blank
// lines.
func ParseLine(line string) (protocol.Chunk, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return protocol.Chunk{}, false, nil
	}
	if rest, found := strings.CutPrefix(trimmed, ActionPrefix); found {
		var a protocol.Action
		if err := json.Unmarshal([]byte(rest), &a); err != nil {
			return protocol.Chunk{}, false, fmt.Errorf("decode action: %w", err)
		}
		if a.Name == "" {
			return protocol.Chunk{}, false, fmt.Errorf("decode action: missing name")
		}
		return protocol.Chunk{Text: "action " + a.Name, Act: protocol.ActPropose, Action: &a}, true, nil
	}
	if head, body, found := strings.Cut(trimmed, ":"); found {
		if act, ok := ParseAgentAct(head); ok {
			return protocol.Chunk{Text: strings.TrimSpace(body), Act: act}, true, nil
		}
	}
	return protocol.Chunk{Text: trimmed, Act: protocol.ActReport}, true, nil
}

// ParseAgentAct accepts only the acts an agent may report.
func ParseAgentAct(s string) (protocol.Act, bool) {
	act, ok := protocol.ParseAct(s)
	if !ok {
		return "", false
	}
	switch act {
	case protocol.ActThink, protocol.ActPropose, protocol.ActReport, protocol.ActCorrection:
		return act, true
	}
	return "", false
}
