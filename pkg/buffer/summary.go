package buffer

import (
	"fmt"
	"sort"
	"strings"

	"chorus/pkg/protocol"
)

// maxBulletRunes bounds the text carried by one summary bullet.
const maxBulletRunes = 160

// Bullet renders one event as a summary bullet.
func Bullet(ev protocol.Event) string {
	return fmt.Sprintf("[%d] %s/%s: %s", ev.Seq, ev.Role, ev.Act, clip(ev.Text, maxBulletRunes))
}

// Compact turns events into at most limit bullets, one per non-THINK event,
// keeping the newest. Order is preserved.
func Compact(events []protocol.Event, limit int) []string {
	if limit <= 0 {
		return nil
	}
	bullets := make([]string, 0, min(limit, len(events)))
	for i := len(events) - 1; i >= 0 && len(bullets) < limit; i-- {
		if events[i].Act == protocol.ActThink {
			continue
		}
		bullets = append(bullets, Bullet(events[i]))
	}
	for i, j := 0, len(bullets)-1; i < j; i, j = i+1, j-1 {
		bullets[i], bullets[j] = bullets[j], bullets[i]
	}
	return bullets
}

// clip collapses whitespace and truncates s to n runes.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// PromptParams contains the inputs for a speaker prompt.
type PromptParams struct {
	Speaker protocol.Role
	Facts   map[string]string
	Summary []string
	Recent  []protocol.Event
}

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// AssemblePrompt builds the prompt handed to a speaker for one turn.
func AssemblePrompt(p PromptParams) string {
	var b strings.Builder

	section(&b, "Role", fmt.Sprintf("You are %s, one of two agents sharing a timeline with a human user and tools. "+
		"Prefix lines with THINK:, PROPOSE:, REPORT: or CORRECTION:.", p.Speaker))

	if len(p.Facts) > 0 {
		keys := make([]string, 0, len(p.Facts))
		for k := range p.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, len(keys))
		for i, k := range keys {
			lines[i] = fmt.Sprintf("- %s: %s", k, p.Facts[k])
		}
		section(&b, "Facts", strings.Join(lines, "\n"))
	}

	if len(p.Summary) > 0 {
		section(&b, "Summary", "- "+strings.Join(p.Summary, "\n- "))
	}

	// Other speakers' THINK events stay private.
	lines := make([]string, 0, len(p.Recent))
	for _, ev := range p.Recent {
		if ev.Act == protocol.ActThink && ev.Role != p.Speaker {
			continue
		}
		lines = append(lines, Bullet(ev))
	}
	recent := "Nothing yet."
	if len(lines) > 0 {
		recent = strings.Join(lines, "\n")
	}
	section(&b, "Recent", recent)

	return b.String()
}

// Prompt assembles a prompt for speaker from the buffer's current state.
func (b *Rolling) Prompt(speaker protocol.Role, recent int) string {
	return AssemblePrompt(PromptParams{
		Speaker: speaker,
		Facts:   b.Facts(),
		Summary: b.Summary(),
		Recent:  b.Recent(recent),
	})
}
