package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"chorus/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// eventRenderer formats events one per line, coloured when styled.
type eventRenderer struct {
	theme  Theme
	styled bool
	loc    *time.Location
}

func newEventRenderer(styled bool) eventRenderer {
	return eventRenderer{theme: DefaultTheme(), styled: styled, loc: time.Local}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render formats ev as "#seq hh:mm:ss.mmm role/ACT [stream] text".
func (r eventRenderer) Render(ev protocol.Event) string {
	ts := time.UnixMilli(ev.WallClockMs).In(r.loc).Format("15:04:05.000")
	head := fmt.Sprintf("%s/%s", ev.Role, ev.Act)
	if !r.styled {
		return fmt.Sprintf("#%d %s %s [%s] %s", ev.Seq, ts, head, ev.Stream, ev.Text)
	}
	muted := lipgloss.NewStyle().Foreground(r.theme.Muted)
	label := lipgloss.NewStyle().Foreground(r.theme.RoleColor(ev)).Bold(true)
	text := ev.Text
	if ev.Act == protocol.ActThink {
		text = muted.Italic(true).Render(text)
	}
	return fmt.Sprintf("%s %s %s %s %s",
		muted.Render(fmt.Sprintf("#%d", ev.Seq)),
		muted.Render(ts),
		label.Render(head),
		muted.Render("["+ev.Stream+"]"),
		text,
	)
}
