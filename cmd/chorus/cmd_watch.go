package main

import (
	"context"
	"fmt"
	"strings"

	"chorus/pkg/eventlog"
	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// maxWatchLines bounds the lines kept in the watch view.
const maxWatchLines = 2000

// newWatchCmd creates the "chorus watch" subcommand.
func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live, scrollable view of the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, paths, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			events := eventlog.Tail(ctx, paths.LogPath, 0, eventlog.TailOptions{})

			p := tea.NewProgram(newWatchModel(paths.LogPath, events), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
}

// eventMsg carries one tailed event into the model.
type eventMsg protocol.Event

// tailClosedMsg is sent when the tail channel closes.
type tailClosedMsg struct{}

// watchModel renders the tailed log in a viewport with a header showing
// per-role counts and a footer with key help.
type watchModel struct {
	path     string
	events   <-chan jsonl.Record[protocol.Event]
	render   eventRenderer
	theme    Theme
	viewport viewport.Model
	lines    []string
	counts   map[protocol.Role]int
	lastSeq  uint64
	follow   bool
	ready    bool
	closed   bool
}

func newWatchModel(path string, events <-chan jsonl.Record[protocol.Event]) watchModel {
	vp := viewport.New(0, 0)
	vp.MouseWheelEnabled = true
	return watchModel{
		path:     path,
		events:   events,
		render:   newEventRenderer(true),
		theme:    DefaultTheme(),
		viewport: vp,
		counts:   map[protocol.Role]int{},
		follow:   true,
	}
}

// waitForEvent blocks on the tail channel.
func waitForEvent(ch <-chan jsonl.Record[protocol.Event]) tea.Cmd {
	return func() tea.Msg {
		rec, ok := <-ch
		if !ok {
			return tailClosedMsg{}
		}
		return eventMsg(rec.Value)
	}
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-2)
		m.ready = true
		m.refresh()
		return m, nil
	case eventMsg:
		m.add(protocol.Event(msg))
		return m, waitForEvent(m.events)
	case tailClosedMsg:
		m.closed = true
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	if m.viewport.AtBottom() {
		m.follow = true
	} else if _, isKey := msg.(tea.KeyMsg); isKey {
		m.follow = false
	}
	return m, cmd
}

// add records ev and keeps the view pinned to the bottom while following.
func (m *watchModel) add(ev protocol.Event) {
	m.counts[ev.Role]++
	m.lastSeq = ev.Seq
	m.lines = append(m.lines, m.render.Render(ev))
	if over := len(m.lines) - maxWatchLines; over > 0 {
		m.lines = m.lines[over:]
	}
	m.refresh()
}

func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m watchModel) header() string {
	title := lipgloss.NewStyle().Bold(true).Render("chorus")
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	var parts []string
	for _, role := range []protocol.Role{protocol.RoleUser, protocol.RoleAgentA, protocol.RoleAgentB, protocol.RoleTool} {
		style := lipgloss.NewStyle().Foreground(m.theme.RoleColor(protocol.Event{Role: role}))
		parts = append(parts, style.Render(fmt.Sprintf("%s:%d", role, m.counts[role])))
	}
	return fmt.Sprintf("%s %s  %s  %s", title, muted.Render(m.path), strings.Join(parts, " "), muted.Render(fmt.Sprintf("seq %d", m.lastSeq)))
}

func (m watchModel) footer() string {
	mode := "following"
	if !m.follow {
		mode = "paused"
	}
	if m.closed {
		mode = "tail closed"
	}
	return lipgloss.NewStyle().Foreground(m.theme.Muted).
		Render(fmt.Sprintf("%s · ↑/↓ pgup/pgdn scroll · f follow · q quit", mode))
}

func (m watchModel) View() string {
	if !m.ready {
		return "loading…"
	}
	return m.header() + "\n" + m.viewport.View() + "\n" + m.footer()
}
