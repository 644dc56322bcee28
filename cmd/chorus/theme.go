package main

import (
	"chorus/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the visual styling for chorus terminal output.
type Theme struct {
	User   lipgloss.Color
	AgentA lipgloss.Color
	AgentB lipgloss.Color
	Tool   lipgloss.Color
	Error  lipgloss.Color
	Muted  lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		User:   lipgloss.Color("11"),  // Yellow
		AgentA: lipgloss.Color("12"),  // Blue
		AgentB: lipgloss.Color("13"),  // Magenta
		Tool:   lipgloss.Color("10"),  // Green
		Error:  lipgloss.Color("9"),   // Red
		Muted:  lipgloss.Color("240"), // Gray
	}
}

// RoleColor picks the colour for an event.
func (t Theme) RoleColor(ev protocol.Event) lipgloss.Color {
	switch {
	case ev.Stream == protocol.StreamSystem || ev.Act == protocol.ActToolErr:
		return t.Error
	case ev.Role == protocol.RoleUser:
		return t.User
	case ev.Role == protocol.RoleAgentA:
		return t.AgentA
	case ev.Role == protocol.RoleAgentB:
		return t.AgentB
	case ev.Role == protocol.RoleTool:
		return t.Tool
	}
	return t.Muted
}
