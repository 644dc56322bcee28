// Package protocol defines the shared vocabulary of the chorus runtime: the
// events written to the timeline, the roles and acts that label them, and the
// chunk, action and tool-line shapes exchanged with speakers and tools.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced an event.
type Role string

// Role constants. The set is fixed: one human, two agents, and tools.
const (
	RoleUser   Role = "user"
	RoleAgentA Role = "agentA"
	RoleAgentB Role = "agentB"
	RoleTool   Role = "tool"
)

// IsAgent reports whether r is one of the two agent identities.
func (r Role) IsAgent() bool {
	return r == RoleAgentA || r == RoleAgentB
}

// ParseRole validates s as a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAgentA, RoleAgentB, RoleTool:
		return r, nil
	}
	return "", &UnknownRoleError{Role: s}
}

// Act classifies what an event does in the conversation.
type Act string

// Act constants.
const (
	ActInput      Act = "INPUT"
	ActThink      Act = "THINK"
	ActPropose    Act = "PROPOSE"
	ActReport     Act = "REPORT"
	ActToolOut    Act = "TOOL_OUT"
	ActToolErr    Act = "TOOL_ERR"
	ActCorrection Act = "CORRECTION"
)

// AllActs lists every act in declaration order.
var AllActs = []Act{ActInput, ActThink, ActPropose, ActReport, ActToolOut, ActToolErr, ActCorrection} //nolint:gochecknoglobals // read-only table

// ParseAct validates s (case-insensitive) as an Act.
func ParseAct(s string) (Act, bool) {
	up := Act(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range AllActs {
		if a == up {
			return a, true
		}
	}
	return "", false
}

// Event is one immutable record of the shared timeline.
type Event struct {
	Seq          uint64            `json:"seq"`
	WallClockMs  int64             `json:"wall_clock_ms"`
	Role         Role              `json:"role"`
	Stream       string            `json:"stream"`
	Act          Act               `json:"act"`
	Text         string            `json:"text"`
	Meta         map[string]string `json:"meta,omitempty"`
	CreatedAtISO string            `json:"created_at_iso"`
}

// Valid reports whether the event carries the fields every persisted record
// must have. Used by readers to skip records that decoded but are garbage.
func (e Event) Valid() bool {
	return e.Seq > 0 && e.Role != "" && e.Act != ""
}

// String renders the event as a single human-readable line.
func (e Event) String() string {
	return fmt.Sprintf("#%d %s/%s [%s] %s", e.Seq, e.Role, e.Act, e.Stream, e.Text)
}

// Action is an opaque side-effect descriptor resolved by name through a
// handler registry.
type Action struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Chunk is one piece of a speaker's streamed turn.
type Chunk struct {
	Text   string
	Act    Act
	Meta   map[string]string
	Action *Action // non-nil when the chunk requests an external effect
}

// Budget bounds a single speaker turn.
type Budget struct {
	MaxTokens int
	Timeout   time.Duration
}

// ToolLine is one line of tool output.
type ToolLine struct {
	Text    string
	IsError bool
}

// UserMessage is one record of the user-input channel.
type UserMessage struct {
	Text string            `json:"text"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Stream tags used by the runtime itself.
const (
	StreamSystem = "system"
	StreamUser   = "user"
)

// FactMetaPrefix marks meta keys that update the fact map when ingested.
const FactMetaPrefix = "fact."
