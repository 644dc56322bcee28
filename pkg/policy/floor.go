package policy

import (
	"sync"
	"time"

	"chorus/pkg/protocol"
)

// FloorState is the observable state of a Floor.
type FloorState string

// Floor state constants.
const (
	FloorIdle   FloorState = "idle"
	FloorUser   FloorState = "user"
	FloorAgentA FloorState = "agentA"
	FloorAgentB FloorState = "agentB"
)

// Floor decides who owns the turn: the user during a cooldown window after
// any user input, otherwise the two agents in strict alternation.
type Floor struct {
	cooldown time.Duration
	agents   [2]protocol.Role

	mu              sync.Mutex
	lastSpeaker     protocol.Role
	userActiveUntil int64
	started         bool
}

// NewFloor creates a Floor alternating between agentA and agentB, starting
// with agentA. A zero cooldown defaults to 1.5s.
func NewFloor(cooldown time.Duration) *Floor {
	cooldown = orDefault(cooldown, 1500*time.Millisecond)
	return &Floor{
		cooldown:    cooldown,
		agents:      [2]protocol.Role{protocol.RoleAgentA, protocol.RoleAgentB},
		lastSpeaker: protocol.RoleAgentB,
	}
}

// MarkUserActive gives the user the floor until now+cooldown.
func (f *Floor) MarkUserActive(now int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until := now + f.cooldown.Milliseconds()
	if until > f.userActiveUntil {
		f.userActiveUntil = until
	}
}

// NextSpeaker returns RoleUser while the user holds the floor; otherwise it
// flips to the other agent and returns it.
func (f *Floor) NextSpeaker(now int64) protocol.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now < f.userActiveUntil {
		return protocol.RoleUser
	}
	f.started = true
	if f.lastSpeaker == f.agents[0] {
		f.lastSpeaker = f.agents[1]
	} else {
		f.lastSpeaker = f.agents[0]
	}
	return f.lastSpeaker
}

// State reports the floor state at now without advancing the alternation.
func (f *Floor) State(now int64) FloorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case now < f.userActiveUntil:
		return FloorUser
	case !f.started:
		return FloorIdle
	case f.lastSpeaker == protocol.RoleAgentA:
		return FloorAgentA
	default:
		return FloorAgentB
	}
}
