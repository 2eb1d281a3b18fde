package mining

import "sync"

// GateState counts the engagement units completed toward the next cycle.
type GateState struct {
	Required  int `json:"required"`
	Completed int `json:"completed"`
}

// Satisfied reports whether a cycle may start.
func (g GateState) Satisfied() bool { return g.Completed >= g.Required }

// Gate tracks engagements required before a cycle can start.
// Safe for concurrent use; increments are serialized.
type Gate struct {
	mu     sync.Mutex
	state  GateState
	notify Observer
}

// NewGate returns a gate requiring required engagements, seeded with completed
// (clamped to [0, required]).
func NewGate(required, completed int, notify Observer) *Gate {
	if required < 0 {
		required = 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > required {
		completed = required
	}
	return &Gate{state: GateState{Required: required, Completed: completed}, notify: notify}
}

// RecordEngagement counts one engagement, saturating at the requirement.
// gate-satisfied fires only on the call that reaches the requirement.
func (g *Gate) RecordEngagement() GateState {
	g.mu.Lock()
	if g.state.Completed >= g.state.Required {
		s := g.state
		g.mu.Unlock()
		return s
	}
	g.state.Completed++
	s := g.state
	g.mu.Unlock()

	g.notify.emit(Event{Kind: EventEngagementRecorded, Gate: s})
	if s.Satisfied() {
		g.notify.emit(Event{Kind: EventGateSatisfied, Gate: s})
	}
	return s
}

// Reset re-arms the gate for the next cycle.
func (g *Gate) Reset() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Completed = 0
	return g.state
}

func (g *Gate) CanStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Satisfied()
}

func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
