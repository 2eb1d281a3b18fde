package mining

import (
	"sync"
	"time"
)

const (
	// CycleDuration is the fixed length of one reward cycle.
	CycleDuration = 12 * time.Hour
	// RequiredEngagements is the number of ad views needed to start a cycle.
	RequiredEngagements = 2
	// DefaultMiningRate is credited per settlement unless the account overrides it.
	DefaultMiningRate = 5.0
)

// Phase is the closed set of cycle variants.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
)

// CycleState is the current cycle. StartedAt and ReadyAt are zero while Idle.
type CycleState struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ReadyAt   time.Time `json:"ready_at,omitempty"`
}

// Progress returns the elapsed share of the cycle in [0,100].
func (s CycleState) Progress(now time.Time) float64 {
	switch s.Phase {
	case PhaseIdle:
		return 0
	case PhaseComplete:
		return 100
	}
	total := s.ReadyAt.Sub(s.StartedAt)
	if total <= 0 {
		return 100
	}
	p := 100 * float64(now.Sub(s.StartedAt)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Remaining returns the time left until ReadyAt, zero unless Running.
func (s CycleState) Remaining(now time.Time) time.Duration {
	if s.Phase != PhaseRunning {
		return 0
	}
	d := s.ReadyAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds is the floor of Remaining in whole seconds.
func (s CycleState) RemainingSeconds(now time.Time) int64 {
	return int64(s.Remaining(now) / time.Second)
}

// Clock owns the single timed cycle. All transitions are pure functions of the
// supplied wall-clock time and the immutable ReadyAt.
type Clock struct {
	mu       sync.Mutex
	gate     *Gate
	duration time.Duration
	state    CycleState
	notify   Observer
}

func NewClock(gate *Gate, notify Observer) *Clock {
	return &Clock{
		gate:     gate,
		duration: CycleDuration,
		state:    CycleState{Phase: PhaseIdle},
		notify:   notify,
	}
}

func (c *Clock) Duration() time.Duration { return c.duration }

func (c *Clock) State() CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckStart reports the error Start would return without changing state.
func (c *Clock) CheckStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkStartLocked()
}

func (c *Clock) checkStartLocked() error {
	if !c.gate.CanStart() {
		return ErrGateNotSatisfied
	}
	if c.state.Phase != PhaseIdle {
		return ErrAlreadyRunning
	}
	return nil
}

// Start moves Idle to Running. The gate is checked first so an unsatisfied gate
// always reports ErrGateNotSatisfied.
func (c *Clock) Start(now time.Time) (CycleState, error) {
	c.mu.Lock()
	if err := c.checkStartLocked(); err != nil {
		s := c.state
		c.mu.Unlock()
		return s, err
	}
	c.state = CycleState{Phase: PhaseRunning, StartedAt: now, ReadyAt: now.Add(c.duration)}
	s := c.state
	c.mu.Unlock()
	c.notify.emit(Event{Kind: EventCycleStarted, Cycle: s})
	return s, nil
}

// Tick moves Running to Complete once now reaches ReadyAt. The number of prior
// ticks does not matter; cycle-complete fires on the transition only.
func (c *Clock) Tick(now time.Time) CycleState {
	c.mu.Lock()
	fired := false
	if c.state.Phase == PhaseRunning && !now.Before(c.state.ReadyAt) {
		c.state.Phase = PhaseComplete
		fired = true
	}
	s := c.state
	c.mu.Unlock()
	if fired {
		c.notify.emit(Event{Kind: EventCycleComplete, Cycle: s})
	}
	return s
}

// Restore rebuilds the cycle from the persisted ReadyAt at process start.
func (c *Clock) Restore(readyAt *time.Time, now time.Time) CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case readyAt == nil || readyAt.IsZero():
		c.state = CycleState{Phase: PhaseIdle}
	case !readyAt.After(now):
		c.state = CycleState{Phase: PhaseComplete, StartedAt: readyAt.Add(-c.duration), ReadyAt: *readyAt}
	default:
		c.state = CycleState{Phase: PhaseRunning, StartedAt: readyAt.Add(-c.duration), ReadyAt: *readyAt}
	}
	return c.state
}

// Cancel discards a Running cycle without credit.
func (c *Clock) Cancel() (CycleState, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseRunning {
		s := c.state
		c.mu.Unlock()
		return s, ErrNotRunning
	}
	stopped := c.state
	c.state = CycleState{Phase: PhaseIdle}
	c.mu.Unlock()
	c.notify.emit(Event{Kind: EventCycleStopped, Cycle: stopped})
	return CycleState{Phase: PhaseIdle}, nil
}

// release returns a Complete cycle to Idle after settlement.
func (c *Clock) release() (CycleState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseComplete {
		return c.state, false
	}
	c.state = CycleState{Phase: PhaseIdle}
	return c.state, true
}
