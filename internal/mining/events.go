package mining

import "time"

// EventKind names a semantic state machine event rendered by the UI layer.
type EventKind string

const (
	EventEngagementRecorded EventKind = "engagement-recorded"
	EventGateSatisfied      EventKind = "gate-satisfied"
	EventGateNotSatisfied   EventKind = "gate-not-satisfied"
	EventAlreadyRunning     EventKind = "already-running"
	EventCycleStarted       EventKind = "cycle-started"
	EventCycleComplete      EventKind = "cycle-complete"
	EventCycleStopped       EventKind = "cycle-stopped"
	EventStartFailed        EventKind = "start-failed"
	EventSettled            EventKind = "settled"
	EventSettleFailed       EventKind = "settle-failed"
)

// Event is delivered to observers after the transition it describes has been applied.
type Event struct {
	Kind    EventKind
	At      time.Time
	Gate    GateState
	Cycle   CycleState
	Amount  float64
	Balance float64
	Err     error
}

// Observer receives events synchronously on the goroutine that caused them.
// Observers must not block and must not call back into the emitting component.
type Observer func(Event)

func (o Observer) emit(evt Event) {
	if o != nil {
		o(evt)
	}
}
