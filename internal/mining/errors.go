package mining

import (
	"errors"
	"fmt"
)

var (
	// ErrGateNotSatisfied is returned when a cycle is started before enough engagements were recorded.
	ErrGateNotSatisfied = errors.New("more engagements required before mining can start")
	// ErrAlreadyRunning is returned when a cycle is started while another one is in flight.
	ErrAlreadyRunning = errors.New("a mining cycle is already in progress")
	// ErrNotComplete is returned when settlement is attempted on a cycle that is not ready.
	ErrNotComplete = errors.New("mining cycle is not complete")
	// ErrNotRunning is returned when stopping a cycle that is not counting down.
	ErrNotRunning = errors.New("no mining cycle is running")
	// ErrPersistenceFailed matches every *PersistenceFailedError via errors.Is.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrNoPrincipal is returned when a machine is requested without an authenticated user.
	ErrNoPrincipal = errors.New("authenticated user required")
)

// PersistenceFailedError reports a failed durable write. The in-memory state is left
// exactly as it was before the operation so the caller may retry.
type PersistenceFailedError struct {
	Op  string
	Err error
}

func (e *PersistenceFailedError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailedError) Unwrap() error { return e.Err }

func (e *PersistenceFailedError) Is(target error) bool { return target == ErrPersistenceFailed }
