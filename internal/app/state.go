package app

import (
	"fmt"
	"sync"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// State is the coordinator lifecycle state.
type State int32

// Lifecycle states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// lifecycle serializes start/stop callbacks and transitions state atomically:
// at most one callback runs at a time, and state reflects the transition.
type lifecycle struct {
	opMu    sync.Mutex
	stateMu sync.Mutex
	state   State
}

func (l *lifecycle) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

func (l *lifecycle) setState(s State) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

// executeStart runs fn once from STOPPED or ERROR, transitioning through
// STARTING to RUNNING, or to ERROR on failure.
func (l *lifecycle) executeStart(fn func() error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateStopped, StateError:
	default:
		return fmt.Errorf("op=app.executeStart: state %s: %w", l.State(), domain.ErrAlreadyRunning)
	}

	l.setState(StateStarting)
	if err := fn(); err != nil {
		l.setState(StateError)
		return err
	}
	l.setState(StateRunning)
	return nil
}

// executeStop runs fn once from RUNNING (or ERROR, to unwind partial starts),
// transitioning through STOPPING to STOPPED. Stopping a stopped coordinator
// is a no-op.
func (l *lifecycle) executeStop(fn func() error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateRunning, StateError:
	default:
		return nil
	}

	l.setState(StateStopping)
	err := fn()
	l.setState(StateStopped)
	return err
}
