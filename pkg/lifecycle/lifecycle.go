// Package lifecycle holds the process-wide server phase that decides whether
// connections must authenticate.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/frontbase/frontbase/pkg/constants"
)

type State string

const (
	Initialising  State = "initialising"
	Uninitialised State = "uninitialised"
	Setup         State = "setup"
	Ready         State = "ready"
)

var transitions = map[State][]State{
	Initialising:  {Uninitialised, Ready},
	Uninitialised: {Setup, Ready},
	Setup:         {Ready},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lifecycle is the single owner of the server state. Readers get value
// snapshots; writers go through Transition.
type Lifecycle struct {
	mu       sync.RWMutex
	state    State
	onChange []func(from, to State)
}

func New() *Lifecycle {
	return &Lifecycle{state: Initialising}
}

// State returns a snapshot of the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition moves from -> to atomically. It fails if the current state is not
// from, or if the edge is not part of the lifecycle.
func (l *Lifecycle) Transition(from, to State) error {
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", constants.ErrInvalidTransition, from, to)
	}

	l.mu.Lock()
	if l.state != from {
		current := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: expected %s, server is %s", constants.ErrInvalidTransition, from, current)
	}
	l.state = to
	hooks := append([]func(from, to State){}, l.onChange...)
	l.mu.Unlock()

	for _, h := range hooks {
		h(from, to)
	}
	return nil
}

// OnChange registers a hook run after every successful transition, outside the lock.
func (l *Lifecycle) OnChange(fn func(from, to State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}
