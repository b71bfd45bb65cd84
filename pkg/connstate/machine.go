// Package connstate implements the per-connection lifecycle state machine.
//
// Legal transitions:
//
//	connecting   → connected, failed
//	connected    → disconnected, closing, failed
//	disconnected → reconnecting, connecting
//	reconnecting → connected, failed
//	failed       → reconnecting, connecting
//	closing      → disconnected, failed
//
// Self-transitions are never legal. failed and disconnected are terminal
// for the current attempt; leaving them starts a new attempt.
package connstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// State is the lifecycle state of one connection.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Reconnecting
	Failed
	Closing
)

var stateNames = map[State]string{
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Reconnecting: "reconnecting",
	Failed:       "failed",
	Closing:      "closing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the lower-case state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether s ends the current connection attempt.
func (s State) IsTerminal() bool {
	return s == Failed || s == Disconnected
}

var transitions = map[State]map[State]bool{
	Connecting:   {Connected: true, Failed: true},
	Connected:    {Disconnected: true, Closing: true, Failed: true},
	Disconnected: {Reconnecting: true, Connecting: true},
	Reconnecting: {Connected: true, Failed: true},
	Failed:       {Reconnecting: true, Connecting: true},
	Closing:      {Disconnected: true, Failed: true},
}

// CanTransition reports whether from → to is an edge of the table.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Transition returns (to, true) for a legal edge and (from, false) otherwise.
func Transition(from, to State) (State, bool) {
	if !CanTransition(from, to) {
		return from, false
	}
	return to, true
}

// TransitionError reports a rejected transition. The state is unchanged.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s → %s", events.ErrIllegalTransition, e.From, e.To)
}

// Unwrap returns events.ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return events.ErrIllegalTransition
}

// TransitionRecord is one accepted transition.
type TransitionRecord struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine tracks the current state and history of one connection.
// It is safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []TransitionRecord
	count   int
	now     func() time.Time
}

// NewMachine returns a machine in the Connecting state.
func NewMachine() *Machine {
	return NewMachineAt(Connecting)
}

// NewMachineAt returns a machine starting in s (e.g. a record created
// after a successful handshake starts Connected).
func NewMachineAt(s State) *Machine {
	return &Machine{state: s, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to target if the edge is legal. An illegal transition
// leaves the state unchanged and returns a *TransitionError.
func (m *Machine) Transition(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := Transition(m.state, target)
	if !ok {
		return &TransitionError{From: m.state, To: target}
	}
	m.history = append(m.history, TransitionRecord{From: m.state, To: next, At: m.now()})
	m.count++
	m.state = next
	return nil
}

// History returns a copy of every accepted transition, oldest first.
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// TransitionCount returns the number of accepted transitions.
func (m *Machine) TransitionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// AllStates lists every state, in declaration order.
func AllStates() []State {
	return []State{Connecting, Connected, Disconnected, Reconnecting, Failed, Closing}
}
