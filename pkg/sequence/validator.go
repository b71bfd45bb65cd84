// Package sequence enforces causal ordering of the events of one agent run.
package sequence

import (
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// Rejection reasons reported in *events.SequenceError.
const (
	ReasonUnknownType      = "unknown event type"
	ReasonNotStarted       = "run has not started; agent_started must come first"
	ReasonAlreadyStarted   = "agent_started already accepted for this run"
	ReasonCompleted        = "run already completed"
	ReasonMissingToolID    = "tool event requires a non-empty tool_id"
	ReasonNoMatchingTool   = "no pending tool_executing for this tool_id"
	ReasonAborted          = "run aborted after an earlier sequence violation"
	ReasonCrossUserRunName = "thread_id/request_id already belong to another user"
)

// Entry is one accepted event in a run's history.
type Entry struct {
	Type   events.EventType `json:"type"`
	ToolID events.ToolID    `json:"tool_id,omitempty"`
	At     time.Time        `json:"at"`
}

// Validator holds the ordering state of one run. It is not safe for
// concurrent use; Tracker serializes access per run.
type Validator struct {
	run       events.RunKey
	started   bool
	completed bool
	pending   map[events.ToolID]bool // true = executing, false = completed
	history   []Entry
	now       func() time.Time
}

// NewValidator returns a validator for run with no events accepted.
func NewValidator(run events.RunKey) *Validator {
	return &Validator{
		run:     run,
		pending: make(map[events.ToolID]bool),
		now:     time.Now,
	}
}

// Check evaluates the ordering rules for a candidate event without
// mutating state. It returns nil when the event is legal next.
func (v *Validator) Check(t events.EventType, toolID events.ToolID) error {
	reason := v.reject(t, toolID)
	if reason == "" {
		return nil
	}
	return &events.SequenceError{Run: v.run, Type: t, ToolID: toolID, Reason: reason}
}

// reject returns the rule a candidate breaks, or "" when it is legal.
func (v *Validator) reject(t events.EventType, toolID events.ToolID) string {
	if !t.Valid() {
		return ReasonUnknownType
	}
	if !v.started {
		if t != events.EventAgentStarted {
			return ReasonNotStarted
		}
		return ""
	}
	if v.completed {
		return ReasonCompleted
	}

	switch t {
	case events.EventAgentStarted:
		return ReasonAlreadyStarted
	case events.EventToolExecuting:
		if toolID.IsZero() {
			return ReasonMissingToolID
		}
	case events.EventToolCompleted:
		if toolID.IsZero() {
			return ReasonMissingToolID
		}
		if !v.pending[toolID] {
			return ReasonNoMatchingTool
		}
	}
	return ""
}

// ValidateNext reports whether the event would be accepted. It never
// mutates state.
func (v *Validator) ValidateNext(t events.EventType, toolID events.ToolID) bool {
	return v.reject(t, toolID) == ""
}

// AddEvent validates the event and, when legal, commits it.
func (v *Validator) AddEvent(t events.EventType, toolID events.ToolID) bool {
	if !v.ValidateNext(t, toolID) {
		return false
	}
	v.commit(t, toolID)
	return true
}

func (v *Validator) commit(t events.EventType, toolID events.ToolID) {
	switch t {
	case events.EventAgentStarted:
		v.started = true
	case events.EventAgentCompleted:
		v.completed = true
	case events.EventToolExecuting:
		v.pending[toolID] = true
	case events.EventToolCompleted:
		v.pending[toolID] = false
	case events.EventToolError:
		// A failed tool call closes it.
		if _, ok := v.pending[toolID]; ok {
			v.pending[toolID] = false
		}
	}
	v.history = append(v.history, Entry{Type: t, ToolID: toolID, At: v.now()})
}

// IsValidCompleteSequence reports whether the run started, completed,
// opened with agent_started, closed with agent_completed, and left no
// tool call executing.
func (v *Validator) IsValidCompleteSequence() bool {
	if !v.started || !v.completed || len(v.history) == 0 {
		return false
	}
	if v.history[0].Type != events.EventAgentStarted {
		return false
	}
	if v.history[len(v.history)-1].Type != events.EventAgentCompleted {
		return false
	}
	return len(v.PendingTools()) == 0
}

// PendingTools returns the tool IDs still executing.
func (v *Validator) PendingTools() []events.ToolID {
	var out []events.ToolID
	for id, executing := range v.pending {
		if executing {
			out = append(out, id)
		}
	}
	return out
}

// History returns a copy of the accepted events, oldest first.
func (v *Validator) History() []Entry {
	out := make([]Entry, len(v.history))
	copy(out, v.history)
	return out
}

// Started reports whether agent_started was accepted.
func (v *Validator) Started() bool { return v.started }

// Completed reports whether agent_completed was accepted.
func (v *Validator) Completed() bool { return v.completed }

// Len returns the number of accepted events.
func (v *Validator) Len() int { return len(v.history) }

// Run returns the key this validator tracks.
func (v *Validator) Run() events.RunKey { return v.run }
