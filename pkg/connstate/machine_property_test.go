package connstate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any sequence of requested targets, the machine only ever moves along
// edges of the transition table, and the history replays to the final state.
func TestMachineOnlyFollowsTableEdgesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every accepted transition is a table edge", prop.ForAll(
		func(targets []int) bool {
			m := NewMachine()
			for _, raw := range targets {
				before := m.State()
				target := State(raw)
				err := m.Transition(target)
				after := m.State()

				if CanTransition(before, target) {
					if err != nil || after != target {
						return false
					}
				} else if err == nil || after != before {
					return false
				}
			}

			state := Connecting
			for _, rec := range m.History() {
				if rec.From != state || !CanTransition(rec.From, rec.To) {
					return false
				}
				state = rec.To
			}
			return state == m.State() && len(m.History()) == m.TransitionCount()
		},
		gen.SliceOf(gen.IntRange(0, len(stateNames)-1)),
	))

	properties.TestingRun(t)
}
