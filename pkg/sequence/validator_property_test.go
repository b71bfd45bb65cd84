package sequence

import (
	"testing"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allTypes = append(events.CriticalEventTypes(),
	events.EventAgentError, events.EventToolError, events.EventSystemError)

type candidate struct {
	typ  events.EventType
	tool events.ToolID
}

func genCandidates() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.IntRange(0, len(allTypes)-1),
		gen.OneConstOf("", " ", "t1", "t2", "t3"),
	).Map(func(v []any) candidate {
		return candidate{typ: allTypes[v[0].(int)], tool: events.ToolID(v[1].(string))}
	}))
}

func TestValidatorOrderingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("agent_started is accepted at most once and only first", prop.ForAll(
		func(cs []candidate) bool {
			v := NewValidator(testRun)
			for _, c := range cs {
				v.AddEvent(c.typ, c.tool)
			}
			h := v.History()
			for i, e := range h {
				if e.Type == events.EventAgentStarted && i != 0 {
					return false
				}
			}
			return len(h) == 0 || h[0].Type == events.EventAgentStarted
		},
		genCandidates(),
	))

	properties.Property("tool_completed only closes an open tool_executing", prop.ForAll(
		func(cs []candidate) bool {
			v := NewValidator(testRun)
			for _, c := range cs {
				v.AddEvent(c.typ, c.tool)
			}
			open := map[events.ToolID]bool{}
			for _, e := range v.History() {
				switch e.Type {
				case events.EventToolExecuting:
					open[e.ToolID] = true
				case events.EventToolCompleted:
					if !open[e.ToolID] {
						return false
					}
					open[e.ToolID] = false
				case events.EventToolError:
					if _, ok := open[e.ToolID]; ok {
						open[e.ToolID] = false
					}
				}
			}
			return true
		},
		genCandidates(),
	))

	properties.Property("ValidateNext does not mutate state", prop.ForAll(
		func(cs []candidate, probe candidate) bool {
			v := NewValidator(testRun)
			for _, c := range cs {
				v.AddEvent(c.typ, c.tool)
			}
			before := v.Len()
			first := v.ValidateNext(probe.typ, probe.tool)
			for range 3 {
				if v.ValidateNext(probe.typ, probe.tool) != first {
					return false
				}
			}
			return v.Len() == before
		},
		genCandidates(),
		genCandidates().Map(func(cs []candidate) candidate {
			if len(cs) == 0 {
				return candidate{typ: events.EventAgentThinking}
			}
			return cs[0]
		}),
	))

	properties.Property("valid complete sequence matches its definition", prop.ForAll(
		func(cs []candidate) bool {
			v := NewValidator(testRun)
			for _, c := range cs {
				v.AddEvent(c.typ, c.tool)
			}
			h := v.History()
			want := v.Started() && v.Completed() && len(h) > 0 &&
				h[0].Type == events.EventAgentStarted &&
				h[len(h)-1].Type == events.EventAgentCompleted &&
				len(v.PendingTools()) == 0
			return v.IsValidCompleteSequence() == want
		},
		genCandidates(),
	))

	properties.Property("nothing is accepted after agent_completed", prop.ForAll(
		func(cs []candidate) bool {
			v := NewValidator(testRun)
			v.AddEvent(events.EventAgentStarted, "")
			v.AddEvent(events.EventAgentCompleted, "")
			for _, c := range cs {
				if v.AddEvent(c.typ, c.tool) {
					return false
				}
			}
			return v.Len() == 2
		},
		genCandidates(),
	))

	properties.TestingRun(t)
}
