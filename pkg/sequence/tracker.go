package sequence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// DefaultRetention is how long completed and aborted runs are kept so that
// late or duplicate events are still rejected.
const DefaultRetention = time.Minute

// DeliverFunc is called with the run's lock held, after the event has been
// committed. seq is the 1-based position of the event in the run, or 0 for
// error events on runs that were never started.
type DeliverFunc func(seq int) error

// ownerKey is the user-independent part of a run key.
type ownerKey struct {
	thread  events.ThreadID
	request events.RequestID
}

type runEntry struct {
	mu          sync.Mutex
	validator   *Validator
	aborted     bool
	abortReason string
	closedAt    time.Time // completion or abort time
	removed     bool
}

// RunSnapshot is a point-in-time copy of a run's state.
type RunSnapshot struct {
	Run           events.RunKey
	Started       bool
	Completed     bool
	Aborted       bool
	AbortReason   string
	ValidComplete bool
	PendingTools  []events.ToolID
	History       []Entry
}

// Tracker owns the sequence state of every active run. Each run has its
// own lock, so different runs never contend; the tracker-wide lock only
// guards the run and ownership maps.
type Tracker struct {
	mu        sync.Mutex
	runs      map[events.RunKey]*runEntry
	owners    map[ownerKey]events.UserID
	retention time.Duration
	now       func() time.Time
}

// NewTracker creates a Tracker. A non-positive retention selects DefaultRetention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		runs:      make(map[events.RunKey]*runEntry),
		owners:    make(map[ownerKey]events.UserID),
		retention: retention,
		now:       time.Now,
	}
}

// Apply validates and commits one event for run, then calls deliver while
// still holding the run's lock, so deliveries for one run happen in the
// order events were accepted.
//
// Run state is created only by an accepted agent_started. Error events for
// a run that has no state pass straight to deliver. A sequence violation
// aborts the run; every later event for it is rejected.
func (t *Tracker) Apply(run events.RunKey, typ events.EventType, toolID events.ToolID, deliver DeliverFunc) (int, error) {
	for {
		entry, err := t.lookup(run, typ)
		if err != nil {
			return 0, err
		}
		if entry == nil {
			// Error event on a run without state.
			return 0, deliver(0)
		}

		entry.mu.Lock()
		if entry.removed {
			// Evicted between lookup and lock; resolve again.
			entry.mu.Unlock()
			continue
		}
		seq, err := t.applyLocked(entry, typ, toolID, deliver)
		entry.mu.Unlock()
		return seq, err
	}
}

func (t *Tracker) applyLocked(entry *runEntry, typ events.EventType, toolID events.ToolID, deliver DeliverFunc) (int, error) {
	v := entry.validator
	if entry.aborted {
		return 0, &events.SequenceError{Run: v.Run(), Type: typ, ToolID: toolID, Reason: ReasonAborted}
	}
	if err := v.Check(typ, toolID); err != nil {
		t.abortLocked(entry, err.(*events.SequenceError).Reason)
		return 0, err
	}

	v.commit(typ, toolID)
	if v.Completed() {
		entry.closedAt = t.now()
	}
	return v.Len(), deliver(v.Len())
}

func (t *Tracker) abortLocked(entry *runEntry, reason string) {
	entry.aborted = true
	entry.abortReason = reason
	entry.closedAt = t.now()
	slog.Warn("Run aborted after sequence violation",
		"run", entry.validator.Run().String(), "reason", reason)
}

// lookup returns the entry for run, creating it for agent_started. It
// returns (nil, nil) for error events on runs without state.
func (t *Tracker) lookup(run events.RunKey, typ events.EventType) (*runEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ok := ownerKey{thread: run.Thread, request: run.Request}
	if owner, exists := t.owners[ok]; exists && owner != run.User {
		return nil, &events.IsolationError{
			Expected: owner,
			Actual:   run.User,
			Detail:   ReasonCrossUserRunName,
		}
	}

	if entry, exists := t.runs[run]; exists {
		return entry, nil
	}

	switch {
	case typ == events.EventAgentStarted:
		entry := &runEntry{validator: NewValidator(run)}
		entry.validator.now = t.now
		t.runs[run] = entry
		t.owners[ok] = run.User
		return entry, nil
	case typ.IsError():
		return nil, nil
	case !typ.Valid():
		return nil, &events.SequenceError{Run: run, Type: typ, Reason: ReasonUnknownType}
	default:
		return nil, &events.SequenceError{Run: run, Type: typ, Reason: ReasonNotStarted}
	}
}

// Evict removes run, waiting for any in-flight Apply on it to finish.
// It reports whether the run existed.
func (t *Tracker) Evict(run events.RunKey) bool {
	t.mu.Lock()
	entry, exists := t.runs[run]
	t.mu.Unlock()
	if !exists {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return t.removeLocked(run, entry)
}

// removeLocked deletes entry from the maps. Caller holds entry.mu.
func (t *Tracker) removeLocked(run events.RunKey, entry *runEntry) bool {
	if entry.removed {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runs[run] == entry {
		delete(t.runs, run)
		delete(t.owners, ownerKey{thread: run.Thread, request: run.Request})
	}
	entry.removed = true
	return true
}

// Sweep drops completed and aborted runs older than the retention window
// and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	candidates := make(map[events.RunKey]*runEntry, len(t.runs))
	for k, e := range t.runs {
		candidates[k] = e
	}
	t.mu.Unlock()

	cutoff := t.now().Add(-t.retention)
	removed := 0
	for run, entry := range candidates {
		entry.mu.Lock()
		closed := entry.aborted || entry.validator.Completed()
		if closed && entry.closedAt.Before(cutoff) && t.removeLocked(run, entry) {
			removed++
		}
		entry.mu.Unlock()
	}
	return removed
}

// Snapshot returns the state of run, if tracked.
func (t *Tracker) Snapshot(run events.RunKey) (RunSnapshot, bool) {
	t.mu.Lock()
	entry, exists := t.runs[run]
	t.mu.Unlock()
	if !exists {
		return RunSnapshot{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	v := entry.validator
	return RunSnapshot{
		Run:           run,
		Started:       v.Started(),
		Completed:     v.Completed(),
		Aborted:       entry.aborted,
		AbortReason:   entry.abortReason,
		ValidComplete: v.IsValidCompleteSequence(),
		PendingTools:  v.PendingTools(),
		History:       v.History(),
	}, true
}

// Len returns the number of tracked runs, including retained closed ones.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
