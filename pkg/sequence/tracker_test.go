package sequence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the sequence numbers passed to deliver.
type recorder struct {
	mu   sync.Mutex
	seqs []int
}

func (r *recorder) deliver(seq int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	return nil
}

func (r *recorder) got() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seqs...)
}

func TestTracker_ApplyDeliversAcceptedEventsInOrder(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}

	for _, e := range []struct {
		typ  events.EventType
		tool events.ToolID
	}{
		{events.EventAgentStarted, ""},
		{events.EventToolExecuting, "t1"},
		{events.EventToolCompleted, "t1"},
		{events.EventAgentCompleted, ""},
	} {
		_, err := tr.Apply(testRun, e.typ, e.tool, rec.deliver)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{1, 2, 3, 4}, rec.got())
	snap, ok := tr.Snapshot(testRun)
	require.True(t, ok)
	assert.True(t, snap.ValidComplete)
	assert.False(t, snap.Aborted)
}

func TestTracker_NoStateBeforeStart(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}

	_, err := tr.Apply(testRun, events.EventAgentThinking, "", rec.deliver)
	var se *events.SequenceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ReasonNotStarted, se.Reason)
	assert.Empty(t, rec.got(), "rejected event must not be delivered")
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ErrorEventWithoutRunPassesThrough(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}

	seq, err := tr.Apply(testRun, events.EventSystemError, "", rec.deliver)
	require.NoError(t, err)
	assert.Equal(t, 0, seq)
	assert.Equal(t, []int{0}, rec.got())
	assert.Equal(t, 0, tr.Len(), "error events do not create run state")
}

func TestTracker_ViolationAbortsRun(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}

	_, err := tr.Apply(testRun, events.EventAgentStarted, "", rec.deliver)
	require.NoError(t, err)
	_, err = tr.Apply(testRun, events.EventToolCompleted, "ghost", rec.deliver)
	require.True(t, events.IsSequenceViolation(err))

	// A legal event after the violation is still refused.
	_, err = tr.Apply(testRun, events.EventAgentThinking, "", rec.deliver)
	var se *events.SequenceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ReasonAborted, se.Reason)

	assert.Equal(t, []int{1}, rec.got())
	snap, ok := tr.Snapshot(testRun)
	require.True(t, ok)
	assert.True(t, snap.Aborted)
	assert.Equal(t, ReasonNoMatchingTool, snap.AbortReason)
}

func TestTracker_CrossUserRunNameCollision(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}

	_, err := tr.Apply(testRun, events.EventAgentStarted, "", rec.deliver)
	require.NoError(t, err)

	other := testRun
	other.User = "u2"
	_, err = tr.Apply(other, events.EventAgentStarted, "", rec.deliver)
	require.True(t, events.IsIsolationViolation(err))

	var ie *events.IsolationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, events.UserID("u1"), ie.Expected)
	assert.Equal(t, events.UserID("u2"), ie.Actual)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_DeliverErrorIsReturnedButEventIsCommitted(t *testing.T) {
	tr := NewTracker(0)
	boom := errors.New("boom")

	_, err := tr.Apply(testRun, events.EventAgentStarted, "", func(int) error { return boom })
	assert.ErrorIs(t, err, boom)

	snap, ok := tr.Snapshot(testRun)
	require.True(t, ok)
	assert.True(t, snap.Started)
}

func TestTracker_Evict(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}
	_, err := tr.Apply(testRun, events.EventAgentStarted, "", rec.deliver)
	require.NoError(t, err)

	assert.True(t, tr.Evict(testRun))
	assert.False(t, tr.Evict(testRun))
	assert.Equal(t, 0, tr.Len())

	// The run name is free again, for any user.
	other := testRun
	other.User = "u2"
	_, err = tr.Apply(other, events.EventAgentStarted, "", rec.deliver)
	assert.NoError(t, err)
}

func TestTracker_SweepRemovesOnlyExpiredClosedRuns(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Now()
	tr.now = func() time.Time { return now }
	rec := &recorder{}

	done := testRun
	open := events.RunKey{User: "u1", Thread: "th-1", Request: "req-2"}
	aborted := events.RunKey{User: "u1", Thread: "th-1", Request: "req-3"}

	for _, run := range []events.RunKey{done, open, aborted} {
		_, err := tr.Apply(run, events.EventAgentStarted, "", rec.deliver)
		require.NoError(t, err)
	}
	_, err := tr.Apply(done, events.EventAgentCompleted, "", rec.deliver)
	require.NoError(t, err)
	_, err = tr.Apply(aborted, events.EventAgentStarted, "", rec.deliver)
	require.Error(t, err)

	assert.Equal(t, 0, tr.Sweep(), "nothing is past retention yet")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, tr.Sweep())
	assert.Equal(t, 1, tr.Len())
	_, ok := tr.Snapshot(open)
	assert.True(t, ok)
}

func TestTracker_ConcurrentRunsAreIndependentAndOrdered(t *testing.T) {
	tr := NewTracker(0)
	const runs = 20
	const thoughts = 50

	recs := make([]*recorder, runs)
	var wg sync.WaitGroup
	for i := range runs {
		recs[i] = &recorder{}
		run := events.RunKey{User: "u1", Thread: "th", Request: events.RequestID(rune('a' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Apply(run, events.EventAgentStarted, "", recs[i].deliver)
			assert.NoError(t, err)
			for range thoughts {
				_, err := tr.Apply(run, events.EventAgentThinking, "", recs[i].deliver)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, r := range recs {
		seqs := r.got()
		require.Len(t, seqs, thoughts+1)
		for i, s := range seqs {
			assert.Equal(t, i+1, s)
		}
	}
}

func TestTracker_ConcurrentApplySameRunIsFIFO(t *testing.T) {
	tr := NewTracker(0)
	rec := &recorder{}
	_, err := tr.Apply(testRun, events.EventAgentStarted, "", rec.deliver)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Apply(testRun, events.EventAgentThinking, "", rec.deliver)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seqs := rec.got()
	require.Len(t, seqs, 101)
	for i, s := range seqs {
		assert.Equal(t, i+1, s, "deliveries must follow acceptance order")
	}
}
