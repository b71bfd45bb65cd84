package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCritical(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      bool
	}{
		{EventAgentStarted, true},
		{EventAgentThinking, true},
		{EventToolExecuting, true},
		{EventToolCompleted, true},
		{EventAgentCompleted, true},
		{EventAgentError, false},
		{EventToolError, false},
		{EventSystemError, false},
		{EventType("agent_paused"), false},
		{EventType(""), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, IsCritical(tt.eventType))
		})
	}
}

func TestEventTypeClassification(t *testing.T) {
	assert.True(t, EventAgentError.IsError())
	assert.True(t, EventSystemError.IsError())
	assert.False(t, EventAgentCompleted.IsError())
	assert.False(t, EventType("bogus").IsError())

	assert.True(t, EventToolExecuting.IsToolEvent())
	assert.True(t, EventToolCompleted.IsToolEvent())
	assert.True(t, EventToolError.IsToolEvent())
	assert.False(t, EventAgentThinking.IsToolEvent())
}

func TestParseEventType(t *testing.T) {
	t.Run("accepts known types with surrounding whitespace", func(t *testing.T) {
		got, err := ParseEventType("  tool_completed ")
		require.NoError(t, err)
		assert.Equal(t, EventToolCompleted, got)
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := ParseEventType("agent_paused")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidEventType)
	})
}

func TestCriticalEventTypes(t *testing.T) {
	types := CriticalEventTypes()
	require.Len(t, types, 5)
	assert.Equal(t, EventAgentStarted, types[0])
	assert.Equal(t, EventAgentCompleted, types[4])

	seen := make(map[EventType]bool)
	for _, typ := range types {
		assert.True(t, IsCritical(typ))
		assert.False(t, seen[typ], "duplicate event type: %s", typ)
		seen[typ] = true
	}
}
