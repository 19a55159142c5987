package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogTruncatesLongDetails(t *testing.T) {
	log := newEventLog()
	log.append("goal_decomposed", map[string]string{
		"goal": strings.Repeat("x", 700),
	})

	entries := log.tail(1)
	require.Len(t, entries, 1)
	goal := entries[0].Details["goal"]
	assert.True(t, strings.HasSuffix(goal, "... [truncated]"))
	assert.Len(t, goal, 500+len("... [truncated]"))

	log.append("short", map[string]string{"note": "kept as is"})
	entries = log.tail(1)
	assert.Equal(t, "kept as is", entries[0].Details["note"])
}

func TestEventLogRecentFirst(t *testing.T) {
	log := newEventLog()
	for i := 0; i < 5; i++ {
		log.append(fmt.Sprintf("event_%d", i), nil)
	}

	entries := log.tail(3)
	require.Len(t, entries, 3)
	assert.Equal(t, "event_4", entries[0].Type)
	assert.Equal(t, "event_3", entries[1].Type)
	assert.Equal(t, "event_2", entries[2].Type)
}

func TestEventLogRingWrap(t *testing.T) {
	log := newEventLog()
	for i := 0; i < eventLogCapacity+10; i++ {
		log.append(fmt.Sprintf("event_%d", i), nil)
	}

	entries := log.tail(0)
	require.Len(t, entries, eventLogCapacity)
	assert.Equal(t, fmt.Sprintf("event_%d", eventLogCapacity+9), entries[0].Type)
	// The oldest surviving entry is the one right past the overwrite point.
	assert.Equal(t, "event_10", entries[len(entries)-1].Type)
}
