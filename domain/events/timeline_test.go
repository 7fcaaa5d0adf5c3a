package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(eventType string, at time.Time) *Event {
	return &Event{CourseID: "c1", EventType: eventType, Payload: map[string]any{}, CreatedAt: at}
}

func TestDeriveTimelineOffsetsAndSummary(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	evs := []*Event{
		ev(TypeConciergeStarted, base),
		ev(TypeCommisSpawned, base.Add(250*time.Millisecond)),
		ev(TypeCommisStarted, base.Add(300*time.Millisecond)),
		ev(TypeToolStarted, base.Add(400*time.Millisecond)),
		ev(TypeToolCompleted, base.Add(900*time.Millisecond)),
		ev(TypeCommisComplete, base.Add(1200*time.Millisecond)),
		ev(TypeConciergeComplete, base.Add(1500*time.Millisecond)),
	}

	tl := DeriveTimeline(evs)
	require.Len(t, tl.Events, 7)

	// Offsets are monotone from the earliest event.
	var prev int64 = -1
	for _, te := range tl.Events {
		assert.GreaterOrEqual(t, te.OffsetMs, prev)
		prev = te.OffsetMs
	}
	assert.Equal(t, int64(0), tl.Events[0].OffsetMs)
	assert.Equal(t, int64(1500), tl.Events[6].OffsetMs)

	require.NotNil(t, tl.Summary.ConciergeThinkingMs)
	assert.Equal(t, int64(250), *tl.Summary.ConciergeThinkingMs)
	require.NotNil(t, tl.Summary.CommisExecutionMs)
	assert.Equal(t, int64(950), *tl.Summary.CommisExecutionMs)
	require.NotNil(t, tl.Summary.ToolExecutionMs)
	assert.Equal(t, int64(500), *tl.Summary.ToolExecutionMs)
}

func TestDeriveTimelineMissingPhasesYieldNil(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tl := DeriveTimeline([]*Event{
		ev(TypeConciergeStarted, base),
		ev(TypeConciergeComplete, base.Add(100*time.Millisecond)),
	})

	assert.Nil(t, tl.Summary.ConciergeThinkingMs)
	assert.Nil(t, tl.Summary.CommisExecutionMs)
	assert.Nil(t, tl.Summary.ToolExecutionMs)
}

func TestDeriveTimelineEmpty(t *testing.T) {
	tl := DeriveTimeline(nil)
	assert.Empty(t, tl.Events)
	assert.Nil(t, tl.Summary.ConciergeThinkingMs)
}

func TestToolWindowUsesLastToolTermination(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tl := DeriveTimeline([]*Event{
		ev(TypeToolStarted, base),
		ev(TypeToolCompleted, base.Add(100*time.Millisecond)),
		ev(TypeToolStarted, base.Add(200*time.Millisecond)),
		ev(TypeToolFailed, base.Add(700*time.Millisecond)),
	})

	require.NotNil(t, tl.Summary.ToolExecutionMs)
	assert.Equal(t, int64(700), *tl.Summary.ToolExecutionMs)
}
