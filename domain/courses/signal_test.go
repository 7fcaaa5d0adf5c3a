package courses

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sp(s string) *string { return &s }

func TestDeriveSignalPrecedence(t *testing.T) {
	full := CourseSignalInputs{
		Summary:       sp("did the thing"),
		Error:         sp("boom"),
		LastMessage:   sp("last words"),
		LastEventType: sp("run_updated"),
	}

	signal, source := DeriveSignal(full)
	assert.Equal(t, "did the thing", signal)
	assert.Equal(t, "summary", source)

	full.Summary = nil
	signal, source = DeriveSignal(full)
	assert.Equal(t, "boom", signal)
	assert.Equal(t, "error", source)

	full.Error = sp("")
	signal, source = DeriveSignal(full)
	assert.Equal(t, "last words", signal)
	assert.Equal(t, "last_message", source)

	full.LastMessage = nil
	signal, source = DeriveSignal(full)
	assert.Equal(t, "run_updated", signal)
	assert.Equal(t, "last_event", source)

	signal, source = DeriveSignal(CourseSignalInputs{})
	assert.Empty(t, signal)
	assert.Empty(t, source)
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusSuccess, StatusFailed, StatusCancelled} {
		assert.True(t, IsTerminal(status), status)
	}
	for _, status := range []string{StatusQueued, StatusRunning, StatusWaiting, StatusDeferred} {
		assert.False(t, IsTerminal(status), status)
	}
}
