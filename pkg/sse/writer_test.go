package sse

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSetsStreamHeadersOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 200, rec.Code)
}

func TestWriteEventFrameShape(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())

	require.NoError(t, w.WriteEvent("concierge_complete", map[string]any{
		"type":    "concierge_complete",
		"payload": map[string]any{"course_id": "c1"},
	}))

	body := rec.Body.String()
	assert.Contains(t, body, "event: concierge_complete\n")
	assert.Contains(t, body, `data: {"payload":{"course_id":"c1"},"type":"concierge_complete"}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestWriteEventWithoutNameOmitsEventLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())

	require.NoError(t, w.WriteEvent("", map[string]string{"ok": "yes"}))
	assert.NotContains(t, rec.Body.String(), "event:")
	assert.Contains(t, rec.Body.String(), `data: {"ok":"yes"}`)
}

func TestWriteCommentKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())

	require.NoError(t, w.WriteComment("keep-alive"))
	assert.Contains(t, rec.Body.String(), ": keep-alive\n\n")
}

func TestClosedWriterRejectsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())

	w.Close()
	assert.True(t, w.IsClosed())
	assert.Error(t, w.WriteEvent("heartbeat", map[string]any{}))
	assert.Error(t, w.WriteComment("late"))
}

func TestWriteEventRejectsUnmarshalableData(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())

	assert.Error(t, w.WriteEvent("bad", map[string]any{"fn": func() {}}))
}
