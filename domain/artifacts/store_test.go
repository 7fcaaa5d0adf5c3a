package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/apperror"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{}
	cfg.Artifacts.DataDir = t.TempDir()
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestCreateLaysOutCommisDirectory(t *testing.T) {
	s := newTestStore(t)

	commisID, err := s.Create("Calculate the Q3 totals, please!", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)

	// {ISO ts}_{slug}_{6 hex}
	parts := strings.Split(commisID, "_")
	require.GreaterOrEqual(t, len(parts), 3)
	assert.Len(t, parts[len(parts)-1], 6)
	assert.Contains(t, commisID, "calculate-the-q3-totals")

	meta, err := s.GetMetadata(commisID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", meta.Status)
	assert.Equal(t, "owner-1", meta.Config["owner_id"])

	entries, err := s.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, commisID, entries[0].CommisID)
}

func TestSlugTruncatesToThirtyChars(t *testing.T) {
	slug := slugify("A very long task description that should certainly be cut off somewhere")
	assert.LessOrEqual(t, len(slug), 30)
	assert.NotContains(t, slug, " ")
}

func TestOwnershipEnforcedOnMetadata(t *testing.T) {
	s := newTestStore(t)
	commisID, err := s.Create("task", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)

	_, err = s.GetMetadata(commisID, "owner-2")
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 404, appErr.HTTPStatus)
}

func TestLifecycleStartCompleteAndSummary(t *testing.T) {
	s := newTestStore(t)
	commisID, err := s.Create("task", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)

	require.NoError(t, s.Start(commisID))
	require.NoError(t, s.SaveResult(commisID, "42"))
	require.NoError(t, s.Complete(commisID, "success", nil))
	require.NoError(t, s.UpdateSummary(commisID, "the answer", map[string]any{"source": "derived"}))

	meta, err := s.GetMetadata(commisID, "")
	require.NoError(t, err)
	assert.Equal(t, "success", meta.Status)
	require.NotNil(t, meta.StartedAt)
	require.NotNil(t, meta.FinishedAt)
	require.NotNil(t, meta.DurationMs)
	require.NotNil(t, meta.Summary)
	assert.Equal(t, "the answer", *meta.Summary)

	// Summary write never touches the canonical result.
	result, err := s.GetResult(commisID)
	require.NoError(t, err)
	assert.Equal(t, "42", result)

	entries, err := s.List(ListFilter{Status: "success"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadFileRejectsEscapes(t *testing.T) {
	s := newTestStore(t)
	commisID, err := s.Create("task", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)

	for _, path := range []string{"../other/metadata.json", "tool_calls/../../x", "/etc/passwd", ""} {
		_, err := s.ReadFile(commisID, path)
		require.Error(t, err, "path %q must be rejected", path)
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, 400, appErr.HTTPStatus, "path %q", path)
	}

	// A legitimate relative read still works.
	require.NoError(t, s.SaveToolOutput(commisID, 1, "current_time", "{}"))
	data, err := s.ReadFile(commisID, "tool_calls/001_current-time.txt")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestSaveArtifactAndThreadLog(t *testing.T) {
	s := newTestStore(t)
	commisID, err := s.Create("task", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)

	require.NoError(t, s.SaveArtifact(commisID, "diff.patch", []byte("--- a\n+++ b\n")))
	require.Error(t, s.SaveArtifact(commisID, "../diff.patch", []byte("nope")))

	require.NoError(t, s.SaveMessage(commisID, map[string]string{"role": "user", "content": "hi"}))
	require.NoError(t, s.SaveMessage(commisID, map[string]string{"role": "assistant", "content": "hello"}))

	raw, err := os.ReadFile(filepath.Join(s.root, commisID, "thread.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Create("alpha", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)
	_, err = s.Create("beta", map[string]any{"owner_id": "owner-2"})
	require.NoError(t, err)

	mine, err := s.List(ListFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a, mine[0].CommisID)

	future := time.Now().Add(time.Hour)
	none, err := s.List(ListFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.List(ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearchFindsMatchesWithContext(t *testing.T) {
	s := newTestStore(t)
	commisID, err := s.Create("task", map[string]any{"owner_id": "owner-1"})
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(commisID, "line one\nthe answer is 42\nline three"))

	hits, err := s.Search(`answer is \d+`, "result.txt", []string{commisID}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, commisID, hits[0].CommisID)
	assert.Equal(t, "result.txt", hits[0].File)
	assert.Equal(t, 2, hits[0].Line)
	assert.Contains(t, hits[0].Match, "42")
	assert.Len(t, hits[0].Context, 3)

	_, err = s.Search(`[invalid`, "*", nil, 0)
	require.Error(t, err)
}
