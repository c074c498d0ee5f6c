package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/mission"
)

func newTestSQLiteStore(t *testing.T, spill int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteOptions{
		BaseDir:        t.TempDir(),
		UserID:         "test-user",
		SpillThreshold: spill,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_CreateGetRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "Fix the build", "ws-1", "code-reviewer", "anthropic/claude-sonnet-4", "claudecode")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPending, m.Status)

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix the build", got.Title)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "code-reviewer", got.Agent)
	assert.Equal(t, "anthropic/claude-sonnet-4", got.ModelOverride)
	assert.Equal(t, "claudecode", got.Backend)
	assert.Equal(t, m.SessionID, got.SessionID)
	assert.Equal(t, mission.StatusPending, got.Status)

	_, err = s.GetMission(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrMissionNotFound)
}

func TestSQLiteStore_ListOrderedByUpdatedAt(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	first, err := s.CreateMission(ctx, "first", "", "", "", "")
	require.NoError(t, err)
	second, err := s.CreateMission(ctx, "second", "", "", "", "")
	require.NoError(t, err)

	// Touch the first so it becomes most recent.
	require.NoError(t, s.UpdateMissionTitle(ctx, first.ID, "first (renamed)"))

	missions, err := s.ListMissions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, missions, 2)
	assert.Equal(t, first.ID, missions[0].ID)
	assert.Equal(t, second.ID, missions[1].ID)
}

func TestSQLiteStore_EventSequenceAndReplay(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "u1", "hello")))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewToolCallEvent(m.ID, "call-1", "bash", `{"cmd":"ls"}`)))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewToolResultEvent(m.ID, "call-1", "bash", "file.txt")))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewAssistantMessageEvent(m.ID, "done", true, 12, "anthropic/claude-sonnet-4", false)))

	events, err := s.GetEvents(ctx, m.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence must be gap-free")
	}
	assert.Equal(t, mission.EventUserMessage, events[0].EventType)
	assert.Equal(t, "call-1", events[1].ToolCallID)
	assert.Equal(t, "bash", events[1].ToolName)

	// Type filter.
	toolEvents, err := s.GetEvents(ctx, m.ID, []string{mission.EventToolCall, mission.EventToolResult}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, toolEvents, 2)

	// Metadata round-trips.
	assistant := events[3]
	assert.Equal(t, true, assistant.Metadata["success"])
	assert.Equal(t, float64(12), assistant.Metadata["cost_cents"])
	assert.Equal(t, "anthropic/claude-sonnet-4", assistant.Metadata["model"])
}

func TestSQLiteStore_DuplicateEventIDUpdatesInPlace(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "evt-X", "a")))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "evt-X", "a")))

	events, err := s.GetEvents(ctx, m.ID, []string{mission.EventUserMessage}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Content)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestSQLiteStore_ContentSpillBoundary(t *testing.T) {
	const threshold = 512
	s := newTestSQLiteStore(t, threshold)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	small := strings.Repeat("a", threshold-1)
	large := strings.Repeat("b", threshold+1)

	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewThinkingEvent(m.ID, small, false)))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewThinkingEvent(m.ID, large, false)))

	events, err := s.GetEvents(ctx, m.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, small, events[0].Content, "content below threshold round-trips inline")
	assert.Equal(t, large, events[1].Content, "content above threshold round-trips via spill file")

	// The large event's payload must exist as a side file.
	eventsDir := filepath.Join(s.contentDir, m.ID, "events")
	entries, err := os.ReadDir(eventsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "event_2_thinking")
}

func TestSQLiteStore_HistoryDerivedFromEvents(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "u1", "question")))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewThinkingEvent(m.ID, "pondering", false)))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewAssistantMessageEvent(m.ID, "answer", true, 0, "", false)))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "user", got.History[0].Role)
	assert.Equal(t, "question", got.History[0].Content)
	assert.Equal(t, "assistant", got.History[1].Role)
	assert.Equal(t, "answer", got.History[1].Content)
}

func TestSQLiteStore_ActiveAndStaleQueries(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	pending, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)
	active, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)
	completed, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateMissionStatus(ctx, active.ID, mission.StatusActive, ""))
	require.NoError(t, s.UpdateMissionStatus(ctx, completed.ID, mission.StatusCompleted, mission.ReasonCompleted))

	got, err := s.GetAllActiveMissions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	// Freshly updated missions are never stale.
	stale, err := s.GetStaleActiveMissions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, stale)

	_ = pending
}

func TestSQLiteStore_RejectsUnknownTerminalReason(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	err = s.UpdateMissionStatus(ctx, m.ID, mission.StatusFailed, mission.TerminalReason("Mystery"))
	assert.ErrorIs(t, err, mission.ErrUnknownTerminalReason)
}

func TestSQLiteStore_DeleteMissionCascades(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "u", "x")))

	deleted, err := s.DeleteMission(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	events, err := s.GetEvents(ctx, m.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	deleted, err = s.DeleteMission(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteStore_TotalCost(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewAssistantMessageEvent(m.ID, "a", true, 12, "", false)))
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewAssistantMessageEvent(m.ID, "b", false, 8, "", true)))

	total, err := s.GetTotalCostCents(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), total)
}

func TestSQLiteStore_MissionTreeRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "", "", "", "", "")
	require.NoError(t, err)

	tree, err := s.GetMissionTree(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, tree)

	doc := []byte(`{"id":"root","children":[]}`)
	require.NoError(t, s.UpdateMissionTree(ctx, m.ID, doc))

	tree, err = s.GetMissionTree(ctx, m.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(tree))
}

func TestSQLiteStore_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	open := func() *SQLiteStore {
		s, err := NewSQLiteStore(SQLiteOptions{BaseDir: dir, UserID: "u"})
		require.NoError(t, err)
		return s
	}

	s := open()
	ctx := context.Background()
	m, err := s.CreateMission(ctx, "survives", "", "", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs schema + migrations again against the same file.
	s = open()
	defer func() { _ = s.Close() }()
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives", got.Title)
}
