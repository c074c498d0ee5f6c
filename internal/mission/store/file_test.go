package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/mission"
)

func TestFileStore_MissionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, "alice")
	require.NoError(t, err)

	m, err := s.CreateMission(ctx, "persists", "", "", "", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, mission.StatusActive, ""))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir, "alice")
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "persists", got.Title)
	assert.Equal(t, mission.StatusActive, got.Status)
}

func TestFileStore_IsolatedPerUser(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	alice, err := NewFileStore(dir, "alice")
	require.NoError(t, err)
	bob, err := NewFileStore(dir, "bob")
	require.NoError(t, err)

	m, err := alice.CreateMission(ctx, "private", "", "", "", "")
	require.NoError(t, err)

	_, err = bob.GetMission(ctx, m.ID)
	assert.ErrorIs(t, err, ErrMissionNotFound)
}

func TestFileStore_EventLogIsTransient(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, "alice")
	require.NoError(t, err)

	m, err := s.CreateMission(ctx, "with events", "", "", "", "")
	require.NoError(t, err)
	require.NoError(t, s.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "u1", "hi")))

	events, err := s.GetEvents(ctx, m.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	require.NoError(t, s.Close())

	// The snapshot format predates event logging: events do not survive.
	reopened, err := NewFileStore(dir, "alice")
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	events, err = reopened.GetEvents(ctx, m.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
