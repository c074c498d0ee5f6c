package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxd/sandboxd/internal/mission"
)

// FileStore is the legacy single-file JSON backend. Missions survive a
// restart as a snapshot; the event log rides on the in-memory store and is
// rebuilt empty after a restart (the file format predates event logging).
type FileStore struct {
	*MemoryStore
	path string
}

var _ Store = (*FileStore)(nil)

type fileSnapshot struct {
	Missions []*mission.Mission `json:"missions"`
}

// NewFileStore loads (or creates) the per-user missions JSON file under baseDir.
func NewFileStore(baseDir, userID string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mission store dir: %w", err)
	}
	path := filepath.Join(baseDir, fmt.Sprintf("missions-%s.json", SanitizeFilename(userID)))

	s := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read mission snapshot: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse mission snapshot: %w", err)
	}
	for _, m := range snap.Missions {
		s.missions[m.ID] = m
	}
	return s, nil
}

func (s *FileStore) Persistent() bool { return true }

// save writes the mission snapshot atomically (write temp, rename).
func (s *FileStore) save() error {
	s.mu.RLock()
	snap := fileSnapshot{Missions: make([]*mission.Mission, 0, len(s.missions))}
	for _, m := range s.missions {
		snap.Missions = append(snap.Missions, copyMission(m))
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mission snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mission snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace mission snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) CreateMission(ctx context.Context, title, workspaceID, agent, modelOverride, backend string) (*mission.Mission, error) {
	m, err := s.MemoryStore.CreateMission(ctx, title, workspaceID, agent, modelOverride, backend)
	if err != nil {
		return nil, err
	}
	return m, s.save()
}

func (s *FileStore) UpdateMissionStatus(ctx context.Context, id string, status mission.Status, reason mission.TerminalReason) error {
	if err := s.MemoryStore.UpdateMissionStatus(ctx, id, status, reason); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) UpdateMissionTitle(ctx context.Context, id, title string) error {
	if err := s.MemoryStore.UpdateMissionTitle(ctx, id, title); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) UpdateMissionSessionID(ctx context.Context, id, sessionID string) error {
	if err := s.MemoryStore.UpdateMissionSessionID(ctx, id, sessionID); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) UpdateMissionDesktopSessions(ctx context.Context, id string, sessions []mission.DesktopSession) error {
	if err := s.MemoryStore.UpdateMissionDesktopSessions(ctx, id, sessions); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) DeleteMission(ctx context.Context, id string) (bool, error) {
	deleted, err := s.MemoryStore.DeleteMission(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	return true, s.save()
}

func (s *FileStore) DeleteEmptyUntitledMissionsExcluding(ctx context.Context, exclude []string) (int, error) {
	count, err := s.MemoryStore.DeleteEmptyUntitledMissionsExcluding(ctx, exclude)
	if err != nil || count == 0 {
		return count, err
	}
	return count, s.save()
}
