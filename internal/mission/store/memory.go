package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/mission"
)

// MemoryStore keeps missions and events in process memory. Nothing survives
// a restart; it backs tests and the memory store type.
type MemoryStore struct {
	mu        sync.RWMutex
	missions  map[string]*mission.Mission
	events    map[string][]*mission.StoredEvent
	trees     map[string]json.RawMessage
	summaries []*mission.Summary
	nextRowID int64
	closed    bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory mission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missions: make(map[string]*mission.Mission),
		events:   make(map[string][]*mission.StoredEvent),
		trees:    make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Persistent() bool { return false }

func (s *MemoryStore) ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	all := make([]*mission.Mission, 0, len(s.missions))
	for _, m := range s.missions {
		all = append(all, copyMission(m))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset >= len(all) {
		return []*mission.Mission{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	m, ok := s.missions[id]
	if !ok {
		return nil, ErrMissionNotFound
	}
	out := copyMission(m)
	out.History = s.deriveHistoryLocked(id)
	return out, nil
}

// deriveHistoryLocked builds history from the last message events.
func (s *MemoryStore) deriveHistoryLocked(id string) []mission.HistoryEntry {
	var msgs []*mission.StoredEvent
	for _, ev := range s.events[id] {
		if ev.EventType == mission.EventUserMessage || ev.EventType == mission.EventAssistantMessage {
			msgs = append(msgs, ev)
		}
	}
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	history := make([]mission.HistoryEntry, 0, len(msgs))
	for _, ev := range msgs {
		role := "user"
		if ev.EventType == mission.EventAssistantMessage {
			role = "assistant"
		}
		history = append(history, mission.HistoryEntry{Role: role, Content: ev.Content})
	}
	return history
}

func (s *MemoryStore) CreateMission(ctx context.Context, title, workspaceID, agent, modelOverride, backend string) (*mission.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	m := mission.New(title, workspaceID, agent, modelOverride, backend)
	s.missions[m.ID] = m
	return copyMission(m), nil
}

func (s *MemoryStore) UpdateMissionStatus(ctx context.Context, id string, status mission.Status, reason mission.TerminalReason) error {
	if err := validateReason(reason); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}

	now := time.Now().UTC()
	m.Status = status
	m.UpdatedAt = now
	m.Resumable = status.Resumable()
	if status == mission.StatusInterrupted || status == mission.StatusBlocked {
		t := now
		m.InterruptedAt = &t
	} else {
		m.InterruptedAt = nil
	}
	m.TerminalReason = reason
	return nil
}

func (s *MemoryStore) UpdateMissionHistory(ctx context.Context, id string, history []mission.HistoryEntry) error {
	// History is derived from events; only bump updated_at.
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMissionTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.Title = title
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMissionSessionID(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.SessionID = sessionID
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMissionDesktopSessions(ctx context.Context, id string, sessions []mission.DesktopSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.DesktopSessions = append([]mission.DesktopSession(nil), sessions...)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMissionTree(ctx context.Context, id string, tree json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	s.trees[id] = append(json.RawMessage(nil), tree...)
	return nil
}

func (s *MemoryStore) GetMissionTree(ctx context.Context, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.trees[id]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), tree...), nil
}

func (s *MemoryStore) DeleteMission(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return false, nil
	}
	delete(s.missions, id)
	delete(s.events, id)
	delete(s.trees, id)
	return true, nil
}

func (s *MemoryStore) DeleteEmptyUntitledMissionsExcluding(ctx context.Context, exclude []string) (int, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, m := range s.missions {
		if excluded[id] || m.Title != "" || len(s.events[id]) > 0 {
			continue
		}
		delete(s.missions, id)
		delete(s.trees, id)
		count++
	}
	return count, nil
}

func (s *MemoryStore) GetStaleActiveMissions(ctx context.Context, staleHours int) ([]*mission.Mission, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(staleHours) * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		if m.Status == mission.StatusActive && m.UpdatedAt.Before(cutoff) {
			out = append(out, copyMission(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		if m.Status == mission.StatusActive {
			out = append(out, copyMission(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertMissionSummary(ctx context.Context, missionID, summary string, keyFiles []string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRowID++
	s.summaries = append(s.summaries, &mission.Summary{
		ID:        s.nextRowID,
		MissionID: missionID,
		Summary:   summary,
		KeyFiles:  append([]string(nil), keyFiles...),
		Success:   success,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) LogEvent(ctx context.Context, missionID string, event *mission.AgentEvent) error {
	if !event.Persisted() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC()

	// Duplicate event_id updates the existing row in place.
	if event.EventID != "" {
		for _, ev := range s.events[missionID] {
			if ev.EventID == event.EventID {
				ev.Timestamp = now
				ev.Metadata = copyMetadata(event.Metadata)
				return nil
			}
		}
	}

	events := s.events[missionID]
	var seq int64 = 1
	if len(events) > 0 {
		seq = events[len(events)-1].Sequence + 1
	}

	s.nextRowID++
	s.events[missionID] = append(events, &mission.StoredEvent{
		ID:         s.nextRowID,
		MissionID:  missionID,
		Sequence:   seq,
		EventType:  event.Type,
		Timestamp:  now,
		EventID:    event.EventID,
		ToolCallID: event.ToolCallID,
		ToolName:   event.ToolName,
		Content:    event.Content,
		Metadata:   copyMetadata(event.Metadata),
	})
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, missionID string, eventTypes []string, limit, offset int) ([]*mission.StoredEvent, error) {
	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*mission.StoredEvent
	for _, ev := range s.events[missionID] {
		if len(wanted) > 0 && !wanted[ev.EventType] {
			continue
		}
		filtered = append(filtered, copyStoredEvent(ev))
	}

	if offset >= len(filtered) {
		return []*mission.StoredEvent{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (s *MemoryStore) GetTotalCostCents(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, events := range s.events {
		for _, ev := range events {
			if ev.EventType != mission.EventAssistantMessage {
				continue
			}
			total += costCentsFromMetadata(ev.Metadata)
		}
	}
	return total, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyMission(m *mission.Mission) *mission.Mission {
	out := *m
	if m.InterruptedAt != nil {
		t := *m.InterruptedAt
		out.InterruptedAt = &t
	}
	out.DesktopSessions = append([]mission.DesktopSession(nil), m.DesktopSessions...)
	out.History = nil
	return &out
}

func copyStoredEvent(ev *mission.StoredEvent) *mission.StoredEvent {
	out := *ev
	out.Metadata = copyMetadata(ev.Metadata)
	return &out
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// costCentsFromMetadata tolerates the numeric types cost_cents may decode to.
func costCentsFromMetadata(md map[string]any) uint64 {
	v, ok := md["cost_cents"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n > 0 {
			return uint64(n)
		}
	case int:
		if n > 0 {
			return uint64(n)
		}
	case float64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}
