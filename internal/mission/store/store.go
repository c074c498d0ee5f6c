// Package store provides mission persistence with pluggable backends.
//
// Three backends implement the same interface: memory (ephemeral, tests),
// file (single JSON snapshot, legacy local mode), and sqlite (authoritative,
// with full event logging and content spill-to-file).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sandboxd/sandboxd/internal/mission"
)

// Common errors returned by store implementations.
var (
	ErrMissionNotFound = errors.New("mission not found")
	ErrStoreClosed     = errors.New("mission store is closed")
)

// Store is the mission persistence interface.
type Store interface {
	// Persistent reports whether data survives a process restart.
	Persistent() bool

	// ListMissions returns missions ordered by updated_at descending.
	// History is not populated; use GetMission for that.
	ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error)

	// GetMission returns a mission with its derived history (the last 200
	// message events). Returns ErrMissionNotFound if the id is unknown.
	GetMission(ctx context.Context, id string) (*mission.Mission, error)

	// CreateMission allocates a new mission in Pending status with fresh
	// mission and session ids.
	CreateMission(ctx context.Context, title, workspaceID, agent, modelOverride, backend string) (*mission.Mission, error)

	// UpdateMissionStatus transitions a mission and stamps updated_at.
	// interrupted_at and resumable are derived from the new status; the
	// terminal reason is persisted verbatim and must be a member of the
	// closed reason set (or empty).
	UpdateMissionStatus(ctx context.Context, id string, status mission.Status, reason mission.TerminalReason) error

	// UpdateMissionHistory only touches updated_at: history is derived from
	// the event log and never written independently.
	UpdateMissionHistory(ctx context.Context, id string, history []mission.HistoryEntry) error

	// UpdateMissionTitle sets the title.
	UpdateMissionTitle(ctx context.Context, id, title string) error

	// UpdateMissionSessionID records an adapter-reported session id.
	UpdateMissionSessionID(ctx context.Context, id, sessionID string) error

	// UpdateMissionDesktopSessions replaces the desktop session bookkeeping.
	UpdateMissionDesktopSessions(ctx context.Context, id string, sessions []mission.DesktopSession) error

	// UpdateMissionTree stores the opaque agent tree document.
	UpdateMissionTree(ctx context.Context, id string, tree json.RawMessage) error

	// GetMissionTree returns the stored tree, or nil if none.
	GetMissionTree(ctx context.Context, id string) (json.RawMessage, error)

	// DeleteMission removes a mission and its events. Returns false if the
	// id was unknown.
	DeleteMission(ctx context.Context, id string) (bool, error)

	// DeleteEmptyUntitledMissionsExcluding compacts placeholder missions:
	// untitled, with no logged events, and not in the exclusion set.
	// Returns the number deleted.
	DeleteEmptyUntitledMissionsExcluding(ctx context.Context, exclude []string) (int, error)

	// GetStaleActiveMissions returns Active missions not updated for at
	// least staleHours hours.
	GetStaleActiveMissions(ctx context.Context, staleHours int) ([]*mission.Mission, error)

	// GetAllActiveMissions returns missions with status Active. Used by
	// startup recovery; Pending missions never appear here.
	GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error)

	// InsertMissionSummary appends a post-mortem summary row.
	InsertMissionSummary(ctx context.Context, missionID, summary string, keyFiles []string, success bool) error

	// LogEvent appends an event with the next sequence number. Events
	// carrying an event_id that already exists for the mission update the
	// stored row in place instead of inserting a duplicate. Non-persisted
	// event types are ignored.
	LogEvent(ctx context.Context, missionID string, event *mission.AgentEvent) error

	// GetEvents returns events ordered by sequence ascending, optionally
	// filtered by type, with spilled content stitched back in.
	GetEvents(ctx context.Context, missionID string, eventTypes []string, limit, offset int) ([]*mission.StoredEvent, error)

	// GetTotalCostCents sums cost_cents metadata across all
	// assistant_message events.
	GetTotalCostCents(ctx context.Context) (uint64, error)

	// Close releases underlying resources.
	Close() error
}

// historyLimit is how many trailing message events make up derived history.
const historyLimit = 200

// validateReason rejects terminal reasons outside the closed set.
func validateReason(reason mission.TerminalReason) error {
	if reason == "" {
		return nil
	}
	if !mission.ValidTerminalReason(reason) {
		return mission.ErrUnknownTerminalReason
	}
	return nil
}

// SanitizeFilename keeps alphanumerics, dashes and underscores, replacing
// everything else; used for per-user database and content directory names.
func SanitizeFilename(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
