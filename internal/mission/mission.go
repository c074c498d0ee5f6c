// Package mission defines the core domain types of the control plane:
// missions, their status machine, and the events that flow through a turn.
package mission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a mission.
//
// The machine is Pending -> Active -> {Completed, Failed, Interrupted,
// Blocked, NotFeasible}. A mission stays Pending from creation until the
// control actor first dispatches a message for it; startup recovery relies
// on this to avoid misclassifying freshly created missions as orphans.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusBlocked     Status = "blocked"
	StatusNotFeasible Status = "not_feasible"
)

// ParseStatus maps a wire string onto a Status, defaulting to Pending.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed,
		StatusInterrupted, StatusBlocked, StatusNotFeasible:
		return Status(s)
	default:
		return StatusPending
	}
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed,
		StatusInterrupted, StatusBlocked, StatusNotFeasible:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusBlocked, StatusNotFeasible:
		return true
	default:
		return false
	}
}

// Resumable reports whether missions in this status can be resumed.
// Interrupted and Blocked missions always are; Failed missions are too
// because their usual terminal reason (an LLM/API error) is transient.
func (s Status) Resumable() bool {
	switch s {
	case StatusInterrupted, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// TerminalReason records why a mission reached a terminal status.
// The set is closed: stores reject unknown values on write.
type TerminalReason string

const (
	ReasonCompleted         TerminalReason = "Completed"
	ReasonLlmError          TerminalReason = "LlmError"
	ReasonStalled           TerminalReason = "Stalled"
	ReasonCancelled         TerminalReason = "Cancelled"
	ReasonOrphanedOnStartup TerminalReason = "OrphanedOnStartup"
	ReasonInfeasible        TerminalReason = "Infeasible"
	ReasonBlocked           TerminalReason = "Blocked"
)

// ValidTerminalReason reports whether r is a member of the closed reason set.
func ValidTerminalReason(r TerminalReason) bool {
	switch r {
	case ReasonCompleted, ReasonLlmError, ReasonStalled, ReasonCancelled,
		ReasonOrphanedOnStartup, ReasonInfeasible, ReasonBlocked:
		return true
	default:
		return false
	}
}

// ErrUnknownTerminalReason is returned by stores on write of a reason
// outside the closed set.
var ErrUnknownTerminalReason = fmt.Errorf("unknown terminal reason")

// HistoryEntry is one turn of the derived conversation history.
type HistoryEntry struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// DesktopSession is bookkeeping for a virtual desktop attached to a mission.
// Lifecycle is owned by an external cleanup task; the control plane only
// round-trips this data.
type DesktopSession struct {
	Display        string     `json:"display"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	KeepAliveUntil *time.Time `json:"keep_alive_until,omitempty"`
	MissionID      string     `json:"mission_id"`
}

// Mission is a persistent goal-oriented conversation with a backend.
type Mission struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	Title         string `json:"title,omitempty"`
	WorkspaceID   string `json:"workspace_id"`
	Agent         string `json:"agent,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
	// Backend tag: "opencode", "claudecode", or "amp".
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// InterruptedAt is set while Status is Interrupted or Blocked.
	InterruptedAt *time.Time `json:"interrupted_at,omitempty"`
	Resumable     bool       `json:"resumable"`
	// SessionID is assigned at creation; adapters that mint their own ids
	// overwrite it exactly once on first backend acknowledgement.
	SessionID       string           `json:"session_id,omitempty"`
	TerminalReason  TerminalReason   `json:"terminal_reason,omitempty"`
	DesktopSessions []DesktopSession `json:"desktop_sessions,omitempty"`
	// History is derived from the event log, never written independently.
	History []HistoryEntry `json:"history,omitempty"`
}

// DefaultWorkspaceID is the host workspace used when none is specified.
const DefaultWorkspaceID = "00000000-0000-0000-0000-000000000000"

// DefaultBackend is the backend tag used when none is specified.
const DefaultBackend = "opencode"

// New returns a fresh Pending mission with generated mission and session ids.
func New(title, workspaceID, agent, modelOverride, backend string) *Mission {
	now := time.Now().UTC()
	if workspaceID == "" {
		workspaceID = DefaultWorkspaceID
	}
	if backend == "" {
		backend = DefaultBackend
	}
	return &Mission{
		ID:            uuid.New().String(),
		Status:        StatusPending,
		Title:         title,
		WorkspaceID:   workspaceID,
		Agent:         agent,
		ModelOverride: modelOverride,
		Backend:       backend,
		CreatedAt:     now,
		UpdatedAt:     now,
		SessionID:     uuid.New().String(),
	}
}

// Summary is an append-only post-mortem record for a mission.
type Summary struct {
	ID        int64     `json:"id"`
	MissionID string    `json:"mission_id"`
	Summary   string    `json:"summary"`
	KeyFiles  []string  `json:"key_files,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}
