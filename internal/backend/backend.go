// Package backend abstracts the streaming coding-agent backends the control
// plane drives. The actor only depends on this interface; adapters for
// OpenCode, Claude Code, and Amp live behind it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/mission"
)

// ErrUnknownBackend is returned by the registry for unregistered tags.
var ErrUnknownBackend = errors.New("unknown backend")

// SendRequest carries one user turn to a backend session.
type SendRequest struct {
	SessionID    string
	WorkspaceDir string
	Content      string
	// Model optionally overrides the backend's default (provider/model form).
	Model string
	// Agent optionally names a library agent persona.
	Agent string
}

// FinalResponse is the terminal result of one SendMessage call.
type FinalResponse struct {
	Content   string
	Model     string
	CostCents uint64
	Success   bool
	// Err carries a provider-reported error message, if any.
	Err string
	// SessionID is set when the adapter minted its own session id (Amp
	// threads); the store records it exactly once.
	SessionID string
	// TerminalReason is set when the backend explicitly signalled that the
	// mission should terminate (for example via a complete_mission tool).
	TerminalReason mission.TerminalReason
}

// RunningTool is one tool the backend reports as still executing.
type RunningTool struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// SessionStatus is the stall detector's probe result.
type SessionStatus struct {
	RunningTools []RunningTool `json:"running_tools"`
}

// Stream is the live event feed of one in-flight turn.
type Stream struct {
	// Events delivers backend events in order; closed when the turn ends.
	Events <-chan *mission.AgentEvent

	wait func() (*FinalResponse, error)
}

// NewStream pairs an event channel with a completion callback.
func NewStream(events <-chan *mission.AgentEvent, wait func() (*FinalResponse, error)) *Stream {
	return &Stream{Events: events, wait: wait}
}

// Wait blocks until the turn finishes and returns its final response. It
// must be called after Events is drained (or abandoned).
func (s *Stream) Wait() (*FinalResponse, error) {
	return s.wait()
}

// Session is a stateful conversation with one backend process.
type Session interface {
	// CreateSession establishes (or adopts) a backend session for the given
	// workspace. Idempotent per mission: the preassigned session id may be
	// adopted, or the adapter's own id returned.
	CreateSession(ctx context.Context, workspaceDir, title string) (string, error)

	// SendMessage dispatches one user turn and returns its event stream.
	SendMessage(ctx context.Context, req SendRequest) (*Stream, error)

	// Abort cancels the in-flight operation, best-effort. Safe to call on a
	// completed session.
	Abort(ctx context.Context, sessionID, workspaceDir string) error

	// Status reports which tools the backend still considers running; used
	// by the stall detector to distinguish idle from stuck.
	Status(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// Registry maps backend tags to their adapters.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Session
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Session)}
}

// Register adds or replaces the adapter for a tag.
func (r *Registry) Register(tag string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[tag] = session
}

// Get resolves a tag to its adapter.
func (r *Registry) Get(tag string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.backends[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, tag)
	}
	return s, nil
}

// Tags lists the registered backend tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.backends))
	for tag := range r.backends {
		tags = append(tags, tag)
	}
	return tags
}
