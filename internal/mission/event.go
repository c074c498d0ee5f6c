package mission

import (
	"time"

	"github.com/google/uuid"
)

// Event type tags. The first group is persisted to the event log; the
// second is low-value telemetry that only travels over the bus.
const (
	EventStatus               = "status"
	EventUserMessage          = "user_message"
	EventAssistantMessage     = "assistant_message"
	EventThinking             = "thinking"
	EventToolCall             = "tool_call"
	EventToolResult           = "tool_result"
	EventError                = "error"
	EventMissionStatusChanged = "mission_status_changed"

	EventTextDelta = "text_delta"
	EventHeartbeat = "heartbeat"
	EventAgentTree = "agent_tree"
)

// RunState describes what the control actor is doing, reported in status events.
type RunState string

const (
	RunStateIdle           RunState = "idle"
	RunStateRunning        RunState = "running"
	RunStateWaitingForTool RunState = "waiting_for_tool"
)

// AgentEvent is one observable occurrence during a mission, broadcast to
// subscribers and (for persisted types) appended to the event log.
type AgentEvent struct {
	Type      string    `json:"type"`
	MissionID string    `json:"mission_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// EventID is an idempotency key for user/assistant messages: logging a
	// second event with the same id updates the stored row in place.
	EventID    string         `json:"event_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content,omitempty"`
	Done       bool           `json:"done,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Persisted reports whether this event type is written to the event log.
// Telemetry types (text deltas, heartbeats, tree snapshots) and status
// frames are bus-only.
func (e *AgentEvent) Persisted() bool {
	switch e.Type {
	case EventUserMessage, EventAssistantMessage, EventThinking,
		EventToolCall, EventToolResult, EventError, EventMissionStatusChanged:
		return true
	default:
		return false
	}
}

func newEvent(eventType, missionID string) *AgentEvent {
	return &AgentEvent{
		Type:      eventType,
		MissionID: missionID,
		Timestamp: time.Now().UTC(),
	}
}

// NewStatusEvent reports the actor's run state and queue depth.
func NewStatusEvent(missionID string, state RunState, queueLen int) *AgentEvent {
	ev := newEvent(EventStatus, missionID)
	ev.Metadata = map[string]any{"state": string(state), "queue_len": queueLen}
	return ev
}

// NewUserMessageEvent wraps a user message; id doubles as the idempotency key.
func NewUserMessageEvent(missionID, id, content string) *AgentEvent {
	ev := newEvent(EventUserMessage, missionID)
	ev.EventID = id
	ev.Content = content
	return ev
}

// NewAssistantMessageEvent wraps the final assistant response of a turn.
func NewAssistantMessageEvent(missionID, content string, success bool, costCents uint64, model string, resumable bool) *AgentEvent {
	ev := newEvent(EventAssistantMessage, missionID)
	ev.EventID = uuid.New().String()
	ev.Content = content
	ev.Metadata = map[string]any{
		"success":    success,
		"cost_cents": costCents,
		"resumable":  resumable,
	}
	if model != "" {
		ev.Metadata["model"] = model
	}
	return ev
}

// NewThinkingEvent wraps incremental reasoning output.
func NewThinkingEvent(missionID, content string, done bool) *AgentEvent {
	ev := newEvent(EventThinking, missionID)
	ev.Content = content
	ev.Done = done
	return ev
}

// NewToolCallEvent wraps a tool invocation surfaced by the backend.
func NewToolCallEvent(missionID, toolCallID, name, args string) *AgentEvent {
	ev := newEvent(EventToolCall, missionID)
	ev.ToolCallID = toolCallID
	ev.ToolName = name
	ev.Content = args
	return ev
}

// NewToolResultEvent wraps a tool result.
func NewToolResultEvent(missionID, toolCallID, name, result string) *AgentEvent {
	ev := newEvent(EventToolResult, missionID)
	ev.ToolCallID = toolCallID
	ev.ToolName = name
	ev.Content = result
	return ev
}

// NewErrorEvent wraps a user-visible error message.
func NewErrorEvent(missionID, message string) *AgentEvent {
	ev := newEvent(EventError, missionID)
	ev.Content = message
	return ev
}

// NewMissionStatusChangedEvent announces a status transition.
func NewMissionStatusChangedEvent(missionID string, status Status, summary string) *AgentEvent {
	ev := newEvent(EventMissionStatusChanged, missionID)
	ev.Metadata = map[string]any{"status": string(status)}
	if summary != "" {
		ev.Metadata["summary"] = summary
	}
	return ev
}

// NewTextDeltaEvent wraps a streaming text fragment (bus-only).
func NewTextDeltaEvent(missionID, delta string) *AgentEvent {
	ev := newEvent(EventTextDelta, missionID)
	ev.Content = delta
	return ev
}

// StoredEvent is a persisted event row with its sequence number and the
// content stitched back in regardless of inline-vs-spilled storage.
type StoredEvent struct {
	ID         int64          `json:"id"`
	MissionID  string         `json:"mission_id"`
	Sequence   int64          `json:"sequence"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	EventID    string         `json:"event_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
