package opencode

import (
	"encoding/json"
	"fmt"
	"time"
)

// SDK event types emitted on the OpenCode SSE stream.
const (
	SDKEventMessageUpdated     = "message.updated"
	SDKEventMessagePartUpdated = "message.part.updated"
	SDKEventSessionIdle        = "session.idle"
	SDKEventSessionError       = "session.error"
)

// Message part types inside message.part.updated events.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool part states.
const (
	ToolStatePending   = "pending"
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// SDKEventEnvelope is one raw event off the SSE stream.
type SDKEventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// ParseSDKEvent decodes a raw SSE data payload.
func ParseSDKEvent(data []byte) (*SDKEventEnvelope, error) {
	var event SDKEventEnvelope
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("parse SDK event: %w", err)
	}
	return &event, nil
}

// MessagePart is the payload of a message.part.updated event.
type MessagePart struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	MessageID string          `json:"messageID"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	State     *ToolState      `json:"state,omitempty"`
	Time      json.RawMessage `json:"time,omitempty"`
}

// ToolState carries the lifecycle of a tool part.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PartUpdatedProperties wraps the part in its event envelope.
type PartUpdatedProperties struct {
	Part MessagePart `json:"part"`
}

// ParsePartUpdated decodes a message.part.updated payload.
func ParsePartUpdated(properties json.RawMessage) (*PartUpdatedProperties, error) {
	var props PartUpdatedProperties
	if err := json.Unmarshal(properties, &props); err != nil {
		return nil, fmt.Errorf("parse part update: %w", err)
	}
	return &props, nil
}

// SessionErrorProperties is the payload of a session.error event.
type SessionErrorProperties struct {
	SessionID string        `json:"sessionID,omitempty"`
	Error     *SessionError `json:"error,omitempty"`
}

// SessionError is a structured server-side error.
type SessionError struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message returns the error's message field, falling back to the error name.
func (e *SessionError) Message() string {
	if len(e.Data) > 0 {
		var data struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil && data.Message != "" {
			return data.Message
		}
	}
	return e.Name
}

// ParseSessionError decodes a session.error payload.
func ParseSessionError(properties json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(properties, &props); err != nil {
		return nil, fmt.Errorf("parse session error: %w", err)
	}
	return &props, nil
}

// HealthResponse is returned by GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse is returned by POST /session.
type SessionResponse struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// ModelSpec selects a provider/model pair for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one input part of a prompt request.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of POST /session/:id/message.
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// PromptResponse is the final message returned when a prompt completes.
type PromptResponse struct {
	Info  PromptInfo    `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// PromptInfo carries completion metadata for a prompt.
type PromptInfo struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionID"`
	ModelID    string     `json:"modelID,omitempty"`
	ProviderID string     `json:"providerID,omitempty"`
	Cost       float64    `json:"cost,omitempty"`
	Error      *PromptErr `json:"error,omitempty"`
}

// PromptErr is a provider-reported prompt failure.
type PromptErr struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Text concatenates the text parts of a final response.
func (r *PromptResponse) Text() string {
	var out string
	for _, part := range r.Parts {
		if part.Type == PartTypeText {
			out += part.Text
		}
	}
	return out
}

// RunningToolInfo describes one tool still executing in a session.
type RunningToolInfo struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// SessionStatusResponse is returned by GET /session/:id/status.
type SessionStatusResponse struct {
	RunningTools []RunningToolInfo `json:"running_tools"`
}
