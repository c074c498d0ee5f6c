package opencode

import (
	"encoding/json"
	"testing"
)

func TestParseSDKEvent(t *testing.T) {
	data := []byte(`{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s1","type":"text","text":"hello"}}}`)
	event, err := ParseSDKEvent(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.Type != SDKEventMessagePartUpdated {
		t.Errorf("type = %q", event.Type)
	}

	props, err := ParsePartUpdated(event.Properties)
	if err != nil {
		t.Fatalf("parse part: %v", err)
	}
	if props.Part.SessionID != "s1" || props.Part.Text != "hello" {
		t.Errorf("part = %+v", props.Part)
	}
}

func TestParseSDKEventInvalid(t *testing.T) {
	if _, err := ParseSDKEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestToolPartStates(t *testing.T) {
	data := []byte(`{"part":{"id":"p2","sessionID":"s1","type":"tool","tool":"bash","callID":"c1","state":{"status":"running","input":{"cmd":"ls"}}}}`)
	props, err := ParsePartUpdated(data)
	if err != nil {
		t.Fatal(err)
	}
	if props.Part.Type != PartTypeTool || props.Part.Tool != "bash" {
		t.Errorf("part = %+v", props.Part)
	}
	if props.Part.State.Status != ToolStateRunning {
		t.Errorf("state = %q", props.Part.State.Status)
	}
}

func TestSessionErrorMessage(t *testing.T) {
	e := &SessionError{Name: "ProviderAuthError", Data: json.RawMessage(`{"message":"bad key"}`)}
	if got := e.Message(); got != "bad key" {
		t.Errorf("message = %q", got)
	}

	e = &SessionError{Name: "UnknownError"}
	if got := e.Message(); got != "UnknownError" {
		t.Errorf("fallback message = %q", got)
	}
}

func TestPromptResponseText(t *testing.T) {
	resp := &PromptResponse{
		Parts: []MessagePart{
			{Type: PartTypeText, Text: "first "},
			{Type: PartTypeReasoning, Text: "ignored"},
			{Type: PartTypeText, Text: "second"},
		},
	}
	if got := resp.Text(); got != "first second" {
		t.Errorf("text = %q", got)
	}
}
