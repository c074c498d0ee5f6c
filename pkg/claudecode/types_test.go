package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessageParsesAssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"let me see"},
		{"type":"text","text":"answer"},
		{"type":"tool_use","id":"tu1","name":"bash","input":{"command":"ls"}}
	]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != MessageTypeAssistant || msg.SessionID != "s1" {
		t.Errorf("header = %+v", msg)
	}
	if len(msg.Message.Content) != 3 {
		t.Fatalf("blocks = %d", len(msg.Message.Content))
	}
	if msg.Message.Content[0].Type != ContentTypeThinking || msg.Message.Content[0].Thinking != "let me see" {
		t.Errorf("thinking block = %+v", msg.Message.Content[0])
	}
	if msg.Message.Content[2].Name != "bash" || msg.Message.Content[2].ID != "tu1" {
		t.Errorf("tool block = %+v", msg.Message.Content[2])
	}
}

func TestCLIMessageParsesToolResult(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu1","content":"file.txt"}
	]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	block := msg.Message.Content[0]
	if block.Type != ContentTypeToolResult || block.ToolUseID != "tu1" {
		t.Errorf("block = %+v", block)
	}
	if block.Content.(string) != "file.txt" {
		t.Errorf("content = %v", block.Content)
	}
}

func TestResultTextFallsBackToRaw(t *testing.T) {
	msg := CLIMessage{Result: json.RawMessage(`{"structured":true}`)}
	if got := msg.ResultText(); got != `{"structured":true}` {
		t.Errorf("raw fallback = %q", got)
	}

	msg = CLIMessage{}
	if got := msg.ResultText(); got != "" {
		t.Errorf("empty result = %q", got)
	}
}
