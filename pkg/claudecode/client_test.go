package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/internal/common/logger"
)

func TestClient_SendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), logger.Default())

	if err := client.SendUserMessage("hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(stdin.Bytes(), &msg); err != nil {
		t.Fatalf("parse written line: %v", err)
	}
	if msg.Type != MessageTypeUser || msg.Message.Role != "user" || msg.Message.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !bytes.HasSuffix(stdin.Bytes(), []byte("\n")) {
		t.Error("messages must be newline-delimited")
	}
}

func TestClient_ReadLoopDispatchesMessages(t *testing.T) {
	pr, pw := io.Pipe()
	client := NewClient(io.Discard, pr, logger.Default())

	var mu sync.Mutex
	var received []*CLIMessage
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	lines := []string{
		`{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","is_error":false,"total_cost_usd":0.12,"result":"done"}`,
		`not json at all`,
	}
	for _, line := range lines {
		if _, err := pw.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	_ = pw.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d messages, want 2 (bad JSON dropped)", len(received))
	}
	if received[0].Type != MessageTypeAssistant {
		t.Errorf("first type = %q", received[0].Type)
	}
	if received[0].Message.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", received[0].Message.Model)
	}
	if received[1].Type != MessageTypeResult {
		t.Errorf("second type = %q", received[1].Type)
	}
	if received[1].TotalCostUSD != 0.12 {
		t.Errorf("cost = %v", received[1].TotalCostUSD)
	}
	if received[1].ResultText() != "done" {
		t.Errorf("result text = %q", received[1].ResultText())
	}
}
