package amp

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/internal/common/logger"
)

func TestMessageCostPrefersClaudeCodeField(t *testing.T) {
	m := &Message{CostUSD: 0.05, TotalCostUSD: 0.25}
	if got := m.GetCostUSD(); got != 0.25 {
		t.Errorf("cost = %v, want total_cost_usd", got)
	}

	m = &Message{CostUSD: 0.05}
	if got := m.GetCostUSD(); got != 0.05 {
		t.Errorf("cost = %v, want cost_usd fallback", got)
	}
}

func TestMessageResultText(t *testing.T) {
	m := &Message{Result: json.RawMessage(`"plain text"`)}
	if got := m.ResultText(); got != "plain text" {
		t.Errorf("text = %q", got)
	}
}

func TestClient_ThreadIDTracking(t *testing.T) {
	pr, pw := io.Pipe()
	client := NewClient(io.Discard, pr, logger.Default())

	var mu sync.Mutex
	var types []string
	client.SetMessageHandler(func(msg *Message) {
		mu.Lock()
		types = append(types, msg.Type)
		mu.Unlock()
	})

	client.Start(context.Background())
	defer client.Stop()

	lines := []string{
		`{"type":"system","thread_id":"T-123"}`,
		`{"type":"assistant","message":{"model":"amp-model","content":[{"type":"text","text":"hi"}]}}`,
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
		n := len(types)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := client.ThreadID(); got != "T-123" {
		t.Errorf("thread id = %q", got)
	}
}

func TestClient_SendUserMessageFormat(t *testing.T) {
	var buf syncBuffer
	client := NewClient(&buf, strings.NewReader(""), logger.Default())

	if err := client.SendUserMessage("do the thing"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(buf.Bytes(), &msg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != MessageTypeUser {
		t.Errorf("type = %q", msg.Type)
	}
	if len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "do the thing" {
		t.Errorf("content = %+v", msg.Message.Content)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
