package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sandboxd/sandboxd/internal/common/logger"
)

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("missing auth header")
		}
		if r.URL.Query().Get("directory") != "/tmp/ws" {
			t.Errorf("directory = %q", r.URL.Query().Get("directory"))
		}
		_ = json.NewEncoder(w).Encode(SessionResponse{ID: "ses-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "/tmp/ws", "secret", logger.Default())
	id, err := client.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if id != "ses-1" {
		t.Errorf("session id = %q", id)
	}
}

func TestClient_SessionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses-1/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"running_tools":[{"name":"bash"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, ".", "", logger.Default())
	status, err := client.SessionStatus(context.Background(), "ses-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.RunningTools) != 1 || status.RunningTools[0].Name != "bash" {
		t.Errorf("running tools = %+v", status.RunningTools)
	}
}

func TestClient_AbortSwallowsErrors(t *testing.T) {
	// No server behind this address: abort must still return nil.
	client := NewClient("http://127.0.0.1:1", ".", "", logger.Default())
	if err := client.Abort(context.Background(), "ses-1"); err != nil {
		t.Fatalf("abort should swallow transport errors, got %v", err)
	}
}

func TestClient_SendPromptParsesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"ProviderAuthError","data":{"message":"invalid key"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, ".", "", logger.Default())
	_, err := client.SendPrompt(context.Background(), "ses-1", "do it", nil, "")
	if err == nil {
		t.Fatal("expected prompt error")
	}
}

func TestClient_SendPromptSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := PromptResponse{
			Info: PromptInfo{ID: "msg-1", SessionID: "ses-1", ProviderID: "anthropic", ModelID: "claude-sonnet-4", Cost: 0.12},
			Parts: []MessagePart{
				{Type: PartTypeText, Text: "all done"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, ".", "", logger.Default())
	resp, err := client.SendPrompt(context.Background(), "ses-1", "do it", nil, "")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if resp.Text() != "all done" {
		t.Errorf("text = %q", resp.Text())
	}
	if resp.Info.ModelID != "claude-sonnet-4" {
		t.Errorf("model = %q", resp.Info.ModelID)
	}
}
