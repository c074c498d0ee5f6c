package backend

import (
	"context"
	"sync"

	"github.com/sandboxd/sandboxd/internal/mission"
)

// MockSession is a scriptable in-memory backend for tests. Each field
// overrides one interface method; unset fields fall back to a reasonable
// default that echoes the request.
type MockSession struct {
	CreateSessionFunc func(ctx context.Context, workspaceDir, title string) (string, error)
	SendMessageFunc   func(ctx context.Context, req SendRequest) (*Stream, error)
	AbortFunc         func(ctx context.Context, sessionID, workspaceDir string) error
	StatusFunc        func(ctx context.Context, sessionID string) (*SessionStatus, error)

	mu         sync.Mutex
	abortCalls int
	sendCalls  int
}

var _ Session = (*MockSession)(nil)

func (m *MockSession) CreateSession(ctx context.Context, workspaceDir, title string) (string, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, workspaceDir, title)
	}
	return "", nil
}

func (m *MockSession) SendMessage(ctx context.Context, req SendRequest) (*Stream, error) {
	m.mu.Lock()
	m.sendCalls++
	m.mu.Unlock()

	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, req)
	}

	events := make(chan *mission.AgentEvent, 4)
	events <- mission.NewThinkingEvent("", "working", false)
	close(events)
	return NewStream(events, func() (*FinalResponse, error) {
		return &FinalResponse{Content: "echo: " + req.Content, Success: true}, nil
	}), nil
}

func (m *MockSession) Abort(ctx context.Context, sessionID, workspaceDir string) error {
	m.mu.Lock()
	m.abortCalls++
	m.mu.Unlock()

	if m.AbortFunc != nil {
		return m.AbortFunc(ctx, sessionID, workspaceDir)
	}
	return nil
}

func (m *MockSession) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, sessionID)
	}
	return &SessionStatus{}, nil
}

// AbortCalls returns how many times Abort was invoked.
func (m *MockSession) AbortCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortCalls
}

// SendCalls returns how many times SendMessage was invoked.
func (m *MockSession) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}
