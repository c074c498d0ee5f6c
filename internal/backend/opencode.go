package backend

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/pkg/opencode"
)

// OpenCodeBackend drives an OpenCode server over HTTP, one client per
// workspace directory.
type OpenCodeBackend struct {
	baseURL  string
	password string
	agent    string
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[string]*opencode.Client
}

var _ Session = (*OpenCodeBackend)(nil)

// NewOpenCodeBackend creates the OpenCode adapter.
func NewOpenCodeBackend(baseURL, password, agent string, log *logger.Logger) *OpenCodeBackend {
	return &OpenCodeBackend{
		baseURL:  baseURL,
		password: password,
		agent:    agent,
		logger:   log.WithBackend("opencode"),
		clients:  make(map[string]*opencode.Client),
	}
}

func (b *OpenCodeBackend) client(workspaceDir string) *opencode.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[workspaceDir]
	if !ok {
		c = opencode.NewClient(b.baseURL, workspaceDir, b.password, b.logger)
		b.clients[workspaceDir] = c
	}
	return c
}

func (b *OpenCodeBackend) CreateSession(ctx context.Context, workspaceDir, title string) (string, error) {
	client := b.client(workspaceDir)
	if err := client.WaitForHealth(ctx); err != nil {
		return "", fmt.Errorf("opencode not healthy: %w", err)
	}
	return client.CreateSession(ctx)
}

func (b *OpenCodeBackend) SendMessage(ctx context.Context, req SendRequest) (*Stream, error) {
	client := b.client(req.WorkspaceDir)

	events := make(chan *mission.AgentEvent, 256)
	translator := &openCodeTranslator{events: events}
	client.SetEventHandler(translator.handle)

	if err := client.StartEventStream(ctx, req.SessionID); err != nil {
		return nil, fmt.Errorf("start event stream: %w", err)
	}

	var model *opencode.ModelSpec
	if req.Model != "" {
		if provider, modelID, ok := strings.Cut(req.Model, "/"); ok {
			model = &opencode.ModelSpec{ProviderID: provider, ModelID: modelID}
		}
	}
	agent := req.Agent
	if agent == "" {
		agent = b.agent
	}

	type result struct {
		resp *opencode.PromptResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.SendPrompt(ctx, req.SessionID, req.Content, model, agent)
		close(events)
		done <- result{resp: resp, err: err}
	}()

	return NewStream(events, func() (*FinalResponse, error) {
		r := <-done
		if r.err != nil {
			return nil, r.err
		}
		final := &FinalResponse{
			Content:   r.resp.Text(),
			Success:   r.resp.Info.Error == nil,
			CostCents: uint64(math.Round(r.resp.Info.Cost * 100)),
		}
		if r.resp.Info.ProviderID != "" && r.resp.Info.ModelID != "" {
			final.Model = r.resp.Info.ProviderID + "/" + r.resp.Info.ModelID
		}
		if r.resp.Info.Error != nil {
			final.Err = r.resp.Info.Error.Name
		}
		return final, nil
	}), nil
}

func (b *OpenCodeBackend) Abort(ctx context.Context, sessionID, workspaceDir string) error {
	return b.client(workspaceDir).Abort(ctx, sessionID)
}

func (b *OpenCodeBackend) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	// The status endpoint is directory-agnostic: any client will do, but we
	// need one to carry auth. Fall back to a bare client on the base URL.
	b.mu.Lock()
	var client *opencode.Client
	for _, c := range b.clients {
		client = c
		break
	}
	b.mu.Unlock()
	if client == nil {
		client = opencode.NewClient(b.baseURL, ".", b.password, b.logger)
	}

	resp, err := client.SessionStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status := &SessionStatus{}
	for _, t := range resp.RunningTools {
		status.RunningTools = append(status.RunningTools, RunningTool{Name: t.Name, StartedAt: t.StartedAt})
	}
	return status, nil
}

// openCodeTranslator maps SDK events onto the control plane's event set.
// Tool parts emit tool_call on first running state and tool_result once
// completed; text parts surface as bus-only deltas.
type openCodeTranslator struct {
	events chan<- *mission.AgentEvent

	mu       sync.Mutex
	announced map[string]bool
}

func (t *openCodeTranslator) emit(ev *mission.AgentEvent) {
	select {
	case t.events <- ev:
	default:
		// The turn owns drain pacing; a full buffer drops telemetry rather
		// than blocking the SSE read loop.
	}
}

func (t *openCodeTranslator) handle(event *opencode.SDKEventEnvelope) {
	switch event.Type {
	case opencode.SDKEventMessagePartUpdated:
		props, err := opencode.ParsePartUpdated(event.Properties)
		if err != nil {
			return
		}
		t.handlePart(&props.Part)

	case opencode.SDKEventSessionError:
		props, err := opencode.ParseSessionError(event.Properties)
		if err != nil || props.Error == nil {
			return
		}
		t.emit(mission.NewErrorEvent("", props.Error.Message()))
	}
}

func (t *openCodeTranslator) handlePart(part *opencode.MessagePart) {
	switch part.Type {
	case opencode.PartTypeText:
		if part.Text != "" {
			t.emit(mission.NewTextDeltaEvent("", part.Text))
		}
	case opencode.PartTypeReasoning:
		if part.Text != "" {
			t.emit(mission.NewThinkingEvent("", part.Text, false))
		}
	case opencode.PartTypeTool:
		if part.State == nil {
			return
		}
		switch part.State.Status {
		case opencode.ToolStateRunning:
			t.mu.Lock()
			if t.announced == nil {
				t.announced = make(map[string]bool)
			}
			seen := t.announced[part.CallID]
			t.announced[part.CallID] = true
			t.mu.Unlock()
			if !seen {
				t.emit(mission.NewToolCallEvent("", part.CallID, part.Tool, string(part.State.Input)))
			}
		case opencode.ToolStateCompleted:
			t.emit(mission.NewToolResultEvent("", part.CallID, part.Tool, part.State.Output))
		case opencode.ToolStateError:
			result := part.State.Error
			if result == "" {
				result = part.State.Output
			}
			t.emit(mission.NewToolResultEvent("", part.CallID, part.Tool, result))
		}
	}
}
