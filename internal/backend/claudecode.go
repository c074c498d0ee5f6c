package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/pkg/claudecode"
)

// ClaudeCodeBackend spawns the Claude Code CLI per turn, speaking
// stream-json over stdin/stdout. The --session-id flag gives conversation
// persistence across turns, so the control plane's preassigned session id is
// adopted directly.
type ClaudeCodeBackend struct {
	binary string
	logger *logger.Logger

	mu      sync.Mutex
	running map[string]*claudeTurn // by session id
}

type claudeTurn struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu    sync.Mutex
	tools map[string]RunningTool // by tool_use id
}

var _ Session = (*ClaudeCodeBackend)(nil)

// NewClaudeCodeBackend creates the Claude Code adapter. binary defaults to
// "claude" when empty.
func NewClaudeCodeBackend(binary string, log *logger.Logger) *ClaudeCodeBackend {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCodeBackend{
		binary:  binary,
		logger:  log.WithBackend("claudecode"),
		running: make(map[string]*claudeTurn),
	}
}

func (b *ClaudeCodeBackend) CreateSession(ctx context.Context, workspaceDir, title string) (string, error) {
	// No server-side session object: the CLI materializes the session on
	// first use of --session-id, so the mission's preassigned id is kept.
	return "", nil
}

func (b *ClaudeCodeBackend) SendMessage(ctx context.Context, req SendRequest) (*Stream, error) {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--session-id", req.SessionID,
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, b.binary, args...)
	cmd.Dir = req.WorkspaceDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start claude: %w", err)
	}

	turn := &claudeTurn{cmd: cmd, cancel: cancel, tools: make(map[string]RunningTool)}
	b.mu.Lock()
	b.running[req.SessionID] = turn
	b.mu.Unlock()

	events := make(chan *mission.AgentEvent, 256)
	final := &FinalResponse{}
	client := claudecode.NewClient(stdin, stdout, b.logger)
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		b.translate(turn, msg, events, final)
	})
	<-client.Start(cmdCtx)

	if err := client.SendUserMessage(req.Content); err != nil {
		cancel()
		_ = cmd.Wait()
		b.forget(req.SessionID)
		return nil, fmt.Errorf("send user message: %w", err)
	}
	_ = stdin.Close()

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		client.Stop()
		close(events)
		b.forget(req.SessionID)
		cancel()
		done <- err
	}()

	return NewStream(events, func() (*FinalResponse, error) {
		err := <-done
		if err != nil && final.Content == "" && final.Err == "" {
			final.Err = err.Error()
		}
		return final, nil
	}), nil
}

// translate maps one CLI message onto control plane events and accumulates
// the final response.
func (b *ClaudeCodeBackend) translate(turn *claudeTurn, msg *claudecode.CLIMessage, events chan<- *mission.AgentEvent, final *FinalResponse) {
	emit := func(ev *mission.AgentEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		if msg.Message.Model != "" {
			final.Model = msg.Message.Model
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case claudecode.ContentTypeText:
				if block.Text != "" {
					emit(mission.NewTextDeltaEvent("", block.Text))
					final.Content += block.Text
				}
			case claudecode.ContentTypeThinking:
				if block.Thinking != "" {
					emit(mission.NewThinkingEvent("", block.Thinking, false))
				}
			case claudecode.ContentTypeToolUse:
				turn.mu.Lock()
				turn.tools[block.ID] = RunningTool{Name: block.Name, StartedAt: time.Now()}
				turn.mu.Unlock()
				emit(mission.NewToolCallEvent("", block.ID, block.Name, string(block.Input)))
			}
		}

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != claudecode.ContentTypeToolResult {
				continue
			}
			turn.mu.Lock()
			tool, ok := turn.tools[block.ToolUseID]
			delete(turn.tools, block.ToolUseID)
			turn.mu.Unlock()
			name := ""
			if ok {
				name = tool.Name
			}
			emit(mission.NewToolResultEvent("", block.ToolUseID, name, stringifyToolResult(block.Content)))
		}

	case claudecode.MessageTypeResult:
		final.Success = !msg.IsError
		final.CostCents = uint64(math.Round(msg.TotalCostUSD * 100))
		if text := msg.ResultText(); text != "" && final.Content == "" {
			final.Content = text
		}
		if msg.IsError {
			final.Err = msg.ResultText()
			if final.Err == "" && len(msg.Errors) > 0 {
				final.Err = msg.Errors[0]
			}
			emit(mission.NewErrorEvent("", final.Err))
		}
	}
}

func stringifyToolResult(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func (b *ClaudeCodeBackend) forget(sessionID string) {
	b.mu.Lock()
	delete(b.running, sessionID)
	b.mu.Unlock()
}

func (b *ClaudeCodeBackend) Abort(ctx context.Context, sessionID, workspaceDir string) error {
	b.mu.Lock()
	turn, ok := b.running[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.logger.Info("aborting claude turn", zap.String("session_id", sessionID))
	turn.cancel()
	return nil
}

func (b *ClaudeCodeBackend) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	b.mu.Lock()
	turn, ok := b.running[sessionID]
	b.mu.Unlock()

	status := &SessionStatus{}
	if !ok {
		return status, nil
	}

	turn.mu.Lock()
	for _, tool := range turn.tools {
		status.RunningTools = append(status.RunningTools, tool)
	}
	turn.mu.Unlock()
	return status, nil
}
