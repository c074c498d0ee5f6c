package backend

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/pkg/amp"
)

// AmpBackend spawns the Sourcegraph Amp CLI per turn. Amp mints its own
// thread ids: the first turn reports the thread id back so the store can
// record it, and later turns resume with --thread-id.
type AmpBackend struct {
	binary string
	logger *logger.Logger

	mu      sync.Mutex
	running map[string]*ampTurn // by session id
	threads map[string]string   // session id -> amp thread id
}

type ampTurn struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	tools map[string]RunningTool
}

var _ Session = (*AmpBackend)(nil)

// NewAmpBackend creates the Amp adapter. binary defaults to "amp" when empty.
func NewAmpBackend(binary string, log *logger.Logger) *AmpBackend {
	if binary == "" {
		binary = "amp"
	}
	return &AmpBackend{
		binary:  binary,
		logger:  log.WithBackend("amp"),
		running: make(map[string]*ampTurn),
		threads: make(map[string]string),
	}
}

func (b *AmpBackend) CreateSession(ctx context.Context, workspaceDir, title string) (string, error) {
	// The thread is created lazily on the first prompt; until then the
	// mission's preassigned session id stands in.
	return "", nil
}

func (b *AmpBackend) SendMessage(ctx context.Context, req SendRequest) (*Stream, error) {
	b.mu.Lock()
	threadID := b.threads[req.SessionID]
	b.mu.Unlock()

	args := []string{"--execute", "--stream-json"}
	if threadID != "" {
		args = append(args, "--thread-id", threadID)
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
		return nil, fmt.Errorf("start amp: %w", err)
	}

	turn := &ampTurn{cancel: cancel, tools: make(map[string]RunningTool)}
	b.mu.Lock()
	b.running[req.SessionID] = turn
	b.mu.Unlock()

	events := make(chan *mission.AgentEvent, 256)
	final := &FinalResponse{}
	client := amp.NewClient(stdin, stdout, b.logger)
	if threadID != "" {
		client.SetThreadID(threadID)
	}
	client.SetMessageHandler(func(msg *amp.Message) {
		b.translate(turn, msg, events, final)
	})
	client.Start(cmdCtx)

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

		// Record the adapter-minted thread id for resumption and surface it
		// once in the final response.
		if tid := client.ThreadID(); tid != "" {
			b.mu.Lock()
			if b.threads[req.SessionID] == "" {
				b.threads[req.SessionID] = tid
				final.SessionID = tid
			}
			b.mu.Unlock()
		}

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

func (b *AmpBackend) translate(turn *ampTurn, msg *amp.Message, events chan<- *mission.AgentEvent, final *FinalResponse) {
	emit := func(ev *mission.AgentEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	switch msg.Type {
	case amp.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		if msg.Message.Model != "" {
			final.Model = msg.Message.Model
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case amp.ContentTypeText:
				if block.Text != "" {
					emit(mission.NewTextDeltaEvent("", block.Text))
					final.Content += block.Text
				}
			case amp.ContentTypeThinking:
				if block.Thinking != "" {
					emit(mission.NewThinkingEvent("", block.Thinking, false))
				}
			case amp.ContentTypeToolUse:
				turn.mu.Lock()
				turn.tools[block.ID] = RunningTool{Name: block.Name, StartedAt: time.Now()}
				turn.mu.Unlock()
				emit(mission.NewToolCallEvent("", block.ID, block.Name, string(block.Input)))
			}
		}

	case amp.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != amp.ContentTypeToolResult {
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

	case amp.MessageTypeResult:
		final.Success = !msg.IsError
		final.CostCents = uint64(math.Round(msg.GetCostUSD() * 100))
		if text := msg.ResultText(); text != "" && final.Content == "" {
			final.Content = text
		}
		if msg.IsError {
			final.Err = msg.Error
			if final.Err == "" && len(msg.Errors) > 0 {
				final.Err = msg.Errors[0]
			}
			if final.Err == "" {
				final.Err = msg.ResultText()
			}
			emit(mission.NewErrorEvent("", final.Err))
		}
	}
}

func (b *AmpBackend) forget(sessionID string) {
	b.mu.Lock()
	delete(b.running, sessionID)
	b.mu.Unlock()
}

func (b *AmpBackend) Abort(ctx context.Context, sessionID, workspaceDir string) error {
	b.mu.Lock()
	turn, ok := b.running[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.logger.Info("aborting amp turn", zap.String("session_id", sessionID))
	turn.cancel()
	return nil
}

func (b *AmpBackend) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
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
