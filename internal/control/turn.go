package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/telemetry"
)

// omittedMarker is prepended when older history is dropped to fit the
// context budget.
const omittedMarker = "…[earlier messages omitted]"

var (
	errTurnCancelled = errors.New("turn cancelled")
	errTurnStalled   = errors.New("turn stalled")
)

// runTurn executes one user message against the mission's backend: it
// transitions the mission to Active, streams events to the bus and store,
// runs the stall detector, services interactive tools, and records the
// final response and status.
func (c *Controller) runTurn(ctx context.Context, handle *turnHandle, m *mission.Mission, item QueueItem, firstTurn bool) {
	ctx, span := telemetry.Tracer().Start(ctx, "mission.turn",
		trace.WithAttributes(
			attribute.String("mission.id", m.ID),
			attribute.String("mission.backend", m.Backend),
		))
	defer span.End()

	log := c.logger.WithMissionID(m.ID)

	sess, err := c.registry.Get(m.Backend)
	if err != nil {
		c.failTurn(m, mission.ReasonLlmError, fmt.Sprintf("backend unavailable: %v", err))
		return
	}

	workspaceDir := c.workspaceDir(m.WorkspaceID)

	// Pending -> Active, then the user message. Ordering matters: the
	// user_message event must precede everything the turn produces.
	if err := c.writeStatus(ctx, m.ID, mission.StatusActive, "", ""); err != nil {
		log.Warn("failed to activate mission", zap.Error(err))
	}
	c.bus.Publish(mission.NewStatusEvent(m.ID, mission.RunStateRunning, int(c.snapQueue.Load())))

	// History is read before this turn's user message is logged, so the new
	// message is appended once rather than also appearing in history.
	content := c.buildContext(ctx, m, item.Content)

	userEvent := mission.NewUserMessageEvent(m.ID, item.ID, item.Content)
	c.bus.Publish(userEvent)
	if err := c.store.LogEvent(ctx, m.ID, userEvent); err != nil {
		log.Warn("failed to log user message", zap.Error(err))
	}

	// Adopt or establish the backend session on the mission's first turn in
	// this process. An adapter-minted id is recorded exactly once.
	if firstTurn {
		if backendID, err := sess.CreateSession(ctx, workspaceDir, m.Title); err != nil {
			c.failTurn(m, mission.ReasonLlmError, fmt.Sprintf("failed to create session: %v", err))
			return
		} else if backendID != "" && backendID != m.SessionID {
			m.SessionID = backendID
			if err := c.store.UpdateMissionSessionID(ctx, m.ID, backendID); err != nil {
				log.Warn("failed to record session id", zap.Error(err))
			}
		}
	}

	stream, err := sess.SendMessage(ctx, backend.SendRequest{
		SessionID:    m.SessionID,
		WorkspaceDir: workspaceDir,
		Content:      content,
		Model:        m.ModelOverride,
		Agent:        m.Agent,
	})
	if err != nil {
		c.failTurn(m, mission.ReasonLlmError, fmt.Sprintf("failed to dispatch message: %v", err))
		return
	}

	detector := newStallDetector(sess, m.SessionID, workspaceDir,
		c.cfg.StallThreshold, c.cfg.HardAbortTimeout, log)

	final, err := c.pumpEvents(ctx, m, sess, stream, detector, workspaceDir)
	switch {
	case errors.Is(err, errTurnCancelled):
		c.finishCancelled(m, sess, workspaceDir)
	case errors.Is(err, errTurnStalled):
		c.failTurn(m, mission.ReasonStalled, err.Error())
	case err != nil:
		c.failTurn(m, mission.ReasonLlmError, err.Error())
	default:
		c.finishTurnResult(m, handle, final)
	}
}

// pumpEvents owns the backend event stream: every event is forwarded to the
// bus and persisted when appropriate; the stall detector runs on a timer;
// cancellation is observable at every step.
func (c *Controller) pumpEvents(ctx context.Context, m *mission.Mission, sess backend.Session, stream *backend.Stream, detector *stallDetector, workspaceDir string) (*backend.FinalResponse, error) {
	ticker := time.NewTicker(c.cfg.StallCheckInterval)
	defer ticker.Stop()

	events := stream.Events
	for {
		select {
		case <-ctx.Done():
			return nil, errTurnCancelled

		case ev, ok := <-events:
			if !ok {
				final, err := stream.Wait()
				if err != nil {
					return nil, err
				}
				return final, nil
			}
			detector.observe()
			if err := c.handleTurnEvent(ctx, m, ev); err != nil {
				return nil, err
			}

		case <-ticker.C:
			action, stuckTools := detector.probe(ctx)
			switch action {
			case stallRecover:
				notice := mission.NewThinkingEvent(m.ID,
					fmt.Sprintf("Asking agent to investigate stuck tool: %s", stuckTools), false)
				c.bus.Publish(notice)
				if err := c.store.LogEvent(ctx, m.ID, notice); err != nil {
					c.logger.Warn("failed to log recovery notice", zap.Error(err))
				}

				newStream, err := detector.recover(ctx, stuckTools, m.ModelOverride, m.Agent)
				if err != nil {
					c.bus.Publish(mission.NewErrorEvent(m.ID,
						fmt.Sprintf("Tool '%s' may be stuck - recovery failed: %v", stuckTools, err)))
					continue
				}
				// Abandon the stalled stream and follow the recovery one.
				stream = newStream
				events = newStream.Events

			case stallHardAbort:
				_ = sess.Abort(ctx, m.SessionID, workspaceDir)
				return nil, fmt.Errorf("%w: tool '%s' timed out with no progress", errTurnStalled, stuckTools)
			}
		}
	}
}

// handleTurnEvent forwards one backend event, persisting the durable types
// and servicing interactive ui_* tools.
func (c *Controller) handleTurnEvent(ctx context.Context, m *mission.Mission, ev *mission.AgentEvent) error {
	ev.MissionID = m.ID

	// Interactive tools: register before broadcasting so a fast dashboard
	// response cannot race the waiter.
	var pending <-chan json.RawMessage
	isFrontendTool := ev.Type == mission.EventToolCall && strings.HasPrefix(ev.ToolName, "ui_")
	if isFrontendTool {
		pending = c.hub.Register(ev.ToolCallID)
		c.snapState.Store(mission.RunStateWaitingForTool)
	}

	c.bus.Publish(ev)
	if ev.Persisted() {
		if err := c.store.LogEvent(ctx, m.ID, ev); err != nil {
			c.logger.Warn("failed to log event",
				zap.String("event_type", ev.Type),
				zap.Error(err))
		}
	}

	if !isFrontendTool {
		return nil
	}

	// Block this sub-step until the dashboard answers or the turn is
	// cancelled.
	select {
	case result, ok := <-pending:
		c.snapState.Store(mission.RunStateRunning)
		if !ok {
			return errTurnCancelled
		}
		resultEvent := mission.NewToolResultEvent(m.ID, ev.ToolCallID, ev.ToolName, string(result))
		c.bus.Publish(resultEvent)
		if err := c.store.LogEvent(ctx, m.ID, resultEvent); err != nil {
			c.logger.Warn("failed to log tool result", zap.Error(err))
		}
		return nil

	case <-ctx.Done():
		c.hub.Cancel(ev.ToolCallID)
		c.snapState.Store(mission.RunStateRunning)
		return errTurnCancelled
	}
}

// buildContext reconstructs conversation context from history, truncated to
// the configured budgets, and appends the new message.
func (c *Controller) buildContext(ctx context.Context, m *mission.Mission, content string) string {
	full, err := c.store.GetMission(ctx, m.ID)
	if err != nil || len(full.History) == 0 {
		return content
	}

	history := full.History
	if len(history) > c.cfg.HistoryMaxMessages {
		history = history[len(history)-c.cfg.HistoryMaxMessages:]
	}

	// Assemble newest-first so the budget cuts oldest messages.
	var parts []string
	total := 0
	omitted := len(full.History) > len(history)
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		text := entry.Content
		if len(text) > c.cfg.HistoryMaxMessageChars {
			text = text[:c.cfg.HistoryMaxMessageChars] + "..."
		}
		line := fmt.Sprintf("%s: %s", entry.Role, text)
		if total+len(line) > c.cfg.HistoryMaxTotalChars {
			omitted = true
			break
		}
		parts = append(parts, line)
		total += len(line)
	}

	if len(parts) == 0 {
		return content
	}

	// Reverse back to chronological order.
	var b strings.Builder
	if omitted {
		b.WriteString(omittedMarker)
		b.WriteString("\n")
	}
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
		b.WriteString("\n")
	}
	b.WriteString("\nuser: ")
	b.WriteString(content)
	return b.String()
}

// finishTurnResult persists the assistant message and applies the final
// status transition for a completed stream.
func (c *Controller) finishTurnResult(m *mission.Mission, handle *turnHandle, final *backend.FinalResponse) {
	ctx := context.Background()

	// An adapter that minted its own session id reports it exactly once.
	if final.SessionID != "" && final.SessionID != m.SessionID {
		if err := c.store.UpdateMissionSessionID(ctx, m.ID, final.SessionID); err != nil {
			c.logger.Warn("failed to record adapter session id", zap.Error(err))
		}
	}

	status := mission.StatusActive
	reason := mission.TerminalReason("")
	switch {
	case final.Err != "":
		status = mission.StatusFailed
		reason = mission.ReasonLlmError
	case final.TerminalReason != "":
		reason = final.TerminalReason
		switch final.TerminalReason {
		case mission.ReasonCompleted:
			status = mission.StatusCompleted
		case mission.ReasonBlocked:
			status = mission.StatusBlocked
		case mission.ReasonInfeasible:
			status = mission.StatusNotFeasible
		case mission.ReasonStalled, mission.ReasonLlmError:
			status = mission.StatusFailed
		case mission.ReasonCancelled:
			status = mission.StatusInterrupted
		}
	}

	resumable := status.Resumable()
	assistantEvent := mission.NewAssistantMessageEvent(m.ID, final.Content, final.Success, final.CostCents, final.Model, resumable)
	c.bus.Publish(assistantEvent)
	if err := c.store.LogEvent(ctx, m.ID, assistantEvent); err != nil {
		c.logger.Warn("failed to log assistant message", zap.Error(err))
	}
	if err := c.store.UpdateMissionHistory(ctx, m.ID, nil); err != nil {
		c.logger.Warn("failed to touch mission history", zap.Error(err))
	}

	if final.Err != "" {
		c.bus.Publish(mission.NewErrorEvent(m.ID, final.Err))
	}

	// A tool-driven terminal transition mid-turn takes precedence over the
	// stream's own result.
	if handle.terminalSet.Load() {
		return
	}
	if status != mission.StatusActive {
		if err := c.writeStatus(ctx, m.ID, status, reason, ""); err != nil {
			c.logger.Warn("failed to set final mission status", zap.Error(err))
		}
	}
}

// finishCancelled handles the user-cancel path: best-effort abort, a
// user-visible error, and an Interrupted status.
func (c *Controller) finishCancelled(m *mission.Mission, sess backend.Session, workspaceDir string) {
	ctx := context.Background()

	abortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = sess.Abort(abortCtx, m.SessionID, workspaceDir)
	cancel()

	errEvent := mission.NewErrorEvent(m.ID, "Cancellation requested")
	c.bus.Publish(errEvent)
	if err := c.store.LogEvent(ctx, m.ID, errEvent); err != nil {
		c.logger.Warn("failed to log cancellation", zap.Error(err))
	}

	if err := c.writeStatus(ctx, m.ID, mission.StatusInterrupted, mission.ReasonCancelled, ""); err != nil {
		c.logger.Warn("failed to mark mission interrupted", zap.Error(err))
	}
}

// failTurn records a turn-level failure: error event plus Failed status
// with the given reason (resumable per the status machine).
func (c *Controller) failTurn(m *mission.Mission, reason mission.TerminalReason, message string) {
	ctx := context.Background()

	errEvent := mission.NewErrorEvent(m.ID, message)
	c.bus.Publish(errEvent)
	if err := c.store.LogEvent(ctx, m.ID, errEvent); err != nil {
		c.logger.Warn("failed to log turn failure", zap.Error(err))
	}

	if err := c.writeStatus(ctx, m.ID, mission.StatusFailed, reason, ""); err != nil {
		c.logger.Warn("failed to mark mission failed", zap.Error(err))
	}
}
