// Package control implements the mission control actor: a single goroutine
// that owns mission state transitions, drives backend sessions, and fans
// telemetry out to the event bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/common/config"
	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

// Common errors surfaced to HTTP handlers.
var (
	ErrQueueFull         = errors.New("message queue is full")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrUnknownToolCall   = errors.New("unknown tool call id")
	ErrMissionInFlight   = errors.New("mission has a turn in flight")
	ErrControllerStopped = errors.New("controller is not running")
)

// QueueItem is one queued user message, bound to the mission that was
// current when it was enqueued (empty means auto-create at dispatch).
type QueueItem struct {
	ID        string
	MissionID string
	Content   string
}

// command is the actor's input alphabet. All mutation of controller state
// happens on the run goroutine, which consumes these.
type command interface{ isCommand() }

type userMessageCommand struct {
	ID      string
	Content string
}

type toolResultCommand struct {
	ToolCallID string
	Name       string
	Result     json.RawMessage
	respond    chan error
}

type cancelCommand struct{}

type loadMissionCommand struct {
	MissionID string
	respond   chan missionResult
}

type createMissionCommand struct {
	Title         string
	WorkspaceID   string
	Agent         string
	ModelOverride string
	Backend       string
	respond       chan missionResult
}

type setStatusCommand struct {
	MissionID string
	Status    mission.Status
	Reason    mission.TerminalReason
	respond   chan error
}

func (userMessageCommand) isCommand()   {}
func (toolResultCommand) isCommand()    {}
func (cancelCommand) isCommand()        {}
func (loadMissionCommand) isCommand()   {}
func (createMissionCommand) isCommand() {}
func (setStatusCommand) isCommand()     {}

type missionResult struct {
	mission *mission.Mission
	err     error
}

// StatusRequest is the auxiliary path from tools back into the actor, so a
// complete_mission-style tool can transition status without a round trip
// through HTTP.
type StatusRequest struct {
	MissionID string
	Status    mission.Status
	Reason    mission.TerminalReason
	Summary   string
}

// turnHandle tracks one in-flight turn.
type turnHandle struct {
	missionID string
	cancel    context.CancelFunc
	// terminalSet is flipped when a tool or API call terminated the mission
	// mid-turn; the turn's own result must not overwrite it.
	terminalSet atomic.Bool
}

type turnResult struct {
	missionID string
}

// Config holds the actor's tunables, derived from config.ControlConfig.
type Config struct {
	MaxParallel            int
	StallCheckInterval     time.Duration
	StallThreshold         time.Duration
	HardAbortTimeout       time.Duration
	QueueCapacity          int
	HistoryMaxMessages     int
	HistoryMaxMessageChars int
	HistoryMaxTotalChars   int
	// WorkspaceRoot is where per-workspace directories live.
	WorkspaceRoot string
}

// ConfigFromControl converts the viper section into actor tunables.
func ConfigFromControl(cc config.ControlConfig, workspaceRoot string) Config {
	return Config{
		MaxParallel:            cc.MaxParallelMissions,
		StallCheckInterval:     cc.StallCheckInterval(),
		StallThreshold:         cc.StallThreshold(),
		HardAbortTimeout:       time.Duration(cc.ToolStuckAbortTimeoutSecs) * time.Second,
		QueueCapacity:          cc.QueueCapacity,
		HistoryMaxMessages:     cc.HistoryMaxMessages,
		HistoryMaxMessageChars: cc.HistoryMaxMessageChars,
		HistoryMaxTotalChars:   cc.HistoryMaxTotalChars,
		WorkspaceRoot:          workspaceRoot,
	}
}

// Controller is the mission control actor.
type Controller struct {
	cfg      Config
	store    store.Store
	bus      bus.Bus
	registry *backend.Registry
	gate     *Gate
	hub      *ToolHub
	logger   *logger.Logger

	commands   chan command
	missionCtl chan StatusRequest
	turnDone   chan turnResult

	// Actor-owned state; touched only on the run goroutine.
	queue            []QueueItem
	currentMissionID string
	inflight         map[string]*turnHandle
	sessionEnsured   map[string]bool

	// Read-side snapshot for HTTP/SSE status frames.
	snapState atomic.Value // mission.RunState
	snapQueue atomic.Int64

	running atomic.Bool
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

// NewController wires the actor.
func NewController(cfg Config, st store.Store, eventBus bus.Bus, registry *backend.Registry, log *logger.Logger) *Controller {
	c := &Controller{
		cfg:            cfg,
		store:          st,
		bus:            eventBus,
		registry:       registry,
		gate:           NewGate(cfg.MaxParallel),
		hub:            NewToolHub(),
		logger:         log.WithFields(zap.String("component", "control")),
		commands:       make(chan command, 256),
		missionCtl:     make(chan StatusRequest, 64),
		turnDone:       make(chan turnResult, 16),
		inflight:       make(map[string]*turnHandle),
		sessionEnsured: make(map[string]bool),
	}
	c.snapState.Store(mission.RunStateIdle)
	return c
}

// Start launches the actor goroutine.
func (c *Controller) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	c.logger.Info("control actor started",
		zap.Int("max_parallel", c.cfg.MaxParallel),
		zap.Duration("stall_threshold", c.cfg.StallThreshold))
	return nil
}

// Stop shuts the actor down, cancelling in-flight turns.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.stop()
	c.wg.Wait()
	c.logger.Info("control actor stopped")
}

// MissionControl returns the channel tools use to transition mission status.
func (c *Controller) MissionControl() chan<- StatusRequest {
	return c.missionCtl
}

// Hub exposes the frontend tool hub (for tests and handlers).
func (c *Controller) Hub() *ToolHub {
	return c.hub
}

// Snapshot returns the current run state and queue depth for status frames.
func (c *Controller) Snapshot() (mission.RunState, int) {
	state, _ := c.snapState.Load().(mission.RunState)
	return state, int(c.snapQueue.Load())
}

// EnqueueMessage queues a user message for the current mission and returns
// its generated id. The user_message event is logged when the turn
// dispatches; the queue itself is transient by design.
func (c *Controller) EnqueueMessage(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}
	if !c.running.Load() {
		return "", ErrControllerStopped
	}
	id := uuid.New().String()
	select {
	case c.commands <- userMessageCommand{ID: id, Content: content}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SubmitToolResult delivers a dashboard-supplied result for an interactive
// tool call.
func (c *Controller) SubmitToolResult(ctx context.Context, toolCallID, name string, result json.RawMessage) error {
	cmd := toolResultCommand{
		ToolCallID: toolCallID,
		Name:       name,
		Result:     result,
		respond:    make(chan error, 1),
	}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.respond:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel fires the current turn's cancellation token. Idempotent; a no-op
// when idle.
func (c *Controller) Cancel(ctx context.Context) error {
	select {
	case c.commands <- cancelCommand{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadMission switches the actor's current mission context. No backend call.
func (c *Controller) LoadMission(ctx context.Context, id string) (*mission.Mission, error) {
	cmd := loadMissionCommand{MissionID: id, respond: make(chan missionResult, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cmd.respond:
		return res.mission, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateMission allocates a new Pending mission and makes it current.
func (c *Controller) CreateMission(ctx context.Context, title, workspaceID, agent, modelOverride, backendTag string) (*mission.Mission, error) {
	cmd := createMissionCommand{
		Title:         title,
		WorkspaceID:   workspaceID,
		Agent:         agent,
		ModelOverride: modelOverride,
		Backend:       backendTag,
		respond:       make(chan missionResult, 1),
	}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cmd.respond:
		return res.mission, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetMissionStatus writes a status directly. Disallowed while the mission
// has a turn in flight and the new status would contradict it.
func (c *Controller) SetMissionStatus(ctx context.Context, id string, status mission.Status, reason mission.TerminalReason) error {
	cmd := setStatusCommand{MissionID: id, Status: status, Reason: reason, respond: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.respond:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor loop. All state mutation happens here; turns run on
// child goroutines and report back over turnDone.
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.cancelAllTurns()
			c.drainTurns()
			return

		case cmd := <-c.commands:
			c.handleCommand(ctx, cmd)
			c.dispatch(ctx)

		case res := <-c.turnDone:
			c.finishTurn(res)
			c.dispatch(ctx)

		case req := <-c.missionCtl:
			c.applyStatusRequest(ctx, req)
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case userMessageCommand:
		if len(c.queue) >= c.cfg.QueueCapacity {
			c.bus.Publish(mission.NewErrorEvent(c.currentMissionID, "message queue is full, message dropped"))
			return
		}
		c.queue = append(c.queue, QueueItem{ID: cmd.ID, MissionID: c.currentMissionID, Content: cmd.Content})

	case toolResultCommand:
		if !c.hub.Resolve(cmd.ToolCallID, cmd.Result) {
			c.bus.Publish(mission.NewErrorEvent(c.currentMissionID,
				fmt.Sprintf("tool result for unknown call %q ignored", cmd.ToolCallID)))
			cmd.respond <- fmt.Errorf("%w: %s", ErrUnknownToolCall, cmd.ToolCallID)
			return
		}
		cmd.respond <- nil

	case cancelCommand:
		if h := c.inflight[c.currentMissionID]; h != nil {
			h.cancel()
		}

	case loadMissionCommand:
		m, err := c.store.GetMission(ctx, cmd.MissionID)
		if err != nil {
			cmd.respond <- missionResult{err: err}
			return
		}
		c.currentMissionID = m.ID
		cmd.respond <- missionResult{mission: m}

	case createMissionCommand:
		m, err := c.store.CreateMission(ctx, cmd.Title, cmd.WorkspaceID, cmd.Agent, cmd.ModelOverride, cmd.Backend)
		if err != nil {
			cmd.respond <- missionResult{err: err}
			return
		}
		c.currentMissionID = m.ID
		cmd.respond <- missionResult{mission: m}

	case setStatusCommand:
		if h := c.inflight[cmd.MissionID]; h != nil && cmd.Status != mission.StatusActive {
			// The running turn's result takes precedence over contradictory
			// writes; tools use the mission control channel instead.
			cmd.respond <- ErrMissionInFlight
			return
		}
		cmd.respond <- c.writeStatus(ctx, cmd.MissionID, cmd.Status, cmd.Reason, "")
	}
}

// applyStatusRequest handles transitions arriving from tools mid-turn.
func (c *Controller) applyStatusRequest(ctx context.Context, req StatusRequest) {
	if h := c.inflight[req.MissionID]; h != nil && req.Status.IsTerminal() {
		h.terminalSet.Store(true)
	}
	if err := c.writeStatus(ctx, req.MissionID, req.Status, req.Reason, req.Summary); err != nil {
		c.logger.Warn("mission control status write failed",
			zap.String("mission_id", req.MissionID),
			zap.Error(err))
	}

	// Terminal transitions carrying a summary leave a post-mortem record.
	if req.Summary != "" && req.Status.IsTerminal() {
		success := req.Status == mission.StatusCompleted
		if err := c.store.InsertMissionSummary(ctx, req.MissionID, req.Summary, nil, success); err != nil {
			c.logger.Warn("failed to insert mission summary", zap.Error(err))
		}
	}
}

// writeStatus persists a transition and announces it on the bus.
func (c *Controller) writeStatus(ctx context.Context, missionID string, status mission.Status, reason mission.TerminalReason, summary string) error {
	if err := c.store.UpdateMissionStatus(ctx, missionID, status, reason); err != nil {
		return err
	}
	ev := mission.NewMissionStatusChangedEvent(missionID, status, summary)
	c.bus.Publish(ev)
	if err := c.store.LogEvent(ctx, missionID, ev); err != nil {
		c.logger.Warn("failed to log status change event", zap.Error(err))
	}
	return nil
}

// dispatch starts turns for queued messages while permits allow, preserving
// FIFO order per mission. Messages for missions with a turn already in
// flight stay queued behind it.
func (c *Controller) dispatch(ctx context.Context) {
	for i := 0; i < len(c.queue); {
		item := c.queue[i]

		if item.MissionID != "" && c.inflight[item.MissionID] != nil {
			i++
			continue
		}

		if !c.gate.TryAcquire() {
			break
		}

		c.queue = append(c.queue[:i], c.queue[i+1:]...)

		m, err := c.resolveMission(ctx, item)
		if err != nil {
			c.gate.Release()
			c.logger.Error("failed to resolve mission for dispatch", zap.Error(err))
			c.bus.Publish(mission.NewErrorEvent(item.MissionID, fmt.Sprintf("failed to start turn: %v", err)))
			continue
		}

		turnCtx, cancel := context.WithCancel(ctx)
		handle := &turnHandle{missionID: m.ID, cancel: cancel}
		c.inflight[m.ID] = handle

		firstTurn := !c.sessionEnsured[m.ID]
		c.sessionEnsured[m.ID] = true

		c.wg.Add(1)
		go func(item QueueItem, m *mission.Mission) {
			defer c.wg.Done()
			c.runTurn(turnCtx, handle, m, item, firstTurn)
			select {
			case c.turnDone <- turnResult{missionID: m.ID}:
			case <-ctx.Done():
				// Shutdown: the buffered channel still lets drainTurns
				// account for this turn.
				select {
				case c.turnDone <- turnResult{missionID: m.ID}:
				default:
				}
			}
		}(item, m)
	}
	c.updateSnapshot()

	// Anything still queued is waiting on a permit or on its mission's
	// in-flight turn; report the depth so the dashboard can show it.
	if len(c.queue) > 0 {
		c.bus.Publish(mission.NewStatusEvent("", mission.RunStateRunning, len(c.queue)))
	}
}

// resolveMission loads the item's mission, auto-creating one when the item
// was enqueued with no mission loaded.
func (c *Controller) resolveMission(ctx context.Context, item QueueItem) (*mission.Mission, error) {
	if item.MissionID == "" {
		m, err := c.store.CreateMission(ctx, "", "", "", "", "")
		if err != nil {
			return nil, err
		}
		c.currentMissionID = m.ID
		return m, nil
	}
	return c.store.GetMission(ctx, item.MissionID)
}

func (c *Controller) finishTurn(res turnResult) {
	if _, ok := c.inflight[res.missionID]; !ok {
		return
	}
	delete(c.inflight, res.missionID)
	c.gate.Release()
	c.updateSnapshot()
	c.bus.Publish(mission.NewStatusEvent(res.missionID, c.runState(), len(c.queue)))
}

func (c *Controller) runState() mission.RunState {
	if c.hub.PendingCount() > 0 {
		return mission.RunStateWaitingForTool
	}
	if len(c.inflight) > 0 {
		return mission.RunStateRunning
	}
	return mission.RunStateIdle
}

func (c *Controller) updateSnapshot() {
	c.snapState.Store(c.runState())
	c.snapQueue.Store(int64(len(c.queue)))
}

func (c *Controller) cancelAllTurns() {
	for _, h := range c.inflight {
		h.cancel()
	}
}

// drainTurns waits briefly for in-flight turns to acknowledge cancellation
// so their final writes land before shutdown.
func (c *Controller) drainTurns() {
	deadline := time.After(5 * time.Second)
	for len(c.inflight) > 0 {
		select {
		case res := <-c.turnDone:
			delete(c.inflight, res.missionID)
			c.gate.Release()
		case <-deadline:
			return
		}
	}
}

// workspaceDir resolves a workspace id to its directory on disk.
func (c *Controller) workspaceDir(workspaceID string) string {
	return filepath.Join(c.cfg.WorkspaceRoot, workspaceID)
}
