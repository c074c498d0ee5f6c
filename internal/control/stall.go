package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/common/logger"
)

// stuckToolRecoveryPrompt asks the agent to self-diagnose a stalled tool
// instead of blindly retrying it.
const stuckToolRecoveryPrompt = `IMPORTANT: The previous operation appears to have stalled - there has been no activity for over 2 minutes.

Please check:
1. Is the bash command or tool still running? Use ` + "`ps aux | grep`" + ` to check
2. If the process has exited or crashed, acknowledge what happened
3. If the command is still running but taking a long time, explain what it's doing
4. If something went wrong, try an alternative approach

Do NOT just retry the same command blindly - first investigate what happened.`

// abortSettleDelay gives the backend a moment to process the abort before
// the recovery message is sent.
const abortSettleDelay = 500 * time.Millisecond

// stallDetector is the cooperative watchdog a turn runs alongside its event
// pump. It tracks the time of the last backend event and, when the stream
// goes quiet while the backend still reports running tools, drives recovery.
type stallDetector struct {
	session      backend.Session
	sessionID    string
	workspaceDir string
	threshold    time.Duration
	hardAbort    time.Duration // 0 disables
	logger       *logger.Logger

	lastEvent time.Time
	warned    bool
}

// stallAction tells the turn loop what to do after a probe.
type stallAction int

const (
	stallNone stallAction = iota
	// stallRecover: abort, wait, and resend with the recovery prompt.
	stallRecover
	// stallHardAbort: give up, mark the mission failed as Stalled.
	stallHardAbort
)

func newStallDetector(session backend.Session, sessionID, workspaceDir string, threshold, hardAbort time.Duration, log *logger.Logger) *stallDetector {
	return &stallDetector{
		session:      session,
		sessionID:    sessionID,
		workspaceDir: workspaceDir,
		threshold:    threshold,
		hardAbort:    hardAbort,
		logger:       log,
		lastEvent:    time.Now(),
	}
}

// observe resets the liveness clock; called on every backend event.
func (d *stallDetector) observe() {
	d.lastEvent = time.Now()
	d.warned = false
}

// probe checks whether the stream is stalled. It returns the action to take
// and, for recovery actions, the comma-joined names of the stuck tools.
func (d *stallDetector) probe(ctx context.Context) (stallAction, string) {
	elapsed := time.Since(d.lastEvent)
	if elapsed < d.threshold {
		return stallNone, ""
	}

	status, err := d.session.Status(ctx, d.sessionID)
	if err != nil {
		d.logger.Warn("stall probe failed", zap.Error(err))
		return stallNone, ""
	}
	if len(status.RunningTools) == 0 {
		// Idle, not stuck: the backend just has nothing to say.
		return stallNone, ""
	}

	names := make([]string, 0, len(status.RunningTools))
	for _, t := range status.RunningTools {
		names = append(names, t.Name)
	}
	stuckTools := strings.Join(names, ", ")

	if d.hardAbort > 0 && elapsed >= d.hardAbort {
		d.logger.Warn("hard-aborting stalled session",
			zap.String("stuck_tools", stuckTools),
			zap.Duration("elapsed", elapsed))
		return stallHardAbort, stuckTools
	}

	if d.warned {
		return stallNone, stuckTools
	}
	d.warned = true

	d.logger.Warn("tool appears stuck, attempting recovery",
		zap.String("stuck_tools", stuckTools),
		zap.Duration("elapsed", elapsed))
	return stallRecover, stuckTools
}

// recover aborts the stalled operation and resends with the recovery
// prompt, returning the replacement stream.
func (d *stallDetector) recover(ctx context.Context, stuckTools, model, agent string) (*backend.Stream, error) {
	if err := d.session.Abort(ctx, d.sessionID, d.workspaceDir); err != nil {
		d.logger.Warn("failed to abort stalled session", zap.Error(err))
	}
	time.Sleep(abortSettleDelay)

	stream, err := d.session.SendMessage(ctx, backend.SendRequest{
		SessionID:    d.sessionID,
		WorkspaceDir: d.workspaceDir,
		Content:      fmt.Sprintf("%s\n\nThe tool(s) that appear stuck: %s", stuckToolRecoveryPrompt, stuckTools),
		Model:        model,
		Agent:        agent,
	})
	if err != nil {
		return nil, fmt.Errorf("send recovery message: %w", err)
	}

	d.observe()
	return stream, nil
}
