package control

import (
	"context"
	"testing"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/common/settings"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

func TestStartupRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryBus(logger.Default())
	ctx := context.Background()

	active, err := st.CreateMission(ctx, "was running", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateMissionStatus(ctx, active.ID, mission.StatusActive, ""); err != nil {
		t.Fatal(err)
	}

	pending, err := st.CreateMission(ctx, "not yet dispatched", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}

	completed, err := st.CreateMission(ctx, "finished", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateMissionStatus(ctx, completed.ID, mission.StatusCompleted, mission.ReasonCompleted); err != nil {
		t.Fatal(err)
	}

	sub, err := eventBus.Subscribe(16)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	err = RunStartupRecovery(ctx, st, eventBus, RecoveryConfig{
		RTKEnabled:          true,
		MaxParallelMissions: 3,
	}, logger.Default())
	if err != nil {
		t.Fatalf("startup recovery failed: %v", err)
	}

	// The orphan becomes Interrupted/OrphanedOnStartup and resumable.
	got, err := st.GetMission(ctx, active.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusInterrupted {
		t.Errorf("orphan status = %s, want interrupted", got.Status)
	}
	if got.TerminalReason != mission.ReasonOrphanedOnStartup {
		t.Errorf("orphan reason = %q", got.TerminalReason)
	}
	if !got.Resumable {
		t.Error("orphan must be resumable")
	}

	// Pending and completed missions are untouched.
	got, err = st.GetMission(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusPending {
		t.Errorf("pending status = %s, want pending", got.Status)
	}
	got, err = st.GetMission(ctx, completed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusCompleted {
		t.Errorf("completed status = %s, want completed", got.Status)
	}

	// The transition was announced.
	ev := <-sub.C
	if ev.Type != mission.EventMissionStatusChanged || ev.MissionID != active.ID {
		t.Errorf("unexpected event %s for %s", ev.Type, ev.MissionID)
	}

	// The settings snapshot was published.
	snap := settings.Current()
	if !snap.RTKEnabled || snap.MaxParallelMissions != 3 {
		t.Errorf("settings snapshot = %+v", snap)
	}
}

func TestStartupRecovery_CompactsPlaceholders(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	placeholder, err := st.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}

	err = RunStartupRecovery(ctx, st, bus.NewMemoryBus(logger.Default()), RecoveryConfig{MaxParallelMissions: 1}, logger.Default())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := st.GetMission(ctx, placeholder.ID); err != store.ErrMissionNotFound {
		t.Errorf("placeholder should be compacted, got err=%v", err)
	}
}
