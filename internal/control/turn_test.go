package control

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

func newContextTestController(t *testing.T, cfg Config) (*Controller, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	c := NewController(cfg, st, bus.NewMemoryBus(logger.Default()), backend.NewRegistry(), logger.Default())
	return c, st
}

func seedHistory(t *testing.T, st store.Store, missionID string, turns int, userContent func(i int) string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < turns; i++ {
		if err := st.LogEvent(ctx, missionID, mission.NewUserMessageEvent(missionID, fmt.Sprintf("u-%d", i), userContent(i))); err != nil {
			t.Fatalf("log user event: %v", err)
		}
		if err := st.LogEvent(ctx, missionID, mission.NewAssistantMessageEvent(missionID, fmt.Sprintf("answer %d", i), true, 0, "", false)); err != nil {
			t.Fatalf("log assistant event: %v", err)
		}
	}
}

func TestBuildContext_NoHistoryPassesThrough(t *testing.T) {
	c, st := newContextTestController(t, testConfig(t))
	ctx := context.Background()

	m, err := st.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}

	got := c.buildContext(ctx, m, "fresh start")
	if got != "fresh start" {
		t.Errorf("context = %q", got)
	}
}

func TestBuildContext_TruncatesToLastMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryMaxMessages = 4
	c, st := newContextTestController(t, cfg)
	ctx := context.Background()

	m, err := st.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seedHistory(t, st, m.ID, 5, func(i int) string { return fmt.Sprintf("question %d", i) })

	got := c.buildContext(ctx, m, "next")

	if !strings.HasPrefix(got, omittedMarker) {
		t.Errorf("expected omission marker prefix, got %q", got)
	}
	if strings.Contains(got, "question 0") {
		t.Error("oldest history must be dropped")
	}
	// The last two turns (4 entries) survive.
	for _, want := range []string{"question 3", "answer 3", "question 4", "answer 4"} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q", want)
		}
	}
	if !strings.HasSuffix(got, "user: next") {
		t.Errorf("context must end with the new message, got %q", got)
	}
}

func TestBuildContext_ClipsLongMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryMaxMessageChars = 50
	c, st := newContextTestController(t, cfg)
	ctx := context.Background()

	m, err := st.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("x", 200)
	seedHistory(t, st, m.ID, 1, func(int) string { return long })

	got := c.buildContext(ctx, m, "next")
	if strings.Contains(got, long) {
		t.Error("long history entries must be clipped")
	}
	if !strings.Contains(got, strings.Repeat("x", 50)+"...") {
		t.Error("clipped entry should end with ellipsis")
	}
}

func TestBuildContext_TotalBudgetStopsOlderMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryMaxMessages = 10
	cfg.HistoryMaxMessageChars = 5000
	cfg.HistoryMaxTotalChars = 300
	c, st := newContextTestController(t, cfg)
	ctx := context.Background()

	m, err := st.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seedHistory(t, st, m.ID, 4, func(i int) string {
		return fmt.Sprintf("q%d %s", i, strings.Repeat("y", 100))
	})

	got := c.buildContext(ctx, m, "next")
	if !strings.HasPrefix(got, omittedMarker) {
		t.Error("budget overflow must add the omission marker")
	}
	if strings.Contains(got, "q0") {
		t.Error("oldest entries beyond the budget must be dropped")
	}
	if !strings.Contains(got, "answer 3") {
		t.Error("newest entries must be kept")
	}
}
