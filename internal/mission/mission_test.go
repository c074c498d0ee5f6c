package mission

import "testing"

func TestStatusMachine(t *testing.T) {
	cases := []struct {
		status    Status
		terminal  bool
		resumable bool
	}{
		{StatusPending, false, false},
		{StatusActive, false, false},
		{StatusCompleted, true, false},
		{StatusFailed, true, true},
		{StatusInterrupted, true, true},
		{StatusBlocked, true, true},
		{StatusNotFeasible, true, false},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v", tc.status, got)
		}
		if got := tc.status.Resumable(); got != tc.resumable {
			t.Errorf("%s.Resumable() = %v", tc.status, got)
		}
		if !tc.status.IsValid() {
			t.Errorf("%s should be valid", tc.status)
		}
	}

	if Status("weird").IsValid() {
		t.Error("unknown status must not be valid")
	}
	if got := ParseStatus("weird"); got != StatusPending {
		t.Errorf("ParseStatus fallback = %s", got)
	}
	if got := ParseStatus("not_feasible"); got != StatusNotFeasible {
		t.Errorf("ParseStatus(not_feasible) = %s", got)
	}
}

func TestTerminalReasonSetIsClosed(t *testing.T) {
	for _, r := range []TerminalReason{
		ReasonCompleted, ReasonLlmError, ReasonStalled, ReasonCancelled,
		ReasonOrphanedOnStartup, ReasonInfeasible, ReasonBlocked,
	} {
		if !ValidTerminalReason(r) {
			t.Errorf("%s should be valid", r)
		}
	}
	if ValidTerminalReason("SomethingNew") {
		t.Error("unknown reasons must be rejected")
	}
}

func TestEventPersistedClassification(t *testing.T) {
	persisted := []*AgentEvent{
		NewUserMessageEvent("m", "e", "hi"),
		NewAssistantMessageEvent("m", "yo", true, 0, "", false),
		NewThinkingEvent("m", "hmm", false),
		NewToolCallEvent("m", "tc", "bash", "{}"),
		NewToolResultEvent("m", "tc", "bash", "ok"),
		NewErrorEvent("m", "boom"),
		NewMissionStatusChangedEvent("m", StatusCompleted, ""),
	}
	for _, ev := range persisted {
		if !ev.Persisted() {
			t.Errorf("%s should be persisted", ev.Type)
		}
	}

	busOnly := []*AgentEvent{
		NewStatusEvent("m", RunStateIdle, 0),
		NewTextDeltaEvent("m", "chunk"),
	}
	for _, ev := range busOnly {
		if ev.Persisted() {
			t.Errorf("%s must not be persisted", ev.Type)
		}
	}
}

func TestNewMissionDefaults(t *testing.T) {
	m := New("", "", "", "", "")
	if m.Status != StatusPending {
		t.Errorf("status = %s", m.Status)
	}
	if m.WorkspaceID != DefaultWorkspaceID {
		t.Errorf("workspace = %s", m.WorkspaceID)
	}
	if m.Backend != DefaultBackend {
		t.Errorf("backend = %s", m.Backend)
	}
	if m.ID == "" || m.SessionID == "" {
		t.Error("ids must be assigned at creation")
	}
	if m.ID == m.SessionID {
		t.Error("mission and session ids must differ")
	}
}
