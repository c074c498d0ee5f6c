package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/control"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

type apiHarness struct {
	router *gin.Engine
	store  store.Store
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryBus(logger.Default())
	registry := backend.NewRegistry()
	registry.Register(mission.DefaultBackend, &backend.MockSession{})

	cfg := control.Config{
		MaxParallel:            1,
		StallCheckInterval:     time.Minute,
		StallThreshold:         5 * time.Minute,
		QueueCapacity:          16,
		HistoryMaxMessages:     10,
		HistoryMaxMessageChars: 5000,
		HistoryMaxTotalChars:   30000,
		WorkspaceRoot:          t.TempDir(),
	}
	ctrl := control.NewController(cfg, st, eventBus, registry, logger.Default())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(ctrl.Stop)

	router := gin.New()
	NewHandlers(ctrl, st, eventBus, logger.Default()).RegisterRoutes(router)

	return &apiHarness{router: router, store: st}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestAPI_PostMessage(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/control/message", `{"content":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID     string `json:"id"`
		Queued bool   `json:"queued"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.ID == "" || !resp.Queued {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAPI_PostMessageEmptyContent(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/control/message", `{"content":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// No state change: nothing was created.
	missions, err := h.store.ListMissions(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(missions) != 0 {
		t.Errorf("expected no missions, got %d", len(missions))
	}
}

func TestAPI_CancelIsIdempotent(t *testing.T) {
	h := newAPIHarness(t)

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/control/cancel", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel %d: status = %d", i, rec.Code)
		}
	}
}

func TestAPI_ToolResultUnknownID(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/control/tool-result",
		`{"tool_call_id":"ghost","name":"ui_x","result":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAPI_MissionCRUD(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/missions", `{"title":"My mission","backend":"opencode"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created mission.Mission
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse created mission: %v", err)
	}
	if created.Status != mission.StatusPending {
		t.Errorf("new mission status = %s", created.Status)
	}

	rec = h.do(t, http.MethodGet, "/missions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list []mission.Mission
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("unexpected list: %+v", list)
	}

	rec = h.do(t, http.MethodGet, "/missions/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/missions/no-such-id", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/missions/"+created.ID+"/load", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("load: status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/missions/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodDelete, "/missions/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("re-delete: status = %d", rec.Code)
	}
}

func TestAPI_SetMissionStatusValidation(t *testing.T) {
	h := newAPIHarness(t)

	m, err := h.store.CreateMission(context.Background(), "s", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodPost, "/missions/"+m.ID+"/status", `{"status":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: code = %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/missions/"+m.ID+"/status", `{"status":"failed","reason":"Mystery"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus reason: code = %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/missions/"+m.ID+"/status", `{"status":"completed","reason":"Completed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid transition: code = %d, body = %s", rec.Code, rec.Body.String())
	}

	got, err := h.store.GetMission(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestAPI_EventReplay(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	m, err := h.store.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.LogEvent(ctx, m.ID, mission.NewUserMessageEvent(m.ID, "u1", "hi")); err != nil {
		t.Fatal(err)
	}
	if err := h.store.LogEvent(ctx, m.ID, mission.NewThinkingEvent(m.ID, "hmm", false)); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/missions/"+m.ID+"/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: code = %d", rec.Code)
	}
	var events []mission.StoredEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("parse events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	rec = h.do(t, http.MethodGet, "/missions/"+m.ID+"/events?types=user_message", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered events: code = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != mission.EventUserMessage {
		t.Errorf("filter failed: %+v", events)
	}
}

func TestAPI_TotalCost(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	m, err := h.store.CreateMission(ctx, "", "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.LogEvent(ctx, m.ID, mission.NewAssistantMessageEvent(m.ID, "x", true, 25, "", false)); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/system/cost", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cost: code = %d", rec.Code)
	}
	var resp struct {
		TotalCostCents uint64 `json:"total_cost_cents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalCostCents != 25 {
		t.Errorf("total = %d, want 25", resp.TotalCostCents)
	}
}

func TestAPI_Health(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: code = %d", rec.Code)
	}
}
