package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"suppliersync/internal/bus"
	"suppliersync/internal/domain"
	"suppliersync/internal/followup"
	"suppliersync/internal/lifecycle"
	"suppliersync/internal/resume"
	"suppliersync/internal/security"
	"suppliersync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const testSecret = "server-test-secret-0123"

type testEnv struct {
	srv      *httptest.Server
	store    *store.SQLiteStore
	coord    *resume.Coordinator
	registry *bus.ThreadRegistry
	verifier *security.TokenVerifier
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	registry := bus.NewThreadRegistry(time.Second, testLogger())
	notifier := bus.NewNotifier(registry, 0, testLogger())
	coord := resume.NewCoordinator(s, domain.ResumerFunc(func(ctx context.Context, threadID, requestID string, resp *domain.SupplierResponse) error {
		return nil
	}), notifier, resume.Config{}, testLogger())
	scheduler := followup.NewScheduler(s, 5, testLogger())
	svc := lifecycle.NewService(s, notifier, coord, scheduler, testLogger())

	env := &testEnv{store: s, coord: coord, registry: registry}
	deps := Deps{
		Store:       s,
		Lifecycle:   svc,
		Coordinator: coord,
		Scheduler:   scheduler,
		Registry:    registry,
		Notifier:    notifier,
	}
	if withAuth {
		env.verifier, err = security.NewTokenVerifier(testSecret, "")
		if err != nil {
			t.Fatal(err)
		}
		deps.Verifier = env.verifier
	}
	server := NewServer(ServerConfig{MetricsPath: "/metrics", Logger: testLogger()}, deps)
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		registry.Close()
		env.srv.Close()
		coord.Close()
		s.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, p domain.Principal) string {
	t.Helper()
	tok, err := e.verifier.Issue(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (e *testEnv) dial(t *testing.T, threadID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/conversations/" + threadID
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ev := readEvent(t, conn)
	if ev["type"] != "connected" || ev["thread_id"] != threadID {
		t.Fatalf("expected connected greeting, got %v", ev)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func createBody(id string) map[string]any {
	return map[string]any{
		"request_id":      id,
		"thread_id":       "thread-1",
		"supplier_id":     "sup-1",
		"request_type":    "negotiation",
		"request_subject": "Price for 500 units",
		"request_message": "Can you do 4.20?",
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, false)
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: %d", resp.StatusCode)
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	env := newTestEnv(t, false)

	body := createBody("req-1")
	body["follow_up"] = map[string]any{"follow_up_method": "slack", "recipient": "C42"}
	resp, out := env.do(t, http.MethodPost, "/api/v1/requests", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, out)
	}
	req := out["request"].(map[string]any)
	if req["status"] != "pending" || req["priority"] != "medium" {
		t.Errorf("unexpected request %v", req)
	}
	if out["follow_up_schedule"] == nil || out["follow_up_message"] == nil {
		t.Errorf("expected inline follow-up, got %v", out)
	}

	resp, out = env.do(t, http.MethodGet, "/api/v1/requests/req-1", "", nil)
	if resp.StatusCode != http.StatusOK || out["request_id"] != "req-1" {
		t.Errorf("get: %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/v1/requests/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests", "", map[string]any{"thread_id": "t"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	resp, out = env.do(t, http.MethodGet, "/api/v1/requests/req-1/schedules", "", nil)
	if scheds, _ := out["schedules"].([]any); resp.StatusCode != http.StatusOK || len(scheds) != 1 {
		t.Errorf("schedules: %d %v", resp.StatusCode, out)
	}
}

func TestRespond_ObserverSeesResponseAndResume(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))
	conn := env.dial(t, "thread-1", "")

	resp, out := env.do(t, http.MethodPost, "/api/v1/requests/req-1/responses", "", map[string]any{
		"response_text": "Agreed at 4.20",
		"response_type": "accept",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("respond: %d %v", resp.StatusCode, out)
	}
	if out["trigger"] == nil {
		t.Errorf("expected trigger in %v", out)
	}

	first := readEvent(t, conn)
	if first["type"] != string(domain.EventResponseReceived) || first["supplier_response_preview"] != "Agreed at 4.20" {
		t.Errorf("unexpected first event %v", first)
	}
	second := readEvent(t, conn)
	if second["type"] != string(domain.EventStatusChanged) || second["status"] != resume.StatusResumed {
		t.Errorf("unexpected second event %v", second)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests/req-1/responses", "", map[string]any{
		"response_text": "Actually no",
		"response_type": "reject",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second response, got %d", resp.StatusCode)
	}

	env.coord.Wait()
	resp, out = env.do(t, http.MethodGet, "/api/v1/requests/req-1/triggers", "", nil)
	triggers, _ := out["triggers"].([]any)
	if resp.StatusCode != http.StatusOK || len(triggers) != 1 {
		t.Errorf("triggers: %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodGet, "/api/v1/requests/req-1/responses", "", nil)
	history, _ := out["responses"].([]any)
	if resp.StatusCode != http.StatusOK || len(history) != 1 {
		t.Errorf("responses: %d %v", resp.StatusCode, out)
	}
}

func TestCancelAndExpire(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-2"))

	resp, out := env.do(t, http.MethodPost, "/api/v1/requests/req-1/cancel", "", map[string]any{"reason": "duplicate"})
	if resp.StatusCode != http.StatusOK || out["status"] != "cancelled" {
		t.Errorf("cancel: %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests/req-1/cancel", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second cancel, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests/req-2/expire", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 expiring without a deadline, got %d", resp.StatusCode)
	}
}

func TestThreadPushEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	conn := env.dial(t, "thread-9", "")

	long := strings.Repeat("x", 600)
	resp, out := env.do(t, http.MethodPost, "/api/v1/threads/thread-9/messages", "", map[string]any{
		"role": "assistant", "content": long, "node": "negotiator",
	})
	if resp.StatusCode != http.StatusAccepted || out["observers"] != float64(1) {
		t.Errorf("messages: %d %v", resp.StatusCode, out)
	}
	ev := readEvent(t, conn)
	content, _ := ev["content"].(string)
	if ev["type"] != "message_added" || len(content) != bus.MessageContentLimit+len(bus.TruncationMarker) {
		t.Errorf("unexpected message event %v", ev)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/threads/thread-9/status", "", map[string]any{
		"status": "waiting_supplier", "is_paused": true, "next_step": "await_response",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status: %d", resp.StatusCode)
	}
	ev = readEvent(t, conn)
	if ev["type"] != "workflow_status_changed" || ev["is_paused"] != true || ev["next_step"] != "await_response" {
		t.Errorf("unexpected status event %v", ev)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/threads/thread-9/status", "", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without status, got %d", resp.StatusCode)
	}
}

func TestConversation_PingAndReplay(t *testing.T) {
	env := newTestEnv(t, false)
	before := time.Now().UTC().Add(-time.Second)
	env.do(t, http.MethodPost, "/api/v1/threads/thread-r/messages", "", map[string]any{"content": "missed while offline"})

	conn := env.dial(t, "thread-r", "since="+before.Format(time.RFC3339Nano))
	ev := readEvent(t, conn)
	if ev["type"] != "message_added" || ev["content"] != "missed while offline" {
		t.Errorf("expected replayed message, got %v", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev["type"] != "pong" {
		t.Errorf("expected pong, got %v", ev)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev["type"] != "pong" {
		t.Errorf("expected pong, got %v", ev)
	}

	resp, out := env.do(t, http.MethodGet, "/ws/connections/active", "", nil)
	if resp.StatusCode != http.StatusOK || out["total_connections"] != float64(1) {
		t.Errorf("active: %d %v", resp.StatusCode, out)
	}
}

func TestConversation_DisconnectDetaches(t *testing.T) {
	env := newTestEnv(t, false)
	conn := env.dial(t, "thread-d", "")
	if env.registry.Count("thread-d") != 1 {
		t.Fatalf("expected attached observer")
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for env.registry.Count("thread-d") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer not detached after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConversation_BadSince(t *testing.T) {
	env := newTestEnv(t, false)
	resp, _ := env.do(t, http.MethodGet, "/ws/conversations/t?since=yesterday", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, true)
	ops := env.token(t, domain.Principal{UserID: "ops-1", Role: security.RoleOperator})
	mine := env.token(t, domain.Principal{UserID: "u-1", SupplierID: "sup-1", Role: security.RoleSupplier})
	other := env.token(t, domain.Principal{UserID: "u-2", SupplierID: "sup-2", Role: security.RoleSupplier})

	resp, _ := env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests", mine, createBody("req-1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for supplier creating requests, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/requests", ops, createBody("req-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for operator, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/requests/req-1", other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for other supplier, got %d", resp.StatusCode)
	}
	resp, out := env.do(t, http.MethodPost, "/api/v1/requests/req-1/responses", mine, map[string]any{
		"response_text": "ok", "response_type": "accept",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("respond as supplier: %d %v", resp.StatusCode, out)
	}
	if r, _ := out["response"].(map[string]any); r["supplier_user_id"] != "u-1" {
		t.Errorf("expected principal recorded as responder, got %v", out["response"])
	}

	resp, _ = env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay open, got %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/conversations/thread-1"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 on unauthenticated upgrade, err=%v", err)
	}
	env.dial(t, "thread-1", "token="+ops)
}

func TestDeleteSupplier(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-2"))

	resp, out := env.do(t, http.MethodDelete, "/api/v1/suppliers/sup-1", "", nil)
	if resp.StatusCode != http.StatusOK || out["deleted_requests"] != float64(2) {
		t.Errorf("delete: %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/v1/requests/req-1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestFollowUpEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))

	resp, out := env.do(t, http.MethodPost, "/api/v1/requests/req-1/schedules", "", map[string]any{
		"supplier_commitment_level": "low",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule: %d %v", resp.StatusCode, out)
	}
	sched := out["schedule"].(map[string]any)
	msg := out["message"].(map[string]any)

	resp, out = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/follow-ups/%s/sent", msg["message_id"]), "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "sent" {
		t.Errorf("mark sent: %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%s/follow-ups", sched["schedule_id"]), "", map[string]any{
		"commitment_level": "high", "estimated_duration": "2 days",
	})
	if resp.StatusCode != http.StatusCreated || out["tone"] != "polite" {
		t.Errorf("next follow-up: %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/follow-ups/nope/sent", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRetryTrigger_OnlyFailed(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/requests", "", createBody("req-1"))
	_, out := env.do(t, http.MethodPost, "/api/v1/requests/req-1/responses", "", map[string]any{
		"response_text": "ok", "response_type": "accept",
	})
	env.coord.Wait()
	trig := out["trigger"].(map[string]any)

	resp, _ := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/triggers/%s/retry", trig["trigger_id"]), "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 retrying a completed trigger, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/triggers/missing/retry", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NotFoundf("request", "x"), http.StatusNotFound},
		{domain.InvalidInputf("bad"), http.StatusBadRequest},
		{&domain.TransitionError{RequestID: "x", From: domain.RequestExpired, To: domain.RequestResponded}, http.StatusConflict},
		{fmt.Errorf("wrap: %w", domain.ErrAlreadyResuming), http.StatusConflict},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIsPing(t *testing.T) {
	for msg, want := range map[string]bool{
		"ping":             true,
		" PING ":           true,
		`{"type":"ping"}`:  true,
		`{"type":"hello"}`: false,
		"pong":             false,
		`{"content":"hi"}`: false,
	} {
		if got := isPing(msg); got != want {
			t.Errorf("isPing(%q) = %v", msg, got)
		}
	}
}
