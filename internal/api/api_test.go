package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/assemble"
	"github.com/solvepad/solvepad/internal/infra/dispatch"
	"github.com/solvepad/solvepad/internal/infra/keypool"
	"github.com/solvepad/solvepad/internal/infra/progress"
	"github.com/solvepad/solvepad/internal/infra/provider"
	"github.com/solvepad/solvepad/internal/infra/sqlite"
	"github.com/solvepad/solvepad/internal/infra/tracker"
)

type echoRunner struct{}

func (echoRunner) Execute(ctx context.Context, language, code string) (string, error) {
	return "ok\n", nil
}

type testEnv struct {
	srv  *httptest.Server
	hub  *progress.Hub
	pool *keypool.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := progress.NewHub()
	tr := tracker.New(db, hub, nil)

	profile := domain.RateProfile{
		PerMinuteCap:      1000,
		PerHourCap:        10000,
		PerKeyConcurrency: 4,
		GlobalConcurrency: 8,
		RateLimitCooldown: 50 * time.Millisecond,
		ErrorCooldown:     50 * time.Millisecond,
		ErrorBurstLimit:   100,
	}
	pool := keypool.New(nil)
	pool.AddProvider(domain.ProviderPrimary, profile, []string{"pk-0", "pk-1"})

	cfg := dispatch.Config{
		WorkerCap:   2,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		CallTimeout: time.Second,
	}
	d := dispatch.New(cfg, pool,
		map[domain.Provider]domain.ProviderAdapter{
			domain.ProviderPrimary: provider.NewMockAdapter("primary"),
		}, echoRunner{}, tr, assemble.NewPDF(t.TempDir()))

	s := NewServer(context.Background(), tr, hub, pool, d, db)
	s.EnableMetrics()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, hub: hub, pool: pool}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var parsed map[string]any
	json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func (e *testEnv) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var parsed map[string]any
	json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func (e *testEnv) waitForStatus(t *testing.T, taskID string, want domain.TaskStatus) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, task := e.getJSON(t, "/api/tasks/"+taskID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET task: HTTP %d", resp.StatusCode)
		}
		if task["status"] == string(want) {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func submitBody(n int) map[string]any {
	questions := make([]map[string]any, n)
	for i := range questions {
		questions[i] = map[string]any{"index": i + 1, "text": fmt.Sprintf("question %d", i+1)}
	}
	return map[string]any{
		"user_phone": "15551234567",
		"language":   "python",
		"questions":  questions,
	}
}

func TestCreateBatch_RunsToCompletion(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/api/batches", submitBody(3))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("HTTP %d, want 202", resp.StatusCode)
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" {
		t.Fatalf("no task_id in %v", body)
	}
	if body["requires_confirmation"] != false {
		t.Errorf("requires_confirmation = %v", body["requires_confirmation"])
	}

	task := env.waitForStatus(t, taskID, domain.TaskCompleted)
	if task["progress"].(float64) != 100 {
		t.Errorf("progress = %v", task["progress"])
	}
	counts := task["counts"].(map[string]any)
	if counts["solved"].(float64) != 3 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/api/batches", map[string]any{"language": "python"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields: HTTP %d, want 400", resp.StatusCode)
	}
}

func TestCreateBatch_RejectsDuplicateIndices(t *testing.T) {
	env := newTestEnv(t)

	body := submitBody(2)
	body["questions"] = []map[string]any{
		{"index": 3, "text": "question a"},
		{"index": 3, "text": "question b"},
	}
	resp, parsed := env.postJSON(t, "/api/batches", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate indices: HTTP %d, want 400 (%v)", resp.StatusCode, parsed)
	}
}

func TestConfirmationGate(t *testing.T) {
	env := newTestEnv(t)

	// 25 questions trips the default threshold of 20.
	resp, body := env.postJSON(t, "/api/batches", submitBody(25))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("HTTP %d", resp.StatusCode)
	}
	if body["requires_confirmation"] != true {
		t.Fatalf("25-question batch did not require confirmation: %v", body)
	}
	taskID := body["task_id"].(string)

	_, task := env.getJSON(t, "/api/tasks/"+taskID)
	if task["status"] != string(domain.TaskAwaitingConfirmation) {
		t.Fatalf("status = %v, want awaiting_confirmation", task["status"])
	}

	cresp, _ := env.postJSON(t, "/api/tasks/"+taskID+"/confirm", nil)
	if cresp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: HTTP %d", cresp.StatusCode)
	}
	env.waitForStatus(t, taskID, domain.TaskCompleted)

	// A second confirm is a conflict.
	cresp, _ = env.postJSON(t, "/api/tasks/"+taskID+"/confirm", nil)
	if cresp.StatusCode != http.StatusConflict {
		t.Errorf("second confirm: HTTP %d, want 409", cresp.StatusCode)
	}
}

func TestConfirmationGate_PerUserThreshold(t *testing.T) {
	env := newTestEnv(t)

	// First submission registers the user; 3 questions clear the
	// default gate of 20.
	_, body := env.postJSON(t, "/api/batches", submitBody(3))
	env.waitForStatus(t, body["task_id"].(string), domain.TaskCompleted)

	resp, _ := env.postJSON(t, "/admin/users/15551234567/confirm-threshold", map[string]any{"threshold": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set threshold: HTTP %d", resp.StatusCode)
	}

	// The same 3-question batch now trips the per-user gate of 2.
	resp, body = env.postJSON(t, "/api/batches", submitBody(3))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("HTTP %d", resp.StatusCode)
	}
	if body["requires_confirmation"] != true {
		t.Errorf("per-user threshold not applied: %v", body)
	}

	resp, _ = env.postJSON(t, "/admin/users/nobody/confirm-threshold", map[string]any{"threshold": 2})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("set threshold for unknown user: HTTP %d, want 404", resp.StatusCode)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.postJSON(t, "/api/batches", submitBody(25)) // gated, so it stays live
	taskID := body["task_id"].(string)

	resp, _ := env.postJSON(t, "/api/tasks/"+taskID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel: HTTP %d", resp.StatusCode)
	}

	resp, _ = env.postJSON(t, "/api/tasks/does-not-exist/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown: HTTP %d, want 404", resp.StatusCode)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.getJSON(t, "/api/tasks/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("HTTP %d, want 404", resp.StatusCode)
	}
}

func TestTaskEvents_SSETerminalSnapshot(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.postJSON(t, "/api/batches", submitBody(2))
	taskID := body["task_id"].(string)
	env.waitForStatus(t, taskID, domain.TaskCompleted)

	resp, err := http.Get(env.srv.URL + "/api/tasks/" + taskID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	payload := string(buf[:n])
	if !strings.HasPrefix(payload, "data: ") {
		t.Fatalf("payload = %q", payload)
	}
	var ev domain.ProgressEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(payload), "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Status != domain.TaskCompleted || ev.TaskID != taskID {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebsocket_ReceivesRoomEvents(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?task_id=tsk-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a beat to register the room subscription.
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers(domain.TaskRoom("tsk-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Publish(domain.TaskRoom("tsk-1"), domain.ProgressEvent{
		TaskID: "tsk-1", Status: domain.TaskProcessing, Progress: 40,
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev domain.ProgressEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.TaskID != "tsk-1" || ev.Progress != 40 {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebsocket_RequiresRoom(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("HTTP %d, want 400", resp.StatusCode)
	}
}

func TestAdminPoolSnapshotAndEnable(t *testing.T) {
	env := newTestEnv(t)

	resp, snap := env.getJSON(t, "/admin/pool")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HTTP %d", resp.StatusCode)
	}
	if _, ok := snap[string(domain.ProviderPrimary)]; !ok {
		t.Errorf("snapshot missing primary: %v", snap)
	}

	resp, _ = env.postJSON(t, "/admin/pool/primary/keys/0/enable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("enable key: HTTP %d", resp.StatusCode)
	}
	resp, _ = env.postJSON(t, "/admin/pool/nosuch/keys/0/enable", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("enable key on unknown provider: HTTP %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.getJSON(t, "/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}

	mresp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("metrics: HTTP %d", mresp.StatusCode)
	}
}
