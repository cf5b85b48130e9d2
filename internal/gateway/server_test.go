package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	wsclient "github.com/dohr-michael/agentoz/clients/ws"
	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/backend"
	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/gateway/ws"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/storage/kv"
	"github.com/dohr-michael/agentoz/internal/stream"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

type testEnv struct {
	srv    *Server
	orch   *orchestrator.Orchestrator
	agents *agents.FileStore
	tasks  *tasks.FileStore
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store := kv.NewMemoryStore()
	reg := prometheus.NewRegistry()
	bus := events.NewBus(64)

	env := &testEnv{
		agents: agents.NewFileStore(dir + "/agents"),
		tasks:  tasks.NewFileStore(dir + "/tasks"),
		bus:    bus,
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Agents:  env.agents,
		Tasks:   env.tasks,
		Locks:   agents.NewLock(store, time.Minute),
		Backlog: agents.NewBacklog(store),
		Backend: &backend.Scripted{Script: func(req backend.Request) []backend.Response {
			return backend.MessageScript("re: "+req.Prompt, []byte("r"))
		}},
		Bus:          bus,
		Metrics:      orchestrator.MustNewMetrics(reg),
		Archive:      sessions.NewFileArchive(dir + "/sessions"),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	orch.Start()
	env.orch = orch
	env.srv = NewServer(Deps{
		Orchestrator: orch,
		Tasks:        env.tasks,
		Agents:       env.agents,
		Bus:          bus,
		Archive:      sessions.NewFileArchive(dir + "/sessions"),
		Gatherer:     reg,
	}, "localhost", 0)

	t.Cleanup(func() {
		env.srv.hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(ctx)
		bus.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, conv string, names ...string) map[string]string {
	t.Helper()
	defs := make([]map[string]any, 0, len(names))
	for _, n := range names {
		defs = append(defs, map[string]any{"name": n, "description": n + " agent"})
	}
	w := e.do(t, http.MethodPost, "/api/conversations/"+conv+"/agents", map[string]any{"agents": defs})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed: status %d: %s", w.Code, w.Body.String())
	}
	var created []agents.Agent
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	ids := make(map[string]string, len(created))
	for _, a := range created {
		ids[a.Name] = a.ID
	}
	return ids
}

func waitTask(t *testing.T, store tasks.Store, id string, want tasks.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, err := store.Get(id); err == nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
}

func TestHandleHealth(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestHandleEvents_FilterAndLimit(t *testing.T) {
	env := newTestServer(t)
	for i := 0; i < 6; i++ {
		conv := "C1"
		if i%2 == 1 {
			conv = "C2"
		}
		env.bus.Publish(events.NewConversationEvent(events.EventTaskSubmitted, events.SourceGateway, map[string]any{"i": i}, conv))
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(env.bus.History(100)) < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	w := env.do(t, http.MethodGet, "/api/events?limit=4", nil)
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 4 {
		t.Fatalf("expected 4 events with limit=4, got %d", len(body))
	}

	w = env.do(t, http.MethodGet, "/api/events?conversation_id=C2", nil)
	body = nil
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 3 {
		t.Fatalf("expected 3 events for C2, got %d", len(body))
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	env := newTestServer(t)
	ids := env.seed(t, "C1", "lead")

	w := env.do(t, http.MethodPost, "/api/sessions", map[string]string{
		"conversation_id": "C1", "agent_name": "lead", "message": "hello",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status %d: %s", w.Code, w.Body.String())
	}
	var info sessions.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.MainTaskID != "main-C1" || info.CurrentAgentID != ids["lead"] {
		t.Errorf("info = %+v", info)
	}
	waitTask(t, env.tasks, "main-C1", tasks.TaskCompleted)

	w = env.do(t, http.MethodGet, "/api/sessions/C1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get session: status %d", w.Code)
	}
	if w = env.do(t, http.MethodGet, "/api/sessions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/tasks/main-C1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get task: status %d", w.Code)
	}
	var detail struct {
		View        tasks.StatusView   `json:"view"`
		Transitions []tasks.Transition `json:"transitions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.View.Result != "re: hello" || len(detail.Transitions) < 2 {
		t.Errorf("detail = %+v", detail)
	}

	w = env.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(w.Body.String(), "agentoz_tasks_finished_total") {
		t.Errorf("metrics missing task counter:\n%s", w.Body.String())
	}
}

func TestSubmitTaskOverREST(t *testing.T) {
	env := newTestServer(t)
	env.seed(t, "C1", "lead", "helper")

	w := env.do(t, http.MethodPost, "/api/sessions/C1/tasks", map[string]string{
		"target_name": "helper", "description": "count", "priority": "high",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d: %s", w.Code, w.Body.String())
	}
	var view tasks.StatusView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	waitTask(t, env.tasks, view.TaskID, tasks.TaskCompleted)

	if w := env.do(t, http.MethodPost, "/api/sessions/C1/tasks", map[string]string{
		"target_name": "helper", "description": "x", "priority": "urgent",
	}); w.Code != http.StatusBadRequest {
		t.Errorf("bad priority: status %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/sessions/C1/tasks", map[string]string{
		"target_name": "ghost", "description": "x",
	}); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/tasks/task_missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown task: status %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/tasks?conversation_id=C1", nil)
	var list []tasks.Task
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Priority != tasks.PriorityHigh {
		t.Errorf("tasks = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/conversations/C1/agents", nil)
	var views []orchestrator.AgentView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Errorf("agents = %+v", views)
	}
}

func TestWebSocketStartSessionStreams(t *testing.T) {
	env := newTestServer(t)
	ids := env.seed(t, "C1", "lead")

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := wsclient.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	reqID, err := client.StartSession("C1", ids["lead"], "hello")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var (
		gotOK    bool
		statuses []stream.Status
	)
	for {
		f, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.Type == ws.FrameTypeResponse && f.ID == reqID {
			if f.OK == nil || !*f.OK {
				t.Fatalf("start_session failed: %s", f.Error)
			}
			gotOK = true
			continue
		}
		if f.Event == ws.EventStreamClosed {
			break
		}
		if e, ok := wsclient.StreamEvent(f); ok {
			statuses = append(statuses, e.Status)
		}
	}

	if !gotOK {
		t.Error("no start_session response")
	}
	if len(statuses) != 3 || statuses[2] != stream.StatusFinished {
		t.Errorf("stream statuses = %v", statuses)
	}
}
