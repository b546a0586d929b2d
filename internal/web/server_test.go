package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/channel"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/memory"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	coord  *swarm.Coordinator
	mem    *memory.Store
	client *natsbus.Client
}

func echoFactory(registry.Definition) (agent.Executor, error) {
	return agent.FuncExecutor(func(_ context.Context, w agent.Work) (agent.Output, error) {
		return agent.Output{Result: "done:" + w.TaskID}, nil
	}), nil
}

func newTestEnv(t *testing.T, initialized bool, auth string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: filepath.Join(dir, "nats")})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	reg, err := registry.New(map[string]config.AgentDefinition{
		"analyst": {Type: "analyst"},
	}, echoFactory)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mem := memory.New(memory.WithBackend(memory.NewSQLBackend(st)))
	coord := swarm.New(swarm.Deps{
		Memory:       mem,
		Channel:      channel.New(config.ChannelConfig{MailboxCapacity: 10, MaxRetries: 1}),
		Store:        st,
		Client:       client,
		Registry:     reg,
		Orchestrator: config.OrchestratorConfig{RetryAttempts: 1},
	})
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })
	if initialized {
		if err := coord.Init(swarm.TopologyMesh, 8); err != nil {
			t.Fatal(err)
		}
	}

	sched := scheduler.New(st, coord, client, config.SchedulerConfig{PollInterval: time.Minute})
	srv := NewServer(coord, st, mem, sched, client, config.WebConfig{Auth: auth}, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, coord: coord, mem: mem, client: client}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSpawnListTerminate(t *testing.T) {
	env := newTestEnv(t, true, "")

	resp := env.do(t, "POST", "/api/agents", map[string]string{"type": "analyst", "name": "a1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var d agent.Descriptor
	decode(t, resp, &d)
	if d.Name != "a1" || d.Status != agent.StatusReady {
		t.Errorf("unexpected descriptor %+v", d)
	}

	var agents []agent.Descriptor
	decode(t, env.do(t, "GET", "/api/agents", nil), &agents)
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}

	if resp := env.do(t, "DELETE", "/api/agents/"+d.ID, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on terminate, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "DELETE", "/api/agents/"+d.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second terminate, got %d", resp.StatusCode)
	}
}

func TestSpawnErrors(t *testing.T) {
	env := newTestEnv(t, false, "")

	if resp := env.do(t, "POST", "/api/agents", map[string]string{"type": "analyst"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before init, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "POST", "/api/agents", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without type, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "POST", "/api/agents", map[string]string{"type": "wizard"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
}

func TestOrchestrateWait(t *testing.T) {
	env := newTestEnv(t, true, "")
	for _, kind := range []string{"analyst", "researcher", "documenter"} {
		if _, err := env.coord.Spawn(context.Background(), kind, ""); err != nil {
			t.Fatal(err)
		}
	}

	resp := env.do(t, "POST", "/api/orchestrate", map[string]any{
		"objective": "Analyze the sales data",
		"strategy":  "parallel",
		"wait":      true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Outcome struct {
			ContextID string `json:"context_id"`
			Result    struct {
				Total      int `json:"total"`
				Successful int `json:"successful"`
			} `json:"result"`
		} `json:"outcome"`
		Error string `json:"error"`
	}
	decode(t, resp, &body)
	if body.Error != "" {
		t.Fatalf("unexpected error %s", body.Error)
	}
	if body.Outcome.Result.Total != 6 || body.Outcome.Result.Successful != 6 {
		t.Errorf("expected 6/6, got %d/%d", body.Outcome.Result.Successful, body.Outcome.Result.Total)
	}

	var run store.OrchestrationRun
	decode(t, env.do(t, "GET", "/api/runs/"+body.Outcome.ContextID, nil), &run)
	if run.Status != "completed" || run.Objective != "Analyze the sales data" {
		t.Errorf("unexpected run %+v", run)
	}

	var runs []store.OrchestrationRun
	decode(t, env.do(t, "GET", "/api/runs", nil), &runs)
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
	if resp := env.do(t, "GET", "/api/runs/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", resp.StatusCode)
	}
}

func TestOrchestrateAsync(t *testing.T) {
	env := newTestEnv(t, true, "")
	if _, err := env.coord.Spawn(context.Background(), "analyst", ""); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, "POST", "/api/orchestrate", map[string]any{"objective": "Summarize the week", "strategy": "sequential"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	decode(t, resp, &accepted)
	if accepted.RunID == "" {
		t.Fatal("expected run id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r := env.do(t, "GET", "/api/runs/"+accepted.RunID, nil)
		if r.StatusCode == http.StatusOK {
			var run store.OrchestrationRun
			decode(t, r, &run)
			if run.Status == "completed" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not complete")
}

func TestOrchestrateValidation(t *testing.T) {
	env := newTestEnv(t, true, "")
	tests := map[string]map[string]any{
		"missing objective": {"strategy": "parallel"},
		"unknown strategy":  {"objective": "x", "strategy": "random"},
	}
	for name, body := range tests {
		if resp := env.do(t, "POST", "/api/orchestrate", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t, true, "")
	ctx := context.Background()
	if err := env.mem.Store(ctx, "shared", "result:a", map[string]int{"rows": 3}, 0); err != nil {
		t.Fatal(err)
	}
	if err := env.mem.Store(ctx, "shared", "note", "hello", 0); err != nil {
		t.Fatal(err)
	}

	var namespaces []string
	decode(t, env.do(t, "GET", "/api/memory", nil), &namespaces)
	if len(namespaces) != 1 || namespaces[0] != "shared" {
		t.Errorf("unexpected namespaces %v", namespaces)
	}

	var entries []memory.Entry
	decode(t, env.do(t, "GET", "/api/memory/shared?pattern=result:*", nil), &entries)
	if len(entries) != 1 || entries[0].Key != "result:a" {
		t.Errorf("unexpected entries %+v", entries)
	}

	var got struct {
		Value map[string]int `json:"value"`
	}
	decode(t, env.do(t, "GET", "/api/memory/shared/result:a", nil), &got)
	if got.Value["rows"] != 3 {
		t.Errorf("unexpected value %v", got.Value)
	}

	if resp := env.do(t, "GET", "/api/memory/shared/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/api/memory/shared?pattern=%5B", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed pattern, got %d", resp.StatusCode)
	}
}

func TestObjectiveLifecycle(t *testing.T) {
	env := newTestEnv(t, true, "")

	resp := env.do(t, "POST", "/api/objectives", map[string]string{
		"name":      "hourly",
		"schedule":  "1h",
		"objective": "Analyze logs",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created map[string]any
	decode(t, resp, &created)
	id, _ := created["id"].(string)
	if id == "" || created["schedule_display"] != "Every hour" {
		t.Fatalf("unexpected objective %v", created)
	}

	var paused map[string]any
	decode(t, env.do(t, "POST", "/api/objectives/"+id+"/pause", nil), &paused)
	if paused["status"] != "paused" {
		t.Errorf("expected paused, got %v", paused["status"])
	}
	var resumed map[string]any
	decode(t, env.do(t, "POST", "/api/objectives/"+id+"/resume", nil), &resumed)
	if resumed["status"] != "active" {
		t.Errorf("expected active, got %v", resumed["status"])
	}

	var list []map[string]any
	decode(t, env.do(t, "GET", "/api/objectives", nil), &list)
	if len(list) != 1 {
		t.Errorf("expected 1 objective, got %d", len(list))
	}

	if resp := env.do(t, "POST", "/api/objectives/missing/pause", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "POST", "/api/objectives", map[string]string{"schedule": "whenever", "objective": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad schedule, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "DELETE", "/api/objectives/"+id, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, true, "")
	var status struct {
		Status  string       `json:"status"`
		Version string       `json:"version"`
		NATS    string       `json:"nats"`
		Swarm   swarm.Status `json:"swarm"`
	}
	decode(t, env.do(t, "GET", "/api/status", nil), &status)
	if status.Status != "ok" || status.Version != "test" || status.NATS != "ok" {
		t.Errorf("unexpected status %+v", status)
	}
	if !status.Swarm.Initialized || status.Swarm.Topology != swarm.TopologyMesh {
		t.Errorf("unexpected swarm status %+v", status.Swarm)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, true, "secret")

	if resp := env.do(t, "GET", "/api/status", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", env.ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	if resp := env.do(t, "POST", "/api/login", map[string]string{"password": "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.StatusCode)
	}
	login := env.do(t, "POST", "/api/login", map[string]string{"password": "secret"})
	if login.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d", login.StatusCode)
	}
	var session *http.Cookie
	for _, c := range login.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}

	req, _ = http.NewRequest("GET", env.ts.URL+"/api/auth/check", nil)
	req.AddCookie(session)
	resp, err = env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for session check, got %d", resp.StatusCode)
	}
}

func TestWebSocketForwardsEvents(t *testing.T) {
	env := newTestEnv(t, true, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)
	if sub := env.srv.subscribeEvents(); sub == nil {
		t.Fatal("expected event subscription")
	}

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server registers the connection asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for env.srv.hub.size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.client.PublishJSON(natsbus.TopicEventsSwarm("test"), map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Subject != "events.swarm.test" {
		t.Errorf("unexpected subject %s", ev.Subject)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["type"] != "ping" {
		t.Errorf("unexpected payload %s", ev.Payload)
	}
}
