package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banto/internal/collab"
	"banto/internal/config"
	"banto/internal/decisionlog"
	"banto/internal/dialog"
	"banto/internal/knowledge"
	"banto/internal/observability"
	"banto/internal/orchestrator"
	"banto/internal/safety"
	"banto/internal/scheduler"
)

// scriptedCollab plays one fixed understanding/decision/result per call
// and records executed decisions.
type scriptedCollab struct {
	understanding collab.Understanding
	decision      collab.Decision
	result        collab.Result

	mu       sync.Mutex
	executed []collab.Decision
}

func (f *scriptedCollab) Understand(_ context.Context, _ string, _ collab.Context) (collab.Understanding, error) {
	return f.understanding, nil
}

func (f *scriptedCollab) Decide(_ context.Context, _ collab.Understanding, _ collab.Context) (collab.Decision, error) {
	return f.decision, nil
}

func (f *scriptedCollab) Execute(_ context.Context, d collab.Decision, _ collab.Context) (collab.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, d)
	return f.result, nil
}

func (f *scriptedCollab) executedCalls() []collab.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collab.Decision, len(f.executed))
	copy(out, f.executed)
	return out
}

func actionCollab(tool string, params map[string]any) *scriptedCollab {
	return &scriptedCollab{
		understanding: collab.Understanding{Intent: collab.IntentAction, Confidence: 0.9},
		decision:      collab.Decision{Action: tool, Params: params},
		result:        collab.Result{Success: true, Message: "done"},
	}
}

type stubMaintenance struct {
	summary scheduler.Summary
	calls   int
}

func (m *stubMaintenance) RunNow(_ context.Context) scheduler.Summary {
	m.calls++
	return m.summary
}

type serverEnv struct {
	srv     *Server
	fake    *scriptedCollab
	hub     *Hub
	runtime *config.RuntimeHolder
	orch    *orchestrator.Orchestrator
}

func newServerEnv(t *testing.T, fake *scriptedCollab, cfg config.ServerConfig, mutate ...func(*Options)) *serverEnv {
	t.Helper()

	machine, err := dialog.NewMachine(dialog.NewInMemoryStore(), dialog.MachineConfig{}, nil)
	require.NoError(t, err)
	gate, err := safety.NewGateFromConfig(config.SafetyConfig{}, nil)
	require.NoError(t, err)
	svc := knowledge.NewService(knowledge.NewInMemoryStore(), knowledge.ServiceOptions{
		PendingMax: 8,
		PendingTTL: 10 * time.Minute,
	}, nil)
	decisions := decisionlog.NewFileStore(t.TempDir())
	runtime := config.NewRuntimeHolder(config.Runtime{})
	registry := prometheus.NewRegistry()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	hub := NewHub(logger)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Machine:    machine,
		Gate:       gate,
		Knowledge:  svc,
		Understand: fake,
		Decide:     fake,
		Execute:    fake,
		Runtime:    runtime,
		Decisions:  decisions,
		Logger:     logger,
		Metrics:    orchestrator.MustNewMetrics(registry),
		Events:     hub,
	}, orchestrator.Config{OrganizationID: "org-1"})
	require.NoError(t, err)

	opts := Options{
		Config:       cfg,
		Orchestrator: orch,
		Runtime:      runtime,
		Hub:          hub,
		Decisions:    decisions,
		Gatherer:     registry,
		Logger:       logger,
		Version:      "test",
	}
	for _, m := range mutate {
		m(&opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	return &serverEnv{srv: srv, fake: fake, hub: hub, runtime: runtime, orch: orch}
}

func (e *serverEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", nil), config.ServerConfig{})

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)

	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ready readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.False(t, ready.EmergencyStop)
}

func TestMessagesEndpointProcessesAction(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", map[string]any{"body": "pay the vendor"}), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"sato","text":"create task pay the vendor"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "chatwork_task_create", resp.ActionTaken)
	assert.Equal(t, "NORMAL", resp.NewState)
	assert.Len(t, env.fake.executedCalls(), 1)
}

func TestMessagesEndpointRejectsBadInput(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", nil), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/messages", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/messages", `{"user_id":"sato","text":"hi"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "validation", errResp.Kind)
	assert.Empty(t, env.fake.executedCalls())
}

func TestTeachEndpointStoresLearning(t *testing.T) {
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/learnings",
		`{"trigger":"wifi","content":"the guest network is Banto-Guest","authority":"USER","taught_by":"sato"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result knowledge.TeachResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Accepted)
	require.NotNil(t, result.Learning)

	w = env.do(t, http.MethodPost, "/api/v1/learnings",
		`{"content":"no trigger here","authority":"USER"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "validation", errResp.Kind)
}

func TestConflictResolutionEndpoint(t *testing.T) {
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/learnings",
		`{"trigger":"wifi","content":"pass-2024","authority":"USER"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/learnings",
		`{"trigger":"wifi","content":"pass-2026","authority":"USER"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second knowledge.TeachResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Accepted)
	require.NotEmpty(t, second.PendingID, "equal-authority conflict should park a pending choice")

	w = env.do(t, http.MethodPost, "/api/v1/conflicts/"+second.PendingID+"/resolution",
		`{"choice":"new"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved knowledge.ResolveResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.True(t, resolved.Applied)

	w = env.do(t, http.MethodPost, "/api/v1/conflicts/whatever/resolution", `{"choice":"flip"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/conflicts/nope/resolution", `{"choice":"new"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStateEndpointShowsParkedConfirmation(t *testing.T) {
	env := newServerEnv(t, actionCollab("payment_send", map[string]any{"amount": 5000}), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"sato","text":"pay the vendor 5000"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.AwaitingConfirmation)

	w = env.do(t, http.MethodGet, "/api/v1/conversations/room-1/state?user_id=sato", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state dialog.ConversationState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, dialog.StateConfirmation, state.Type)

	w = env.do(t, http.MethodGet, "/api/v1/conversations/room-1/state", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessagesEndpointRateLimitsPerUser(t *testing.T) {
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{
		RatePerMinute: 60,
		RateBurst:     2,
	})
	body := `{"conversation_id":"room-1","user_id":"sato","text":"hello"}`

	w := env.do(t, http.MethodPost, "/api/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/messages", body, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"aoki","text":"hello"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code, "another user keeps a separate bucket")
}

func TestAdminEmergencyStopFlow(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", map[string]any{"body": "x"}), config.ServerConfig{
		AdminToken: "sesame",
	})

	w := env.do(t, http.MethodPost, "/api/v1/admin/emergency-stop", `{"enabled":true}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/emergency-stop", `{"enabled":true}`,
		map[string]string{"X-Admin-Token": "sesame"})
	require.Equal(t, http.StatusOK, w.Code)
	var stop emergencyStopResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stop))
	assert.True(t, stop.EmergencyStop)

	w = env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"sato","text":"create a task"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "emergency stop")
	assert.Empty(t, env.fake.executedCalls())

	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	var ready readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.True(t, ready.EmergencyStop)

	w = env.do(t, http.MethodPost, "/api/v1/admin/emergency-stop", `{"enabled":false}`,
		map[string]string{"Authorization": "Bearer sesame"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stop))
	assert.False(t, stop.EmergencyStop)
}

func TestAdminEndpointsDisabledWithoutToken(t *testing.T) {
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/admin/emergency-stop", `{"enabled":true}`,
		map[string]string{"X-Admin-Token": "anything"})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminMaintenanceEndpoint(t *testing.T) {
	runner := &stubMaintenance{summary: scheduler.Summary{StatesRemoved: 3, LearningsPurged: 1, DecisionsCompacted: 2}}
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{AdminToken: "sesame"},
		func(o *Options) { o.Maintenance = runner })

	w := env.do(t, http.MethodPost, "/api/v1/admin/maintenance", "",
		map[string]string{"X-Admin-Token": "sesame"})
	require.Equal(t, http.StatusOK, w.Code)
	var summary scheduler.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, runner.summary, summary)
	assert.Equal(t, 1, runner.calls)
}

func TestAdminMaintenanceUnavailableWithoutScheduler(t *testing.T) {
	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{AdminToken: "sesame"})

	w := env.do(t, http.MethodPost, "/api/v1/admin/maintenance", "",
		map[string]string{"X-Admin-Token": "sesame"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRecentDecisionsEndpoint(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", map[string]any{"body": "x"}), config.ServerConfig{
		AdminToken: "sesame",
	})

	w := env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"sato","text":"create a task"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/admin/decisions?conversation_id=room-1&limit=5", "",
		map[string]string{"X-Admin-Token": "sesame"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var decisions decisionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decisions))
	require.Len(t, decisions.Entries, 1)
	assert.Equal(t, "ALLOW", decisions.Entries[0].Verdict)
	assert.Equal(t, "chatwork_task_create", decisions.Entries[0].ToolName)

	w = env.do(t, http.MethodGet, "/api/v1/admin/decisions", "",
		map[string]string{"X-Admin-Token": "sesame"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpointExposesPipeline(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", map[string]any{"body": "x"}), config.ServerConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/messages",
		`{"conversation_id":"room-1","user_id":"sato","text":"create a task"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "banto_pipeline_verdicts_total")
}

func TestEventsWebsocketStreamsVerdicts(t *testing.T) {
	env := newServerEnv(t, actionCollab("chatwork_task_create", map[string]any{"body": "x"}), config.ServerConfig{})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return env.hub.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	httpResp, err := http.Post(ts.URL+"/api/v1/messages", "application/json",
		strings.NewReader(`{"conversation_id":"room-1","user_id":"sato","text":"create a task"}`))
	require.NoError(t, err)
	require.NoError(t, httpResp.Body.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var verdict *orchestrator.Event
	for i := 0; i < 5 && verdict == nil; i++ {
		var ev orchestrator.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == orchestrator.EventVerdict {
			verdict = &ev
		}
	}
	require.NotNil(t, verdict, "verdict event should arrive on the feed")
	assert.Equal(t, "ALLOW", verdict.Verdict)
	assert.Equal(t, "chatwork_task_create", verdict.Tool)
	assert.Equal(t, "room-1", verdict.ConversationID)
}

func TestNewRequiresOrchestratorAndRuntime(t *testing.T) {
	_, err := New(Options{Runtime: config.NewRuntimeHolder(config.Runtime{})})
	require.Error(t, err)

	env := newServerEnv(t, actionCollab("smalltalk", nil), config.ServerConfig{})
	_, err = New(Options{Orchestrator: env.orch})
	require.Error(t, err)
}
