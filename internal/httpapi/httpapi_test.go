package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formscout/controlplane/internal/aibroker"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/mapper"
	"github.com/formscout/controlplane/internal/notifications"
	"github.com/formscout/controlplane/internal/objectstore"
	"github.com/formscout/controlplane/internal/store"
	"github.com/formscout/controlplane/internal/taskbus"
)

const (
	testLegacyBearer = "legacy-token"
	testSigningKey   = "signing-key"
)

// fakeMapperGateway implements mapper.AIGateway with fixed canned
// answers, enough to drive a session from extracting_dom to completed
// without a real model behind it.
type fakeMapperGateway struct{}

func (fakeMapperGateway) GenerateLoginSteps(context.Context, string, string, string, []byte) (domain.StepsResult, error) {
	return domain.StepsResult{}, nil
}
func (fakeMapperGateway) GenerateFormSteps(context.Context, string, []byte, []string) (domain.StepsResult, error) {
	return domain.StepsResult{NoMorePaths: true}, nil
}
func (fakeMapperGateway) RegenerateSteps(context.Context, string, []byte, []domain.Step, []string, []string) (domain.StepsResult, error) {
	return domain.StepsResult{NoMorePaths: true}, nil
}
func (fakeMapperGateway) RegenerateVerifySteps(context.Context, string, []byte, map[string]string) (domain.StepsResult, error) {
	return domain.StepsResult{}, nil
}
func (fakeMapperGateway) AnalyzeError(context.Context, string, []domain.Step, string, []byte) (domain.ErrorAnalysis, error) {
	return domain.ErrorAnalysis{}, nil
}
func (fakeMapperGateway) AnalyzeValidationErrors(context.Context, []domain.Step, string, []byte) (domain.ErrorAnalysis, error) {
	return domain.ErrorAnalysis{}, nil
}
func (fakeMapperGateway) AnalyzeFailureAndRecover(context.Context, domain.Step, []domain.Step, string, []byte) ([]domain.Step, error) {
	return nil, nil
}
func (fakeMapperGateway) VerifyJunction(context.Context, []byte, []byte, domain.Step) (domain.JunctionVerdict, error) {
	return domain.JunctionVerdict{}, nil
}
func (fakeMapperGateway) VerifyUIDefects(context.Context, string, []byte) (string, error) {
	return "", nil
}

// testEnv bundles every dependency the router needs, backed by an
// in-memory SQLite store and cache, mirroring the fixtures used in
// internal/mapper and internal/budget's own tests.
type testEnv struct {
	store        *store.Store
	bus          *taskbus.Service
	gate         *budget.Gate
	orchestrator *mapper.Orchestrator
	objects      objectstore.Store
	router       http.Handler
}

func newTestEnv(t *testing.T, modelResponses []aibroker.FakeResponse) *testEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertCompany(context.Background(), domain.Company{
		ID: "co1", AccessModel: domain.AccessBYOK, AccessStatus: domain.AccessActive,
		LastUsageResetDate: time.Now(),
	}))
	require.NoError(t, st.UpsertSubscription(context.Background(), domain.Subscription{
		CompanyID: "co1", ProductID: "prod1", CustomerClaudeAPIKey: "cust-key",
		BudgetResetDate: time.Now().Add(24 * time.Hour),
	}))
	require.NoError(t, st.UpsertNetwork(context.Background(), domain.Network{
		ID: "net1", ProjectID: "proj1", CompanyID: "co1", BaseURL: "https://example.test",
	}))
	require.NoError(t, st.InsertFormPageRoute(context.Background(), domain.FormPageRoute{
		ID: "route1", ProjectID: "proj1", NetworkID: "net1", CrawlSessionID: "crawl1",
		FormName: "Users", URL: "/admin/users", IsRoot: true,
	}))

	c := cache.NewMemory()
	bus := taskbus.NewService(st, testSigningKey, testLegacyBearer)
	gate := budget.NewGate(st, c, notifications.NewLogNotifier())
	orchestrator := mapper.New(st, mapper.NewStore(c), c, gate, fakeMapperGateway{}, bus)
	broker := aibroker.New(&aibroker.FakeModelClient{Responses: modelResponses})
	formPages := NewFormPagesHandlers(bus, gate, broker)
	objects, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:8080/objects", testSigningKey)
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Store: st, TaskBus: bus, Budget: gate, Orchestrator: orchestrator, ObjectStore: objects,
		HeartbeatTimeout: taskbus.HeartbeatTimeout,
	}, formPages)

	return &testEnv{store: st, bus: bus, gate: gate, orchestrator: orchestrator, objects: objects, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, agentID, userID string) (apiKey, jwt string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/register", registerRequest{
		AgentID: agentID, CompanyID: "co1", UserID: userID, Hostname: "h", Platform: "linux", Version: "1.0",
	}, map[string]string{"Authorization": "Bearer " + testLegacyBearer})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["api_key"].(string), resp["jwt"].(string)
}

func authHeaders(apiKey, jwt string) map[string]string {
	return map[string]string{"X-Agent-API-Key": apiKey, "Authorization": "Bearer " + jwt}
}

func TestRegister_IssuesAPIKeyAndJWT(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")
	require.NotEmpty(t, apiKey)
	require.NotEmpty(t, jwt)
}

func TestRegister_WrongLegacyBearerRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/register", registerRequest{
		AgentID: "agent1", CompanyID: "co1", UserID: "user1",
	}, map[string]string{"Authorization": "Bearer wrong-token"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeat_RejectsSupersededAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey1, jwt1 := env.register(t, "agent1", "user1")
	_, _ = env.register(t, "agent2", "user1") // second Register for same user invalidates apiKey1

	rec := env.do(t, http.MethodPost, "/api/heartbeat", heartbeatRequest{
		AgentID: "agent1", UserID: "user1", Status: domain.AgentIdle,
	}, authHeaders(apiKey1, jwt1))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeat_ReturnsCancelRequested(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodPost, "/api/heartbeat", heartbeatRequest{
		AgentID: "agent1", UserID: "user1", Status: domain.AgentBusy,
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, false, resp["cancel_requested"])
}

func TestPollTask_NoContentWhenQueueEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodGet, "/api/tasks/poll?user_id=user1", nil, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestFormPagesOp_IsSubmissionButton(t *testing.T) {
	env := newTestEnv(t, []aibroker.FakeResponse{{Text: "true", InputTokens: 10, OutputTokens: 5}})
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodPost, "/api/form-pages/ai/is-submission-button", map[string]any{
		"company_id": "co1", "product_id": "prod1", "user_id": "user1", "crawl_session_id": "crawl1",
		"button_text": "Submit",
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["is_submission_button"])
}

func TestFormPagesOp_UnknownOpNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodPost, "/api/form-pages/ai/bogus-op", map[string]any{
		"company_id": "co1", "product_id": "prod1", "user_id": "user1",
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCrawlLocate_InvalidAgentCredentialsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/networks/net1/locate", locateRequest{
		CompanyID: "co1", ProductID: "prod1", ProjectID: "proj1", UserID: "user1",
	}, map[string]string{"X-Agent-API-Key": "x", "Authorization": "Bearer y"})
	require.Equal(t, http.StatusUnauthorized, rec.Code) // fails auth before the online-agent check
}

func TestCrawlLocate_StartsSessionAndEnqueuesTask(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodPost, "/networks/net1/locate", locateRequest{
		CompanyID: "co1", ProductID: "prod1", ProjectID: "proj1", UserID: "user1",
		TestCases: []string{"create a user"},
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sessionID, _ := resp["crawl_session_id"].(string)
	require.NotEmpty(t, sessionID)
	require.Equal(t, "pending", resp["status"])

	// the discover task should now be sitting on user1's queue
	task, ok := env.bus.PollTask(context.Background(), "user1")
	require.True(t, ok)
	require.Equal(t, domain.TaskDiscoverFormPages, task.TaskType)

	var params discoverFormPagesPayload
	require.NoError(t, json.Unmarshal(task.Parameters, &params))
	require.NotEmpty(t, params.LogsUploadURL)
	require.Equal(t, "logs/co1/proj1/discovery_"+sessionID+".json", params.LogsKey)
	require.Equal(t, "co1", params.CompanyID)
	require.Equal(t, "prod1", params.ProductID)
}

func TestCrawlStatusAndCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	rec := env.do(t, http.MethodPost, "/networks/net1/locate", locateRequest{
		CompanyID: "co1", ProductID: "prod1", ProjectID: "proj1", UserID: "user1",
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusOK, rec.Code)
	var started map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	sessionID := started["crawl_session_id"].(string)

	statusRec := env.do(t, http.MethodGet, "/sessions/"+sessionID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, statusRec.Code)
	var statusResp map[string]any
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &statusResp))
	session := statusResp["session"].(map[string]any)
	require.Equal(t, "pending", session["status"])

	cancelRec := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	statusRec2 := env.do(t, http.MethodGet, "/sessions/"+sessionID+"/status", nil, nil)
	var statusResp2 map[string]any
	require.NoError(t, json.Unmarshal(statusRec2.Body.Bytes(), &statusResp2))
	session2 := statusResp2["session"].(map[string]any)
	require.Equal(t, "cancelled", session2["status"])
}

func TestReportFormMapperResult_Advances(t *testing.T) {
	env := newTestEnv(t, nil)
	apiKey, jwt := env.register(t, "agent1", "user1")

	// Start the session on the very orchestrator instance the router
	// holds, the way a crawl-completion path would in the full system.
	_, task, err := env.orchestrator.Start(context.Background(), mapper.StartRequest{
		SessionID: "sess1", UserID: "user1", CompanyID: "co1", ProductID: "prod1",
		NetworkID: "net1", FormRouteID: "route1", CrawlSessionID: "crawl1",
		Config: config.DefaultMapperConfig(),
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, domain.TaskFormMapperExtractDOM, task.TaskType)

	rec := env.do(t, http.MethodPost, "/api/form-mapper/result", reportFormMapperRequest{
		SessionID: "sess1", UserID: "user1", TaskType: domain.TaskFormMapperExtractDOM, Success: true,
		Payload: mustMarshal(t, extractDOMResultPayload{DOM: "<html></html>", DOMHash: "abc"}),
	}, authHeaders(apiKey, jwt))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["next_action"])
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
