package mapper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/notifications"
	"github.com/formscout/controlplane/internal/store"
)

// fakeGateway implements AIGateway with canned, per-test-controlled
// responses, letting each test drive the orchestrator down one branch
// without a real model behind it.
type fakeGateway struct {
	formSteps    domain.StepsResult
	regenSteps   domain.StepsResult
	verifySteps  domain.StepsResult
	validation   domain.ErrorAnalysis
	recoverSteps []domain.Step
	loginSteps   domain.StepsResult
}

func (f *fakeGateway) GenerateLoginSteps(context.Context, string, string, string, []byte) (domain.StepsResult, error) {
	return f.loginSteps, nil
}
func (f *fakeGateway) GenerateFormSteps(context.Context, string, []byte, []string) (domain.StepsResult, error) {
	return f.formSteps, nil
}
func (f *fakeGateway) RegenerateSteps(context.Context, string, []byte, []domain.Step, []string, []string) (domain.StepsResult, error) {
	return f.regenSteps, nil
}
func (f *fakeGateway) RegenerateVerifySteps(context.Context, string, []byte, map[string]string) (domain.StepsResult, error) {
	return f.verifySteps, nil
}
func (f *fakeGateway) AnalyzeError(context.Context, string, []domain.Step, string, []byte) (domain.ErrorAnalysis, error) {
	return domain.ErrorAnalysis{}, nil
}
func (f *fakeGateway) AnalyzeValidationErrors(context.Context, []domain.Step, string, []byte) (domain.ErrorAnalysis, error) {
	return f.validation, nil
}
func (f *fakeGateway) AnalyzeFailureAndRecover(context.Context, domain.Step, []domain.Step, string, []byte) ([]domain.Step, error) {
	return f.recoverSteps, nil
}
func (f *fakeGateway) VerifyJunction(context.Context, []byte, []byte, domain.Step) (domain.JunctionVerdict, error) {
	return domain.JunctionVerdict{}, nil
}
func (f *fakeGateway) VerifyUIDefects(context.Context, string, []byte) (string, error) {
	return "", nil
}

// fakeDispatcher records every task enqueued, standing in for C3.
type fakeDispatcher struct {
	tasks []domain.AgentTask
}

func (d *fakeDispatcher) Enqueue(_ context.Context, t domain.AgentTask) error {
	d.tasks = append(d.tasks, t)
	return nil
}

func newTestOrchestrator(t *testing.T, gw *fakeGateway, disp *fakeDispatcher) (*Orchestrator, *store.Store) {
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
	gate := budget.NewGate(st, c, notifications.NewLogNotifier())
	o := New(st, NewStore(c), c, gate, gw, disp)
	return o, st
}

// testConfig disables junction discovery so single-path tests complete
// after one pass through executing_step instead of looping the
// orchestrator back into analyzing for another path.
func testConfig() config.MapperDefaults {
	cfg := config.DefaultMapperConfig()
	cfg.EnableJunctionDiscovery = false
	return cfg
}

func startSession(t *testing.T, o *Orchestrator) (SessionState, *domain.AgentTask) {
	t.Helper()
	s, task, err := o.Start(context.Background(), StartRequest{
		SessionID: "sess1", UserID: "user1", CompanyID: "co1", ProductID: "prod1",
		NetworkID: "net1", FormRouteID: "route1", CrawlSessionID: "crawl1",
		TestCases: []string{"create a user"},
		Config:    testConfig(),
	})
	require.NoError(t, err)
	return s, task
}

func TestOrchestrator_SkipsLoginWhenNoStages(t *testing.T) {
	gw := &fakeGateway{formSteps: domain.StepsResult{NoMorePaths: true}}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, task := startSession(t, o)

	require.NotNil(t, task)
	require.Equal(t, domain.TaskFormMapperExtractDOM, task.TaskType)
	require.Equal(t, StateExtractingDOM, s.State)
}

func TestOrchestrator_FullHappyPathToCompleted(t *testing.T) {
	gw := &fakeGateway{
		formSteps: domain.StepsResult{Steps: []domain.Step{
			{Action: domain.ActionFill, Selector: "#name", FieldName: "name", Value: "Ada"},
			{Action: domain.ActionClick, Selector: "#submit"},
		}},
		verifySteps: domain.StepsResult{},
	}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, task := startSession(t, o)
	require.Equal(t, StateExtractingDOM, s.State)
	require.Equal(t, domain.TaskFormMapperExtractDOM, task.TaskType)

	s, task, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExtractDOM, Success: true, DOM: "<html></html>", DOMHash: "h1",
	})
	require.NoError(t, err)
	require.Equal(t, StateExecutingStep, s.State)
	require.NotNil(t, task)
	require.Equal(t, domain.TaskFormMapperExecuteStep, task.TaskType)
	require.Equal(t, 0, s.CurrentStepIndex)

	s, task, err = o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExecuteStep, StepResult: domain.StepResult{Success: true},
	})
	require.NoError(t, err)
	require.Equal(t, StateExecutingStep, s.State)
	require.Equal(t, 1, s.CurrentStepIndex)
	require.NotNil(t, task)

	s, task, err = o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExecuteStep, StepResult: domain.StepResult{Success: true},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, s.State)
	require.Nil(t, task)
	require.Equal(t, 1, s.TotalPathsDiscovered)
}

func TestOrchestrator_ScenarioA_AlertContinuesPath(t *testing.T) {
	gw := &fakeGateway{
		formSteps:  domain.StepsResult{Steps: []domain.Step{{Action: domain.ActionClick, Selector: "#save"}}},
		validation: domain.ErrorAnalysis{Scenario: domain.ScenarioA},
	}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, _ := startSession(t, o)
	s, _, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExtractDOM, Success: true, DOM: "<html></html>", DOMHash: "h1",
	})
	require.NoError(t, err)
	require.Equal(t, StateExecutingStep, s.State)

	s, task, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType:   domain.TaskFormMapperExecuteStep,
		StepResult: domain.StepResult{AlertPresent: true, AlertType: "confirm"},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, s.State, "scenario A should continue past the single step and complete the path")
	require.Nil(t, task)
}

func TestOrchestrator_ScenarioB_RealIssueEndsPath(t *testing.T) {
	gw := &fakeGateway{
		formSteps: domain.StepsResult{Steps: []domain.Step{{Action: domain.ActionClick, Selector: "#save"}}},
		validation: domain.ErrorAnalysis{
			Scenario: domain.ScenarioB, IssueType: domain.IssueRealIssue, Explanation: "server rejected a valid email",
		},
	}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, _ := startSession(t, o)
	s, _, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExtractDOM, Success: true, DOM: "<html></html>", DOMHash: "h1",
	})
	require.NoError(t, err)

	s, task, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType:   domain.TaskFormMapperExecuteStep,
		StepResult: domain.StepResult{AlertPresent: true},
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, s.State)
	require.Nil(t, task)
	require.Contains(t, s.LastError, "server rejected a valid email")
}

func TestOrchestrator_ScenarioB_AIIssueRegenerates(t *testing.T) {
	gw := &fakeGateway{
		formSteps: domain.StepsResult{Steps: []domain.Step{{Action: domain.ActionClick, Selector: "#save"}}},
		validation: domain.ErrorAnalysis{
			Scenario: domain.ScenarioB, IssueType: domain.IssueAIIssue,
			ProblematicFields: []string{"email"}, FieldRequirements: "email must be unique",
		},
		regenSteps: domain.StepsResult{NoMorePaths: true},
	}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, _ := startSession(t, o)
	s, _, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExtractDOM, Success: true, DOM: "<html></html>", DOMHash: "h1",
	})
	require.NoError(t, err)

	s, task, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType:   domain.TaskFormMapperExecuteStep,
		StepResult: domain.StepResult{AlertPresent: true},
	})
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, s.State.ToSessionStatus())
	require.Equal(t, StateCompleted, s.State)
	require.Nil(t, task)
	require.Equal(t, []string{"email"}, s.CriticalFields)
}

func TestOrchestrator_UnrecoverableStepFails(t *testing.T) {
	gw := &fakeGateway{
		formSteps:    domain.StepsResult{Steps: []domain.Step{{Action: domain.ActionClick, Selector: "#flaky"}}},
		recoverSteps: []domain.Step{{Action: domain.ActionClick, Selector: "#flaky"}},
	}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, _ := startSession(t, o)
	s, _, err := o.Advance(context.Background(), s.SessionID, AgentReport{
		TaskType: domain.TaskFormMapperExtractDOM, Success: true, DOM: "<html></html>", DOMHash: "h1",
	})
	require.NoError(t, err)

	var task *domain.AgentTask
	for i := 0; i < 4; i++ {
		s, task, err = o.Advance(context.Background(), s.SessionID, AgentReport{
			TaskType:   domain.TaskFormMapperExecuteStep,
			StepResult: domain.StepResult{Success: false, Error: "element not found"},
		})
		require.NoError(t, err)
		if s.State.Terminal() {
			break
		}
	}
	require.Equal(t, StateFailed, s.State)
	require.Nil(t, task)
	require.Contains(t, s.LastError, "ELEMENT_NOT_FOUND")
}

func TestOrchestrator_LoginFailureExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{loginSteps: domain.StepsResult{
		Steps: []domain.Step{{Action: domain.ActionFill, Selector: "#user", Value: "retry"}},
	}}
	disp := &fakeDispatcher{}
	o, st := newTestOrchestrator(t, gw, disp)
	require.NoError(t, st.UpsertNetwork(context.Background(), domain.Network{
		ID: "net1", ProjectID: "proj1", CompanyID: "co1", BaseURL: "https://example.test",
		LoginStages: []domain.Step{{Action: domain.ActionFill, Selector: "#user", Value: "a"}},
	}))

	s, task := startSession(t, o)
	require.Equal(t, StateLoggingIn, s.State)
	require.Equal(t, domain.TaskFormMapperLogin, task.TaskType)

	cfg := config.DefaultMapperConfig()
	for i := 0; i < cfg.MaxRetries; i++ {
		var err error
		s, task, err = o.Advance(context.Background(), s.SessionID, AgentReport{
			TaskType: domain.TaskFormMapperLogin, Success: false, Error: "bad credentials",
		})
		require.NoError(t, err)
		if s.State.Terminal() {
			break
		}
		require.Equal(t, StateLoggingIn, s.State)
		require.NotNil(t, task)
	}
	require.Equal(t, StateFailed, s.State)
	require.Contains(t, s.LastError, "LOGIN_FAILED")
}

func TestOrchestrator_CancelFromNonTerminalState(t *testing.T) {
	gw := &fakeGateway{formSteps: domain.StepsResult{NoMorePaths: true}}
	disp := &fakeDispatcher{}
	o, _ := newTestOrchestrator(t, gw, disp)

	s, _ := startSession(t, o)
	require.False(t, s.State.Terminal())

	cancelled, err := o.Cancel(context.Background(), s.SessionID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)
	require.Equal(t, SessionCancelled, cancelled.State.ToSessionStatus())

	again, err := o.Cancel(context.Background(), s.SessionID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, again.State)
}

func TestState_CanTransition_RejectsIllegalEdge(t *testing.T) {
	require.True(t, StateAnalyzing.CanTransition(StateExecutingStep))
	require.False(t, StateAnalyzing.CanTransition(StateLoggingIn))
	require.False(t, StateCompleted.CanTransition(StateExecutingStep))
}
