package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/formscout/controlplane/internal/aibroker"
	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
	"github.com/formscout/controlplane/internal/store"
)

// estimatedCallCost is the flat pre-flight admission estimate charged
// against a company's budget before any single AI Broker call in this
// package. The real cost, known only after the call completes, is what
// RecordUsage actually books; this only has to be conservative enough
// that Check's comparison is meaningful.
const estimatedCallCost = 0.02

// maxInternalAdvances bounds the purely-internal transitions a single
// Advance call may take before it must either dispatch an agent task
// or reach a terminal state. A state machine that doesn't converge
// within this many hops indicates a bug, not a slow integration.
const maxInternalAdvances = 25

// Orchestrator is the Mapper Orchestrator (C5).
type Orchestrator struct {
	store      *store.Store
	sessions   *Store
	cache      cache.Cache
	budget     *budget.Gate
	ai         AIGateway
	dispatcher Dispatcher
	log        logging.Logger
}

func New(st *store.Store, sessions *Store, c cache.Cache, gate *budget.Gate, ai AIGateway, dispatcher Dispatcher) *Orchestrator {
	return &Orchestrator{
		store: st, sessions: sessions, cache: c, budget: gate, ai: ai, dispatcher: dispatcher,
		log: logging.Component("mapper"),
	}
}

// StartRequest carries everything needed to open a new mapping session
// against one FormPageRoute, per spec.md §4.5.
type StartRequest struct {
	SessionID      string
	UserID         string
	CompanyID      string
	ProductID      string
	NetworkID      string
	FormRouteID    string
	CrawlSessionID string
	TestCases      []string
	Config         config.MapperDefaults
}

// AgentReport is the normalized shape of whatever
// ReportFormMapperResult receives from the agent for the task
// currently outstanding on a session. Only the fields relevant to the
// state that dispatched the task are populated.
type AgentReport struct {
	TaskType   domain.TaskType
	Success    bool
	Error      string
	DOM        string
	Screenshot []byte
	DOMHash    string
	StepResult domain.StepResult
}

func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (SessionState, *domain.AgentTask, error) {
	network, err := o.store.GetNetwork(ctx, req.NetworkID)
	if err != nil {
		return SessionState{}, nil, fmt.Errorf("mapper: loading network %s: %w", req.NetworkID, err)
	}
	route, err := o.store.GetFormPageRoute(ctx, req.FormRouteID)
	if err != nil {
		return SessionState{}, nil, fmt.Errorf("mapper: loading form route %s: %w", req.FormRouteID, err)
	}

	now := time.Now()
	s := SessionState{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		ProductID:      req.ProductID,
		NetworkID:      req.NetworkID,
		BaseURL:        network.BaseURL,
		FormRouteID:    req.FormRouteID,
		CrawlSessionID: req.CrawlSessionID,
		State:          StateInitializing,
		PreviousState:  StateInitializing,
		TestCases:      req.TestCases,
		LoginSteps:     network.LoginStages,
		NavSteps:       route.NavigationSteps,
		Config:         req.Config,
		UpdatedAt:      now,
	}
	if err := o.sessions.Create(ctx, s); err != nil {
		return SessionState{}, nil, err
	}
	current, raw, err := o.sessions.Get(ctx, s.SessionID)
	if err != nil {
		return SessionState{}, nil, err
	}

	next, task, err := o.runMachine(ctx, current, AgentReport{})
	if err != nil {
		return current, nil, err
	}
	if ok, err := o.sessions.Transition(ctx, raw, next, time.Now()); err != nil {
		return next, nil, err
	} else if !ok {
		return next, nil, fmt.Errorf("mapper: lost CAS race starting session %s", s.SessionID)
	}
	if task != nil {
		if err := o.dispatcher.Enqueue(ctx, *task); err != nil {
			return next, task, err
		}
	}
	return next, task, nil
}

// Advance is the entry point ReportFormMapperResult drives: it folds
// one agent report into the session's state machine and, if the new
// state requires agent participation, returns the task to dispatch.
func (o *Orchestrator) Advance(ctx context.Context, sessionID string, report AgentReport) (SessionState, *domain.AgentTask, error) {
	s, raw, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return SessionState{}, nil, err
	}
	if s.State.Terminal() {
		return s, nil, nil
	}

	next, task, err := o.runMachine(ctx, s, report)
	if err != nil {
		return s, nil, err
	}
	ok, err := o.sessions.Transition(ctx, raw, next, time.Now())
	if err != nil {
		return s, nil, err
	}
	if !ok {
		return s, nil, fmt.Errorf("mapper: lost CAS race advancing session %s", sessionID)
	}
	if task != nil {
		if err := o.dispatcher.Enqueue(ctx, *task); err != nil {
			return next, task, err
		}
	}
	return next, task, nil
}

// Cancel marks a non-terminal session cancelled, a legal edge from
// every non-terminal state per the transition table.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (SessionState, error) {
	s, raw, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	if s.State.Terminal() {
		return s, nil
	}
	s.PreviousState = s.State
	s.State = StateCancelled
	ok, err := o.sessions.Transition(ctx, raw, s, time.Now())
	if err != nil {
		return s, err
	}
	if !ok {
		return s, fmt.Errorf("mapper: lost CAS race cancelling session %s", sessionID)
	}
	return s, nil
}

// runMachine drives step() forward until a new agent task must be
// dispatched or the session reaches a terminal state. Only the first
// iteration sees the caller's report; every subsequent iteration is a
// purely internal transition (AI calls, bookkeeping) and runs with a
// zero-value report.
func (o *Orchestrator) runMachine(ctx context.Context, s SessionState, report AgentReport) (SessionState, *domain.AgentTask, error) {
	for i := 0; i < maxInternalAdvances; i++ {
		next, task, err := o.step(ctx, s, report)
		if err != nil {
			return s, nil, err
		}
		s = next
		if task != nil || s.State.Terminal() {
			return s, task, nil
		}
		report = AgentReport{}
	}
	return s, nil, fmt.Errorf("mapper: session %s did not converge within %d internal transitions", s.SessionID, maxInternalAdvances)
}

func (o *Orchestrator) step(ctx context.Context, s SessionState, report AgentReport) (SessionState, *domain.AgentTask, error) {
	switch s.State {

	case StateInitializing:
		s.PreviousState = s.State
		if len(s.LoginSteps) > 0 {
			s.State = StateLoggingIn
			task := o.buildTask(s, domain.TaskFormMapperLogin, loginPayload{BaseURL: s.BaseURL, Steps: s.LoginSteps})
			return s, task, nil
		}
		s.State = StateNavigating
		return s, nil, nil

	case StateLoggingIn:
		if report.TaskType == "" {
			return s, nil, fmt.Errorf("mapper: session %s: logging_in awaiting agent report", s.SessionID)
		}
		if report.Success {
			s.PreviousState, s.State = s.State, StateNavigating
			return s, nil, nil
		}
		s.RetryCount++
		s.LastError = report.Error
		if s.RetryCount < s.Config.MaxRetries {
			s.PreviousState, s.State = s.State, StateLoginRecovering
			return s, nil, nil
		}
		return o.fail(s, apierrors.CodeLoginFailed, report.Error), nil, nil

	case StateLoginRecovering:
		dom, shot, _ := o.currentDOM(ctx, s.SessionID)
		result, err := o.ai.GenerateLoginSteps(ctx, dom, "", "retry after failure: "+s.LastError, shot)
		if err != nil || len(result.Steps) == 0 {
			return o.fail(s, apierrors.CodeLoginFailed, "login recovery produced no steps"), nil, nil
		}
		s.LoginSteps = result.Steps
		s.PreviousState, s.State = s.State, StateLoggingIn
		task := o.buildTask(s, domain.TaskFormMapperLogin, loginPayload{BaseURL: s.BaseURL, Steps: s.LoginSteps})
		return s, task, nil

	case StateNavigating:
		if report.TaskType == "" {
			if len(s.NavSteps) == 0 {
				s.PreviousState, s.State = s.State, StateExtractingDOM
				return s, nil, nil
			}
			task := o.buildTask(s, domain.TaskFormMapperNavigate, navPayload{BaseURL: s.BaseURL, Steps: s.NavSteps})
			return s, task, nil
		}
		if report.Success {
			s.PreviousState, s.State = s.State, StateExtractingDOM
			return s, nil, nil
		}
		s.RetryCount++
		s.LastError = report.Error
		if s.RetryCount < s.Config.MaxRetries {
			s.PreviousState, s.State = s.State, StateNavRecovering
			return s, nil, nil
		}
		return o.fail(s, apierrors.CodeSiteUnavailable, report.Error), nil, nil

	case StateNavRecovering:
		if len(s.NavSteps) == 0 {
			s.PreviousState, s.State = s.State, StateExtractingDOM
			return s, nil, nil
		}
		dom, shot, _ := o.currentDOM(ctx, s.SessionID)
		steps, err := o.ai.AnalyzeFailureAndRecover(ctx, s.NavSteps[0], nil, dom, shot)
		if err != nil || len(steps) == 0 {
			return o.fail(s, apierrors.CodeSiteUnavailable, "navigation recovery produced no steps"), nil, nil
		}
		s.NavSteps = steps
		s.PreviousState, s.State = s.State, StateNavigating
		return s, nil, nil

	case StateExtractingDOM:
		if report.TaskType == "" {
			task := o.buildTask(s, domain.TaskFormMapperExtractDOM, extractDOMPayload{
				UseFullDOM: s.Config.UseFullDOM, UseOptimizedDOM: s.Config.UseOptimizedDOM,
				UseFormsDOM: s.Config.UseFormsDOM, IncludeJSInDOM: s.Config.IncludeJSInDOM,
			})
			return s, task, nil
		}
		if !report.Success {
			s.RetryCount++
			s.LastError = report.Error
			if s.RetryCount < s.Config.MaxRetries {
				return s, nil, nil
			}
			return o.fail(s, apierrors.CodePageNotFound, report.Error), nil, nil
		}
		if err := SaveDOMSnapshot(ctx, o.cache, s.SessionID, DOMSnapshot{HTML: report.DOM, Screenshot: report.Screenshot, Hash: report.DOMHash}); err != nil {
			return s, nil, err
		}
		s.CurrentDOMHash = report.DOMHash
		s.PreviousState, s.State = s.State, StateAnalyzing
		return s, nil, nil

	case StateAnalyzing:
		dom, shot, _ := o.currentDOM(ctx, s.SessionID)
		var result domain.StepsResult
		var err error
		if len(s.AllSteps) == 0 {
			if admitErr := o.admit(ctx, s); admitErr != nil {
				return o.fail(s, apierrors.CodeBudgetExceeded, admitErr.Error()), nil, nil
			}
			callCtx, sink := aibroker.WithUsageSink(ctx)
			result, err = o.ai.GenerateFormSteps(callCtx, dom, shot, s.TestCases)
			o.record(ctx, s, budget.OpFormMapperAnalyze, sink)
		} else {
			if admitErr := o.admit(ctx, s); admitErr != nil {
				return o.fail(s, apierrors.CodeBudgetExceeded, admitErr.Error()), nil, nil
			}
			callCtx, sink := aibroker.WithUsageSink(ctx)
			result, err = o.ai.RegenerateSteps(callCtx, dom, shot, s.AllSteps[:s.CurrentStepIndex], s.TestCases, s.CriticalFields)
			o.record(ctx, s, budget.OpFormMapperRegenerate, sink)
		}
		if err != nil {
			return o.fail(s, apierrors.CodeUnknown, err.Error()), nil, nil
		}
		if result.LoginFailed {
			return o.fail(s, apierrors.CodeLoginFailed, "session expired mid-mapping"), nil, nil
		}
		if result.NoMorePaths || len(result.Steps) == 0 {
			s.PreviousState, s.State = s.State, StateAllPathsComplete
			return s, nil, nil
		}
		s.AllSteps = result.Steps
		s.CurrentStepIndex = 0
		s.CriticalFields = nil
		s.FieldRequirements = ""
		s.PreviousState, s.State = s.State, StateExecutingStep
		return s, nil, nil

	case StateExecutingStep:
		if report.TaskType == "" {
			if s.CurrentStepIndex >= len(s.AllSteps) {
				s.PreviousState, s.State = s.State, StateVerifyingUI
				return s, nil, nil
			}
			task := o.buildTask(s, domain.TaskFormMapperExecuteStep, executeStepPayload{Step: s.AllSteps[s.CurrentStepIndex]})
			return s, task, nil
		}
		if report.StepResult.AlertPresent {
			s.PreviousState, s.State = s.State, StateHandlingAlert
			return s, nil, nil
		}
		if !report.StepResult.Success {
			failed := s.AllSteps[s.CurrentStepIndex]
			s.RecoveryAttempts = append(s.RecoveryAttempts, RecoveryAttempt{Action: failed.Action, Selector: failed.Selector})
			if s.unrecoverable() {
				return o.fail(s, apierrors.CodeElementNotFound, "recovery pattern repeating on "+failed.Selector), nil, nil
			}
			dom, shot, _ := o.currentDOM(ctx, s.SessionID)
			recovered, err := o.ai.AnalyzeFailureAndRecover(ctx, failed, s.AllSteps[:s.CurrentStepIndex], dom, shot)
			if err != nil || len(recovered) == 0 {
				return o.fail(s, apierrors.CodeElementNotFound, "step failed and recovery produced no steps"), nil, nil
			}
			rest := append([]domain.Step{}, recovered...)
			rest = append(rest, s.AllSteps[s.CurrentStepIndex+1:]...)
			s.AllSteps = append(s.AllSteps[:s.CurrentStepIndex], rest...)
			return s, nil, nil
		}
		executed := s.AllSteps[s.CurrentStepIndex]
		s.CurrentStepIndex++
		if s.Config.EnableJunctionDiscovery && (executed.OpensDropdown || executed.IsJunction) && len(report.Screenshot) > 0 {
			if admitErr := o.admit(ctx, s); admitErr != nil {
				return o.fail(s, apierrors.CodeBudgetExceeded, admitErr.Error()), nil, nil
			}
			_, beforeShot, _ := o.currentDOM(ctx, s.SessionID)
			callCtx, sink := aibroker.WithUsageSink(ctx)
			verdict, err := o.ai.VerifyJunction(callCtx, beforeShot, report.Screenshot, executed)
			o.record(ctx, s, budget.OpFormMapperJunctionVerify, sink)
			if err != nil {
				// VerifyJunction's own contract defaults to treating an
				// unverifiable comparison as a junction; a transport error
				// gets the same treatment rather than failing the session.
				verdict = domain.JunctionVerdict{IsJunction: true, Reason: "verification call failed: " + err.Error()}
			}
			if verdict.IsJunction {
				info := domain.JunctionInfo{TriggerText: executed.Text}
				if executed.JunctionInfo != nil {
					info = *executed.JunctionInfo
				}
				s.CurrentPathJunctions = append(s.CurrentPathJunctions, info)
			}
		}
		return s, nil, nil

	case StateHandlingAlert:
		dom, shot, _ := o.currentDOM(ctx, s.SessionID)
		if admitErr := o.admit(ctx, s); admitErr != nil {
			return o.fail(s, apierrors.CodeBudgetExceeded, admitErr.Error()), nil, nil
		}
		executed := s.AllSteps
		if s.CurrentStepIndex+1 <= len(s.AllSteps) {
			executed = s.AllSteps[:s.CurrentStepIndex+1]
		}
		callCtx, sink := aibroker.WithUsageSink(ctx)
		analysis, err := o.ai.AnalyzeValidationErrors(callCtx, executed, dom, shot)
		o.record(ctx, s, budget.OpFormMapperAlertRecovery, sink)
		if err != nil {
			return o.fail(s, apierrors.CodeUnknown, err.Error()), nil, nil
		}
		if analysis.Scenario == domain.ScenarioA {
			s.CurrentStepIndex++
			s.PreviousState, s.State = s.State, StateExecutingStep
			return s, nil, nil
		}
		if analysis.IssueType == domain.IssueAIIssue {
			s.CriticalFields = analysis.ProblematicFields
			s.FieldRequirements = analysis.FieldRequirements
			s.LastError = analysis.Explanation
			s.PreviousState, s.State = s.State, StateAnalyzing
			return s, nil, nil
		}
		// real_issue: the target application rejected legitimately filled
		// input. Report the defect by ending this path rather than retrying.
		s.LastError = analysis.Explanation
		s.PreviousState, s.State = s.State, StatePathComplete
		return s, nil, nil

	case StateVerifyingUI:
		if !s.Config.EnableUIVerification {
			s.PreviousState, s.State = s.State, StatePathComplete
			return s, nil, nil
		}
		if admitErr := o.admit(ctx, s); admitErr != nil {
			return o.fail(s, apierrors.CodeBudgetExceeded, admitErr.Error()), nil, nil
		}
		dom, shot, _ := o.currentDOM(ctx, s.SessionID)
		callCtx, sink := aibroker.WithUsageSink(ctx)
		result, err := o.ai.RegenerateVerifySteps(callCtx, dom, shot, expectedFieldValues(s.AllSteps))
		o.record(ctx, s, budget.OpFormMapperUIVerify, sink)
		if err != nil {
			return o.fail(s, apierrors.CodeUnknown, err.Error()), nil, nil
		}
		if len(result.Steps) > 0 {
			s.AllSteps = append(s.AllSteps, result.Steps...)
			s.PreviousState, s.State = s.State, StateExecutingStep
			return s, nil, nil
		}
		s.PreviousState, s.State = s.State, StatePathComplete
		return s, nil, nil

	case StatePathComplete:
		s.PreviousPaths = append(s.PreviousPaths, s.AllSteps)
		s.FinalSteps = s.AllSteps
		s.CurrentPath++
		s.TotalPathsDiscovered = s.CurrentPath
		s.CurrentStepIndex = 0
		s.AllSteps = nil
		s.RecoveryAttempts = nil
		s.RetryCount = 0
		if s.Config.EnableJunctionDiscovery && s.CurrentPath < s.Config.MaxJunctionPaths {
			s.PreviousState, s.State = s.State, StateAnalyzing
			return s, nil, nil
		}
		s.PreviousState, s.State = s.State, StateAllPathsComplete
		return s, nil, nil

	case StateAllPathsComplete:
		s.PreviousState, s.State = s.State, StateAssigningTestCases
		return s, nil, nil

	case StateAssigningTestCases:
		if err := o.persistPaths(ctx, s); err != nil {
			return o.fail(s, apierrors.CodeUnknown, err.Error()), nil, nil
		}
		s.PreviousState, s.State = s.State, StateCompleted
		return s, nil, nil

	case StateCompleted, StateFailed, StateCancelled:
		return s, nil, nil

	default:
		return s, nil, fmt.Errorf("mapper: session %s: unknown state %q", s.SessionID, s.State)
	}
}

// fail moves a session into the terminal failed state, recording the
// taxonomy code so a status poll can classify it.
func (o *Orchestrator) fail(s SessionState, code apierrors.Code, detail string) SessionState {
	s.PreviousState = s.State
	s.State = StateFailed
	s.LastError = (&apierrors.SessionError{Reason: code, Message: detail}).Error()
	return s
}

// admit runs the Budget Gate's pre-flight check. The caller performing
// it, never the AI Broker, owns both halves of the budget contract per
// spec.md §4.2.
func (o *Orchestrator) admit(ctx context.Context, s SessionState) error {
	_, _, _, err := o.budget.Check(ctx, s.CompanyID, s.ProductID, estimatedCallCost)
	return err
}

// record books whatever the usage sink accumulated during a bracketed
// AI Broker call. Failures are logged, not propagated: a successful
// mapping step should not be rolled back because usage accounting hit
// a transient store error.
func (o *Orchestrator) record(ctx context.Context, s SessionState, op budget.OperationType, sink *aibroker.UsageSink) {
	if sink.InputTokens == 0 && sink.OutputTokens == 0 {
		return
	}
	if _, err := o.budget.RecordUsage(ctx, s.CompanyID, s.ProductID, s.UserID, op, sink.InputTokens, sink.OutputTokens, s.CrawlSessionID); err != nil {
		o.log.Error().Err(err).Str("session_id", s.SessionID).Str("op", string(op)).Msg("recording ai usage")
	}
}

func (o *Orchestrator) currentDOM(ctx context.Context, sessionID string) (string, []byte, error) {
	snap, ok, err := LoadDOMSnapshot(ctx, o.cache, sessionID)
	if err != nil || !ok {
		return "", nil, err
	}
	return snap.HTML, snap.Screenshot, nil
}

// persistPaths records the finished mapping run on the FormPageRoute this
// session mapped: UpdateVerification with an attempt count of 1 and the
// current time. The paths' steps are not written to the route; they stay
// in the session state (PreviousPaths, FinalSteps).
func (o *Orchestrator) persistPaths(ctx context.Context, s SessionState) error {
	return o.store.UpdateVerification(ctx, s.FormRouteID, 1, time.Now())
}

// expectedFieldValues builds the map RegenerateVerifySteps compares
// against, sourced only from previously executed fill/select steps —
// never from the post-submit DOM, per spec.md's verification design.
func expectedFieldValues(steps []domain.Step) map[string]string {
	out := make(map[string]string)
	for _, st := range steps {
		if st.FieldName == "" {
			continue
		}
		switch st.Action {
		case domain.ActionFill, domain.ActionSelect, domain.ActionSlider:
			out[st.FieldName] = st.Value
		}
	}
	return out
}

type loginPayload struct {
	BaseURL string        `json:"base_url,omitempty"`
	Steps   []domain.Step `json:"steps"`
}

type navPayload struct {
	BaseURL string        `json:"base_url,omitempty"`
	Steps   []domain.Step `json:"steps"`
}

type extractDOMPayload struct {
	UseFullDOM      bool `json:"use_full_dom"`
	UseOptimizedDOM bool `json:"use_optimized_dom"`
	UseFormsDOM     bool `json:"use_forms_dom"`
	IncludeJSInDOM  bool `json:"include_js_in_dom"`
}

type executeStepPayload struct {
	Step domain.Step `json:"step"`
}

func (o *Orchestrator) buildTask(s SessionState, taskType domain.TaskType, payload interface{}) *domain.AgentTask {
	raw, err := json.Marshal(payload)
	if err != nil {
		o.log.Error().Err(err).Str("session_id", s.SessionID).Msg("marshaling task payload")
		raw = []byte("{}")
	}
	now := time.Now()
	return &domain.AgentTask{
		TaskID:     s.SessionID + ":" + string(taskType) + ":" + now.Format(time.RFC3339Nano),
		CompanyID:  s.CompanyID,
		UserID:     s.UserID,
		TaskType:   taskType,
		Parameters: raw,
		Status:     domain.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
