package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/mapper"
	"github.com/formscout/controlplane/internal/taskbus"
)

// MapperHandlers serves ReportFormMapperResult, the single entry point
// through which an agent's task outcome advances the Mapper
// Orchestrator's (C5) state machine, per spec.md §4.3.
type MapperHandlers struct {
	bus          *taskbus.Service
	orchestrator *mapper.Orchestrator
}

func NewMapperHandlers(bus *taskbus.Service, o *mapper.Orchestrator) *MapperHandlers {
	return &MapperHandlers{bus: bus, orchestrator: o}
}

// startMapperSessionRequest opens a new mapping session against one
// FormPageRoute a crawl session has already discovered. ConfigPath
// names a per-company YAML overrides file (config.LoadMapperConfig);
// left empty, the session runs with config.DefaultMapperConfig.
type startMapperSessionRequest struct {
	SessionID      string   `json:"session_id,omitempty"`
	UserID         string   `json:"user_id"`
	CompanyID      string   `json:"company_id"`
	ProductID      string   `json:"product_id"`
	NetworkID      string   `json:"network_id"`
	FormRouteID    string   `json:"form_route_id"`
	CrawlSessionID string   `json:"crawl_session_id"`
	TestCases      []string `json:"test_cases,omitempty"`
	ConfigPath     string   `json:"config_path,omitempty"`
}

// StartSession opens the mapper session for a FormPageRoute the crawl
// engine found and kicks off its first agent task, per spec.md §4.5.
func (h *MapperHandlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startMapperSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, req.UserID) {
		return
	}

	cfg := config.DefaultMapperConfig()
	if req.ConfigPath != "" {
		loaded, err := config.LoadMapperConfig(req.ConfigPath)
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		cfg = loaded
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	state, task, err := h.orchestrator.Start(r.Context(), mapper.StartRequest{
		SessionID: req.SessionID, UserID: req.UserID, CompanyID: req.CompanyID,
		ProductID: req.ProductID, NetworkID: req.NetworkID, FormRouteID: req.FormRouteID,
		CrawlSessionID: req.CrawlSessionID, TestCases: req.TestCases, Config: cfg,
	})
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}

	nextAction := string(state.State)
	if task != nil {
		nextAction = string(task.TaskType)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": state.SessionID, "next_action": nextAction})
}

type reportFormMapperRequest struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	TaskType  domain.TaskType `json:"task_type"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// extractDOMResultPayload mirrors the shape the orchestrator's
// StateExtractingDOM branch expects back from the agent.
type extractDOMResultPayload struct {
	DOM        string `json:"dom"`
	Screenshot string `json:"screenshot,omitempty"`
	DOMHash    string `json:"dom_hash"`
}

type executeStepResultPayload struct {
	StepResult domain.StepResult `json:"step_result"`
}

func (h *MapperHandlers) ReportFormMapperResult(w http.ResponseWriter, r *http.Request) {
	var req reportFormMapperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, req.UserID) {
		return
	}

	report := mapper.AgentReport{TaskType: req.TaskType, Success: req.Success, Error: req.Error}
	switch req.TaskType {
	case domain.TaskFormMapperExtractDOM:
		var p extractDOMResultPayload
		_ = json.Unmarshal(req.Payload, &p)
		report.DOM = p.DOM
		report.Screenshot = decodeShot(p.Screenshot)
		report.DOMHash = p.DOMHash
	case domain.TaskFormMapperExecuteStep:
		var p executeStepResultPayload
		_ = json.Unmarshal(req.Payload, &p)
		report.StepResult = p.StepResult
		report.Screenshot = p.StepResult.Screenshot
	}

	state, task, err := h.orchestrator.Advance(r.Context(), req.SessionID, report)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}

	nextAction := string(state.State)
	if task != nil {
		nextAction = string(task.TaskType)
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_action": nextAction})
}
