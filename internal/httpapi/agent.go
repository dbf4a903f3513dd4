package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/controlplane/internal/apierrors"
	sessionbus "github.com/formscout/controlplane/internal/bus"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/store"
	"github.com/formscout/controlplane/internal/taskbus"
)

// AgentHandlers wires the Task Bus (C3) contract of spec.md §4.3/§6.1:
// Register, RefreshToken, Heartbeat, PollTask and ReportTaskStatus. It
// also closes the loop on a discover_form_pages task: C4 "streams
// discovered routes back through C3" by reporting them as that task's
// result, and this handler is where C5's persistence of the resulting
// FormPageRoute rows and CrawlSession completion happens.
type AgentHandlers struct {
	bus     *taskbus.Service
	store   *store.Store
	mailbox *sessionbus.Mailbox
}

// NewAgentHandlers wires in an optional mailbox; a nil mailbox (e.g. a
// single-replica dev run with no embedded NATS started) just skips the
// wakeup publish on a finished crawl.
func NewAgentHandlers(bus *taskbus.Service, st *store.Store, mailbox *sessionbus.Mailbox) *AgentHandlers {
	return &AgentHandlers{bus: bus, store: st, mailbox: mailbox}
}

type registerRequest struct {
	AgentID   string `json:"agent_id"`
	CompanyID string `json:"company_id"`
	UserID    string `json:"user_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

func (h *AgentHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	result, err := h.bus.Register(r.Context(), bearerJWT(r), taskbus.RegisterRequest{
		AgentID: req.AgentID, CompanyID: req.CompanyID, UserID: req.UserID,
		Hostname: req.Hostname, Platform: req.Platform, Version: req.Version,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, apierrors.CodeUnknown, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key": result.APIKey, "jwt": result.JWT, "expires_in": result.ExpiresIn,
	})
}

// RefreshToken is authenticated by api_key alone, per spec.md §6.1.
func (h *AgentHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	apiKey := apiKeyHeader(r)
	if userID == "" || apiKey == "" {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "user_id and X-Agent-API-Key are required")
		return
	}
	result, err := h.bus.RefreshToken(r.Context(), userID, apiKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, apierrors.CodeSessionInvalidated, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jwt": result.JWT, "expires_in": result.ExpiresIn})
}

type heartbeatRequest struct {
	AgentID               string             `json:"agent_id"`
	UserID                string             `json:"user_id"`
	Status                domain.AgentStatus `json:"status"`
	CurrentTaskID         string             `json:"current_task_id,omitempty"`
	CurrentCrawlSessionID string             `json:"current_crawl_session_id,omitempty"`
}

func (h *AgentHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, req.UserID) {
		return
	}
	cancelRequested, err := h.bus.Heartbeat(r.Context(), taskbus.HeartbeatRequest{
		AgentID: req.AgentID, UserID: req.UserID, Status: req.Status,
		CurrentTaskID: req.CurrentTaskID, CurrentCrawlSessionID: req.CurrentCrawlSessionID,
	})
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancel_requested": cancelRequested})
}

// PollTask long-polls up to 30s on the caller's queue, per spec.md §6.1.
func (h *AgentHandlers) PollTask(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !requireAuth(h.bus, w, r, userID) {
		return
	}
	task, ok := h.bus.PollTask(r.Context(), userID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID, "task_type": task.TaskType, "company_id": task.CompanyID,
		"user_id": task.UserID, "parameters": json.RawMessage(task.Parameters),
	})
}

type reportTaskStatusRequest struct {
	TaskID  string             `json:"task_id"`
	UserID  string             `json:"user_id"`
	Status  domain.TaskStatus  `json:"status"`
	Message string             `json:"message,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
}

func (h *AgentHandlers) ReportTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req reportTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, req.UserID) {
		return
	}

	task, err := h.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}

	if err := h.bus.ReportTaskStatus(r.Context(), req.TaskID, req.Status, req.Result, req.Message); err != nil {
		writeErrFromClassified(w, err)
		return
	}

	if task.TaskType == domain.TaskDiscoverFormPages {
		h.finishDiscovery(r.Context(), req.Status, req.Result, req.Message)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// notifyCrawlFinished wakes any replica's CrawlHandlers.Status long-poll
// blocked waiting on sessionID, so a multi-replica deployment doesn't
// need every replica polling the database on its own interval.
func (h *AgentHandlers) notifyCrawlFinished(sessionID string, status domain.CrawlSessionStatus) {
	if h.mailbox == nil {
		return
	}
	_ = h.mailbox.Publish(sessionID, []byte(status))
}

// discoverFormPagesResultForm is one form the agent found, mirroring
// crawler.DiscoveredForm's fields.
type discoverFormPagesResultForm struct {
	FormName        string                 `json:"form_name"`
	URL             string                 `json:"url"`
	NavigationSteps []domain.Step          `json:"navigation_steps"`
	Depth           int                    `json:"depth"`
	Method          domain.DiscoveryMethod `json:"method"`
}

type discoverFormPagesResult struct {
	CrawlSessionID string                        `json:"crawl_session_id"`
	ProjectID      string                        `json:"project_id"`
	NetworkID      string                        `json:"network_id"`
	Forms          []discoverFormPagesResultForm `json:"forms"`
}

// finishDiscovery persists the FormPageRoute rows a completed
// discover_form_pages task reported and transitions its CrawlSession to
// a terminal state, the "C4 streams discovered routes back through C3 →
// C5 transitions the session to completed" step of the data flow. Any
// persistence failure here is discarded without logging: the agent has
// already been told its report succeeded, and the crawl session is
// left for a future status poll / operator retry rather than left
// dangling on a second failed write.
func (h *AgentHandlers) finishDiscovery(ctx context.Context, status domain.TaskStatus, result []byte, errMsg string) {
	var res discoverFormPagesResult
	if len(result) > 0 {
		_ = json.Unmarshal(result, &res)
	}
	if res.CrawlSessionID == "" {
		return
	}

	switch status {
	case domain.TaskFailed:
		_ = h.store.FinishCrawlSession(ctx, res.CrawlSessionID, domain.CrawlFailed, "CRAWL_ERROR", errMsg, time.Now())
		h.notifyCrawlFinished(res.CrawlSessionID, domain.CrawlFailed)
	case domain.TaskCancelled:
		_ = h.store.FinishCrawlSession(ctx, res.CrawlSessionID, domain.CrawlCancelled, "USER_CANCELLED", errMsg, time.Now())
		h.notifyCrawlFinished(res.CrawlSessionID, domain.CrawlCancelled)
	case domain.TaskCompleted:
		for _, f := range res.Forms {
			route := domain.FormPageRoute{
				ID: uuid.NewString(),
				ProjectID: res.ProjectID, NetworkID: res.NetworkID, CrawlSessionID: res.CrawlSessionID,
				FormName: f.FormName, URL: f.URL, NavigationSteps: f.NavigationSteps,
				IsRoot: true, DiscoveryMethod: f.Method, Depth: f.Depth,
			}
			_ = h.store.InsertFormPageRoute(ctx, route)
		}
		_ = h.store.UpdateCrawlProgress(ctx, res.CrawlSessionID, len(res.Forms), len(res.Forms))
		_ = h.store.FinishCrawlSession(ctx, res.CrawlSessionID, domain.CrawlCompleted, "", "", time.Now())
		h.notifyCrawlFinished(res.CrawlSessionID, domain.CrawlCompleted)
	}
}
