package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/formscout/controlplane/internal/apierrors"
	sessionbus "github.com/formscout/controlplane/internal/bus"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/objectstore"
	"github.com/formscout/controlplane/internal/store"
	"github.com/formscout/controlplane/internal/taskbus"
)

const locateCallCost = 0.0 // admission-only check; the crawl itself pays per AI callback

// logsUploadTTL mirrors the original locator service's presigned-URL
// expiration for crawl logs uploads.
const logsUploadTTL = 2 * time.Hour

// CrawlHandlers serves the crawl-session REST surface of spec.md §6.2:
// starting a discovery run against a Network and polling/cancelling it.
type CrawlHandlers struct {
	store        *store.Store
	bus          *taskbus.Service
	budget       *budget.Gate
	objects      objectstore.Store
	mailbox      *sessionbus.Mailbox
	heartbeatTTL time.Duration
}

// statusWaitTimeout bounds how long Status blocks on the mailbox for a
// wake signal before falling back to whatever the store already has.
const statusWaitTimeout = 20 * time.Second

func NewCrawlHandlers(st *store.Store, bus *taskbus.Service, gate *budget.Gate, objects objectstore.Store, mailbox *sessionbus.Mailbox, heartbeatTTL time.Duration) *CrawlHandlers {
	return &CrawlHandlers{store: st, bus: bus, budget: gate, objects: objects, mailbox: mailbox, heartbeatTTL: heartbeatTTL}
}

type locateRequest struct {
	CompanyID string   `json:"company_id"`
	ProductID string   `json:"product_id"`
	ProjectID string   `json:"project_id"`
	UserID    string   `json:"user_id"`
	TestCases []string `json:"test_cases,omitempty"`
}

// discoverFormPagesPayload is the AgentTask parameters for a
// discover_form_pages task, mirroring C4's crawler.Config inputs. The
// agent echoes CrawlSessionID/ProjectID back on its result report so
// the server knows which CrawlSession and project to persist against.
// LogsUploadURL/LogsKey hand the agent a pre-signed destination for the
// crawl's run log, the way the original locator service's task prep
// attaches an upload_urls.logs entry.
type discoverFormPagesPayload struct {
	NetworkID      string   `json:"network_id"`
	CrawlSessionID string   `json:"crawl_session_id"`
	ProjectID      string   `json:"project_id"`
	CompanyID      string   `json:"company_id"`
	ProductID      string   `json:"product_id"`
	StartURL       string   `json:"start_url"`
	BaseURL        string   `json:"base_url"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	TestCases      []string `json:"test_cases,omitempty"`
	LogsUploadURL  string   `json:"logs_upload_url,omitempty"`
	LogsKey        string   `json:"logs_key,omitempty"`
}

// Locate starts a discovery run against the Network named by {id}.
func (h *CrawlHandlers) Locate(w http.ResponseWriter, r *http.Request) {
	networkID := mux.Vars(r)["id"]
	var req locateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, req.UserID) {
		return
	}

	agent, err := h.store.GetAgentByUserID(r.Context(), req.UserID)
	if err != nil || time.Since(agent.LastHeartbeat) > h.heartbeatTTL {
		writeError(w, http.StatusBadRequest, apierrors.CodeAgentDisconnected, "no online agent for this user")
		return
	}

	network, err := h.store.GetNetwork(r.Context(), networkID)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}

	if _, _, _, err := h.budget.Check(r.Context(), req.CompanyID, req.ProductID, locateCallCost); err != nil {
		writeErrFromClassified(w, err)
		return
	}

	now := time.Now()
	session := domain.CrawlSession{
		ID: uuid.NewString(), CompanyID: req.CompanyID, ProductID: req.ProductID,
		ProjectID: req.ProjectID, NetworkID: networkID, UserID: req.UserID,
		Status: domain.CrawlPending, StartedAt: now,
	}
	if err := h.store.CreateCrawlSession(r.Context(), session); err != nil {
		writeErrFromClassified(w, err)
		return
	}

	logsKey := fmt.Sprintf("logs/%s/%s/discovery_%s.json", req.CompanyID, req.ProjectID, session.ID)
	var logsUploadURL string
	if h.objects != nil {
		upload, err := h.objects.PresignUpload(r.Context(), logsKey, "application/json", logsUploadTTL)
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		logsUploadURL = upload.URL
	}

	params, err := json.Marshal(discoverFormPagesPayload{
		NetworkID: networkID, CrawlSessionID: session.ID, ProjectID: req.ProjectID,
		CompanyID: req.CompanyID, ProductID: req.ProductID,
		StartURL: network.BaseURL, BaseURL: network.BaseURL,
		Username: network.Username, Password: network.Password, TestCases: req.TestCases,
		LogsUploadURL: logsUploadURL, LogsKey: logsKey,
	})
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}
	task := domain.AgentTask{
		TaskID: session.ID + ":discover:" + now.Format(time.RFC3339Nano),
		CompanyID: req.CompanyID, UserID: req.UserID,
		TaskType: domain.TaskDiscoverFormPages, Parameters: params,
	}
	if err := h.bus.Enqueue(r.Context(), task); err != nil {
		writeErrFromClassified(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"crawl_session_id": session.ID, "task_id": task.TaskID, "status": domain.CrawlPending,
	})
}

// Status reports a crawl session's current progress. With ?wait=1 on a
// still-running session it blocks (up to statusWaitTimeout) for the
// mailbox wakeup AgentHandlers publishes when the crawl finishes,
// rather than returning immediately and making the caller poll again -
// useful once the server runs as more than one replica and a
// completion notification might land on a different process than the
// one handling this request.
func (h *CrawlHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := h.store.GetCrawlSession(r.Context(), id)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}
	if h.mailbox != nil && r.URL.Query().Get("wait") == "1" && !session.Status.Terminal() {
		waitCtx, cancel := context.WithTimeout(r.Context(), statusWaitTimeout)
		_, _ = h.mailbox.WaitForResult(waitCtx, id)
		cancel()
		if refreshed, err := h.store.GetCrawlSession(r.Context(), id); err == nil {
			session = refreshed
		}
	}
	if session.Status == domain.CrawlRunning {
		if err := h.bus.CheckStale(r.Context(), id, session.UserID); err == nil {
			if refreshed, err := h.store.GetCrawlSession(r.Context(), id); err == nil {
				session = refreshed
			}
		}
	}
	forms, err := h.store.ListFormPageRoutesBySession(r.Context(), id)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": map[string]any{
			"status": session.Status, "pages_crawled": session.PagesCrawled,
			"forms_found": session.FormsFound, "error_code": session.ErrorCode,
			"error_message": session.ErrorMessage,
		},
		"forms": forms,
	})
}

// Cancel requests cancellation, a no-op on an already-terminal session
// per spec.md §6.2.
func (h *CrawlHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		writeErrFromClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
