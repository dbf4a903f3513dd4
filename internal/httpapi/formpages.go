package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/formscout/controlplane/internal/aibroker"
	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/taskbus"
)

const formPagesCallCost = 0.01

// FormPagesHandlers serves the agent→server AI callbacks the crawler
// makes during a discovery run, per spec.md §6.1's
// "POST /api/form-pages/ai/{op}" contract: check budget, call the AI,
// record usage, return the op-specific structured result.
type FormPagesHandlers struct {
	bus    *taskbus.Service
	budget *budget.Gate
	ai     *aibroker.Broker
}

func NewFormPagesHandlers(bus *taskbus.Service, gate *budget.Gate, ai *aibroker.Broker) *FormPagesHandlers {
	return &FormPagesHandlers{bus: bus, budget: gate, ai: ai}
}

// formPagesEnvelope is the common header every op request carries;
// op-specific fields are decoded a second time into the op's own
// request struct against the same raw body.
type formPagesEnvelope struct {
	CompanyID      string `json:"company_id"`
	ProductID      string `json:"product_id"`
	UserID         string `json:"user_id"`
	CrawlSessionID string `json:"crawl_session_id"`
}

func decodeShot(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return raw
}

// HandleOp dispatches on the {op} path variable. Every branch follows
// the same check→call→record sequence; only the AI Broker method and
// request/response shape differ.
func (h *FormPagesHandlers) HandleOp(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]

	var env formPagesEnvelope
	body, err := peekBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.CodeUnknown, "invalid request body")
		return
	}
	if !requireAuth(h.bus, w, r, env.UserID) {
		return
	}

	_, _, _, err = h.budget.Check(r.Context(), env.CompanyID, env.ProductID, formPagesCallCost)
	if err != nil {
		writeErrFromClassified(w, err)
		return
	}

	ctx, sink := aibroker.WithUsageSink(r.Context())
	var resp any
	switch op {
	case "login-steps":
		var req struct {
			DOM         string `json:"dom"`
			Credentials string `json:"credentials"`
			Hints       string `json:"hints"`
			Screenshot  string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		result, err := h.ai.GenerateLoginSteps(ctx, req.DOM, req.Credentials, req.Hints, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = result

	case "logout-steps":
		var req struct {
			DOM        string `json:"dom"`
			Hints      string `json:"hints"`
			Screenshot string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		result, err := h.ai.GenerateLogoutSteps(ctx, req.DOM, req.Hints, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = result

	case "form-name":
		var req struct {
			PageContext   string   `json:"page_context"`
			ExistingNames []string `json:"existing_names"`
		}
		_ = json.Unmarshal(body, &req)
		name, err := h.ai.ExtractFormName(ctx, req.PageContext, req.ExistingNames)
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = map[string]string{"form_name": name}

	case "parent-fields":
		var req struct {
			FormName   string `json:"form_name"`
			DOM        string `json:"dom"`
			Screenshot string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		fields, err := h.ai.ExtractParentFields(ctx, req.FormName, req.DOM, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = map[string]any{"parent_fields": fields}

	case "ui-defects":
		var req struct {
			FormName   string `json:"form_name"`
			Screenshot string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		defects, err := h.ai.VerifyUIDefects(ctx, req.FormName, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = map[string]string{"defects": defects}

	case "is-submission-button":
		var req struct {
			ButtonText string `json:"button_text"`
			Screenshot string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		isSubmit, err := h.ai.IsSubmissionButton(ctx, req.ButtonText, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = map[string]bool{"is_submission_button": isSubmit}

	case "navigation-clickables":
		var req struct {
			Screenshot string `json:"screenshot"`
		}
		_ = json.Unmarshal(body, &req)
		names, err := h.ai.GetNavigationClickables(ctx, decodeShot(req.Screenshot))
		if err != nil {
			writeErrFromClassified(w, err)
			return
		}
		resp = map[string]any{"clickables": names}

	default:
		writeError(w, http.StatusNotFound, apierrors.CodeUnknown, "unknown form-pages op "+op)
		return
	}

	if sink.InputTokens != 0 || sink.OutputTokens != 0 {
		_, _ = h.budget.RecordUsage(r.Context(), env.CompanyID, env.ProductID, env.UserID,
			opForCallback(op), sink.InputTokens, sink.OutputTokens, env.CrawlSessionID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// opForCallback maps a form-pages callback op to the usage taxonomy
// entry the original implementation grouped it under.
func opForCallback(op string) budget.OperationType {
	switch op {
	case "is-submission-button":
		return budget.OpFormPagesButtonCheck
	default:
		return budget.OpFormPagesAnalyze
	}
}

func peekBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}
