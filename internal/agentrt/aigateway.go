package agentrt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/formscout/controlplane/internal/domain"
)

// AIGateway implements crawler.AIGateway by calling the server's
// form-pages AI callbacks over HTTP, per spec.md §6.1's
// "POST /api/form-pages/ai/{op}" contract — the agent never talks to
// the AI provider directly.
type AIGateway struct {
	client         *Client
	companyID      string
	productID      string
	userID         string
	crawlSessionID string
}

func NewAIGateway(client *Client, companyID, productID, userID, crawlSessionID string) *AIGateway {
	return &AIGateway{client: client, companyID: companyID, productID: productID, userID: userID, crawlSessionID: crawlSessionID}
}

func encodeShot(shot []byte) string {
	if len(shot) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(shot)
}

func (g *AIGateway) call(ctx context.Context, op string, req any, out any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agentrt: marshaling %s request: %w", op, err)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	envelope["company_id"], _ = json.Marshal(g.companyID)
	envelope["product_id"], _ = json.Marshal(g.productID)
	envelope["user_id"], _ = json.Marshal(g.userID)
	envelope["crawl_session_id"], _ = json.Marshal(g.crawlSessionID)

	_, err = g.client.do(ctx, http.MethodPost, "/api/form-pages/ai/"+op, envelope, out, true)
	return err
}

func (g *AIGateway) ExtractFormName(ctx context.Context, pageContext string, existingNames []string) (string, error) {
	var resp struct {
		FormName string `json:"form_name"`
	}
	err := g.call(ctx, "form-name", map[string]any{
		"page_context": pageContext, "existing_names": existingNames,
	}, &resp)
	return resp.FormName, err
}

func (g *AIGateway) IsSubmissionButton(ctx context.Context, buttonText string, screenshot []byte) (bool, error) {
	var resp struct {
		IsSubmissionButton bool `json:"is_submission_button"`
	}
	err := g.call(ctx, "is-submission-button", map[string]any{
		"button_text": buttonText, "screenshot": encodeShot(screenshot),
	}, &resp)
	return resp.IsSubmissionButton, err
}

func (g *AIGateway) GetNavigationClickables(ctx context.Context, screenshot []byte) ([]string, error) {
	var resp struct {
		Clickables []string `json:"clickables"`
	}
	err := g.call(ctx, "navigation-clickables", map[string]any{
		"screenshot": encodeShot(screenshot),
	}, &resp)
	return resp.Clickables, err
}

// VerifyJunction has no agent-facing callback: junction verification
// happens server-side inside the Mapper Orchestrator, which calls the
// AI Broker in-process. The crawl engine's interface declares it for
// symmetry with mapper.AIGateway but never calls it during discovery.
func (g *AIGateway) VerifyJunction(ctx context.Context, before, after []byte, step domain.Step) (domain.JunctionVerdict, error) {
	return domain.JunctionVerdict{}, fmt.Errorf("agentrt: VerifyJunction is not exposed over the agent HTTP contract")
}
