package aibroker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPModelClient calls a configurable AI provider endpoint over
// net/http. One process-wide instance is shared (spec.md §9: "the one
// permitted process-wide singleton is the AI client"), and every call
// through it waits on one internal rate limiter shared by all companies.
type HTTPModelClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPModelClient builds a client with a 60s request timeout and a
// steady-state rate limit (ratePerSecond, burst) applied ahead of every
// call.
func NewHTTPModelClient(endpoint, apiKey string, ratePerSecond float64, burst int) *HTTPModelClient {
	return &HTTPModelClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

type completionRequest struct {
	Prompt     string `json:"prompt"`
	Screenshot string `json:"screenshot,omitempty"`
}

type completionResponse struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (c *HTTPModelClient) Complete(ctx context.Context, prompt string, screenshot []byte) (string, int64, int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", 0, 0, fmt.Errorf("aibroker: rate limiter: %w", err)
	}
	reqBody := completionRequest{Prompt: prompt}
	if len(screenshot) > 0 {
		reqBody.Screenshot = base64.StdEncoding.EncodeToString(screenshot)
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", 0, 0, fmt.Errorf("aibroker: provider overloaded: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("aibroker: provider error: status %d", resp.StatusCode)
	}
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, err
	}
	return out.Text, out.InputTokens, out.OutputTokens, nil
}
