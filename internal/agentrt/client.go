// Package agentrt is the agent process's runtime: an HTTP client for
// the Task Bus/Budget Gate/AI Broker contract of spec.md §6.1, and the
// poll-loop/heartbeat-ticker pair of spec.md §5/§9 that drives it.
package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
)

// Client talks to the server over the wire contract of spec.md §6.1. It
// owns the agent's current api_key/jwt pair and refreshes the JWT
// itself, the way the teacher's HTTP clients own their own auth state
// rather than pushing it onto every call site.
type Client struct {
	baseURL      string
	legacyBearer string
	http         *http.Client
	log          logging.Logger

	mu     sync.RWMutex
	apiKey string
	jwt    string
}

func NewClient(baseURL, legacyBearer string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      baseURL,
		legacyBearer: legacyBearer,
		http:         &http.Client{Timeout: timeout},
		log:          logging.Component("agentrt"),
	}
}

func (c *Client) credentials() (apiKey, jwt string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.jwt
}

func (c *Client) setCredentials(apiKey, jwt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey, c.jwt = apiKey, jwt
}

// do issues one request against the server. authenticated controls
// whether the api_key/jwt headers are attached; Register is the one
// endpoint that instead carries the legacy bearer.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authenticated bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("agentrt: marshaling request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("agentrt: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated {
		apiKey, jwt := c.credentials()
		req.Header.Set("X-Agent-API-Key", apiKey)
		req.Header.Set("Authorization", "Bearer "+jwt)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.legacyBearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentrt: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp, nil
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return resp, &ServerError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("agentrt: decoding response: %w", err)
		}
	}
	return resp, nil
}

// ServerError wraps a non-2xx HTTP response, carrying enough of the
// body for a caller to distinguish session_invalidated from a generic
// failure without depending on internal/apierrors directly.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("agentrt: server responded %d: %s", e.Status, e.Body)
}

// Unauthorized reports whether the server rejected the request due to
// an invalidated or missing session, the signal the runtime's poll
// loop uses to shut itself down per spec.md's session-takeover rule.
func (e *ServerError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

type registerRequest struct {
	AgentID   string `json:"agent_id"`
	CompanyID string `json:"company_id"`
	UserID    string `json:"user_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

type registerResponse struct {
	APIKey    string `json:"api_key"`
	JWT       string `json:"jwt"`
	ExpiresIn int    `json:"expires_in"`
}

// Register obtains a fresh api_key/jwt pair, invalidating any prior
// key for this user, and stores it for subsequent calls.
func (c *Client) Register(ctx context.Context, agentID, companyID, userID, hostname, platform, version string) (expiresIn int, err error) {
	var resp registerResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/register", registerRequest{
		AgentID: agentID, CompanyID: companyID, UserID: userID,
		Hostname: hostname, Platform: platform, Version: version,
	}, &resp, false); err != nil {
		return 0, err
	}
	c.setCredentials(resp.APIKey, resp.JWT)
	return resp.ExpiresIn, nil
}

type refreshResponse struct {
	JWT       string `json:"jwt"`
	ExpiresIn int    `json:"expires_in"`
}

// RefreshToken renews the JWT using the current api_key, per spec.md's
// "agent refreshes its JWT ~5 minutes before expiry."
func (c *Client) RefreshToken(ctx context.Context, userID string) (expiresIn int, err error) {
	apiKey, _ := c.credentials()
	var resp refreshResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/refresh-token?user_id="+userID, nil, &resp, true); err != nil {
		return 0, err
	}
	c.setCredentials(apiKey, resp.JWT)
	return resp.ExpiresIn, nil
}

type heartbeatRequest struct {
	AgentID               string             `json:"agent_id"`
	UserID                string             `json:"user_id"`
	Status                domain.AgentStatus `json:"status"`
	CurrentTaskID         string             `json:"current_task_id,omitempty"`
	CurrentCrawlSessionID string             `json:"current_crawl_session_id,omitempty"`
}

type heartbeatResponse struct {
	CancelRequested bool `json:"cancel_requested"`
}

func (c *Client) Heartbeat(ctx context.Context, agentID, userID string, status domain.AgentStatus, currentTaskID, currentCrawlSessionID string) (cancelRequested bool, err error) {
	var resp heartbeatResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/heartbeat", heartbeatRequest{
		AgentID: agentID, UserID: userID, Status: status,
		CurrentTaskID: currentTaskID, CurrentCrawlSessionID: currentCrawlSessionID,
	}, &resp, true); err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

type polledTask struct {
	TaskID     string          `json:"task_id"`
	TaskType   domain.TaskType `json:"task_type"`
	CompanyID  string          `json:"company_id"`
	UserID     string          `json:"user_id"`
	Parameters json.RawMessage `json:"parameters"`
}

// PollTask long-polls for up to the server's 30s window; the caller's
// context should allow a little extra (spec.md's 35s client timeout).
func (c *Client) PollTask(ctx context.Context, userID string) (domain.AgentTask, bool, error) {
	var resp polledTask
	httpResp, err := c.do(ctx, http.MethodGet, "/api/tasks/poll?user_id="+userID, nil, &resp, true)
	if err != nil {
		return domain.AgentTask{}, false, err
	}
	if httpResp.StatusCode == http.StatusNoContent {
		return domain.AgentTask{}, false, nil
	}
	return domain.AgentTask{
		TaskID: resp.TaskID, TaskType: resp.TaskType, CompanyID: resp.CompanyID,
		UserID: resp.UserID, Parameters: resp.Parameters,
	}, true, nil
}

type reportTaskStatusRequest struct {
	TaskID  string            `json:"task_id"`
	UserID  string            `json:"user_id"`
	Status  domain.TaskStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
}

func (c *Client) ReportTaskStatus(ctx context.Context, taskID, userID string, status domain.TaskStatus, result []byte, errMsg string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/tasks/status", reportTaskStatusRequest{
		TaskID: taskID, UserID: userID, Status: status, Message: errMsg, Result: result,
	}, nil, true)
	return err
}

type reportFormMapperResultRequest struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	TaskType  domain.TaskType `json:"task_type"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type reportFormMapperResultResponse struct {
	NextAction string `json:"next_action"`
}

// ReportFormMapperResult drives the Mapper Orchestrator's next
// transition after the agent executes a form_mapper_* task.
func (c *Client) ReportFormMapperResult(ctx context.Context, sessionID, userID string, taskType domain.TaskType, success bool, errMsg string, payload []byte) (nextAction string, err error) {
	var resp reportFormMapperResultResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/form-mapper/result", reportFormMapperResultRequest{
		SessionID: sessionID, UserID: userID, TaskType: taskType, Success: success, Error: errMsg, Payload: payload,
	}, &resp, true); err != nil {
		return "", err
	}
	return resp.NextAction, nil
}

// UploadArtifact PUTs body to a pre-signed object-storage URL handed
// out by a discover_form_pages task's LogsUploadURL. The URL carries
// its own authorization (the signature), so this bypasses c.do
// entirely: no api_key/jwt/legacy-bearer header, and the destination
// is an arbitrary absolute URL rather than a path under c.baseURL.
func (c *Client) UploadArtifact(ctx context.Context, uploadURL, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agentrt: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agentrt: uploading artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return &ServerError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}
