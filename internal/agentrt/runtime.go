package agentrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/crawler"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
)

// DriverFactory opens a fresh browser driver against baseURL. Kept as
// a function value rather than importing playwrightdriver directly,
// so this package stays agnostic of the concrete browser automation
// in use, the way crawler.Crawler itself depends only on the Driver
// interface.
type DriverFactory func(ctx context.Context, baseURL string, slowMode bool) (crawler.Driver, error)

// currentWork is what the heartbeat loop reports back to the server:
// the task/session the poll loop is presently executing, if any.
type currentWork struct {
	taskID    string
	sessionID string
}

// Runtime is the agent process's main loop: one heartbeat ticker and
// one long-poll loop, sharing a cancellation flag and the current
// task/session id, per spec.md §5/§9's two-coroutine model.
type Runtime struct {
	client    *Client
	cfg       config.Agent
	newDriver DriverFactory
	log       logging.Logger

	cancelRequested atomic.Bool
	current         atomic.Value // currentWork

	mu              sync.Mutex
	mapperDriver    crawler.Driver
	mapperSessionID string
}

func NewRuntime(client *Client, cfg config.Agent, newDriver DriverFactory) *Runtime {
	r := &Runtime{client: client, cfg: cfg, newDriver: newDriver, log: logging.Component("agentrt")}
	r.current.Store(currentWork{})
	return r
}

// Run registers the agent and blocks running the heartbeat ticker and
// poll loop until ctx is cancelled, the server rejects the agent's
// session (session takeover), or the poll loop returns a fatal error.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.client.Register(ctx, r.cfg.AgentID, r.cfg.CompanyID, r.cfg.UserID,
		r.cfg.Hostname, r.cfg.Platform, r.cfg.Version); err != nil {
		return fmt.Errorf("agentrt: register: %w", err)
	}
	r.log.Info().Str("agent_id", r.cfg.AgentID).Msg("registered")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(runCtx, cancel)
	}()

	err := r.pollLoop(runCtx)
	cancel()
	wg.Wait()
	return err
}

func (r *Runtime) setCurrent(taskID, sessionID string) {
	r.current.Store(currentWork{taskID: taskID, sessionID: sessionID})
}

// heartbeatLoop posts liveness every HeartbeatPeriod and latches
// cancel_requested into an atomic flag the poll loop checks between
// steps. A session-takeover 401 stops the whole runtime, per spec.md's
// "newest registration wins" rule.
func (r *Runtime) heartbeatLoop(ctx context.Context, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			work := r.current.Load().(currentWork)
			status := domain.AgentIdle
			if work.taskID != "" {
				status = domain.AgentBusy
			}
			cancelRequested, err := r.client.Heartbeat(ctx, r.cfg.AgentID, r.cfg.UserID, status, work.taskID, work.sessionID)
			if err != nil {
				if se, ok := err.(*ServerError); ok && se.Unauthorized() {
					r.log.Warn().Msg("session superseded, shutting down")
					cancelRun()
					return
				}
				r.log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			if cancelRequested {
				r.cancelRequested.Store(true)
			}
		}
	}
}

// pollLoop long-polls for work and dispatches each task by type. It
// returns only on a fatal (session-invalidated) error or ctx
// cancellation.
func (r *Runtime) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, ok, err := r.client.PollTask(ctx, r.cfg.UserID)
		if err != nil {
			if se, ok := err.(*ServerError); ok && se.Unauthorized() {
				return err
			}
			r.log.Warn().Err(err).Msg("poll failed")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		r.cancelRequested.Store(false)
		sessionID := sessionIDFromTaskID(task.TaskID)
		r.setCurrent(task.TaskID, sessionID)
		r.runTask(ctx, task, sessionID)
		r.setCurrent("", "")
	}
}

// sessionIDFromTaskID recovers the originating mapper/crawl session id
// from the first ':'-separated field of a task id: mapper.Orchestrator.buildTask
// produces "<session_id>:<task_type>:<timestamp>" and the crawl Locate
// handler "<session_id>:discover:<timestamp>".
func sessionIDFromTaskID(taskID string) string {
	if i := strings.IndexByte(taskID, ':'); i >= 0 {
		return taskID[:i]
	}
	return taskID
}

func (r *Runtime) isCancelled() bool {
	return r.cancelRequested.Load()
}

func (r *Runtime) runTask(ctx context.Context, task domain.AgentTask, sessionID string) {
	log := r.log.With().Str("task_id", task.TaskID).Str("task_type", string(task.TaskType)).Logger()

	if err := r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskRunning, nil, ""); err != nil {
		log.Warn().Err(err).Msg("reporting running status")
	}

	switch task.TaskType {
	case domain.TaskDiscoverFormPages:
		r.runDiscovery(ctx, task, log)
	case domain.TaskFormMapperLogin, domain.TaskFormMapperNavigate:
		r.runStepsTask(ctx, task, sessionID, log)
	case domain.TaskFormMapperExtractDOM:
		r.runExtractDOM(ctx, task, sessionID, log)
	case domain.TaskFormMapperExecuteStep:
		r.runExecuteStep(ctx, task, sessionID, log)
	default:
		log.Error().Msg("unknown task type")
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, "unknown task type")
	}
}

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

// discoveryLogEntry is one line of the crawl run log uploaded to
// LogsUploadURL, the agent-side half of the original locator service's
// "logs" artifact.
type discoveryLogEntry struct {
	CrawlSessionID string `json:"crawl_session_id"`
	Status         string `json:"status"`
	FormsFound     int    `json:"forms_found"`
	Error          string `json:"error,omitempty"`
}

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

// runDiscovery opens a dedicated browser driver, runs the DFS crawl
// (C4) against it, and streams the discovered routes back through the
// task bus (C3) as the task's completed result.
func (r *Runtime) runDiscovery(ctx context.Context, task domain.AgentTask, log logging.Logger) {
	var p discoverFormPagesPayload
	if err := json.Unmarshal(task.Parameters, &p); err != nil {
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, "invalid task parameters")
		return
	}

	driver, err := r.newDriver(ctx, p.BaseURL, false)
	if err != nil {
		log.Error().Err(err).Msg("opening driver")
		r.uploadDiscoveryLog(ctx, p, 0, err.Error(), log)
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, err.Error())
		return
	}
	defer driver.Close(ctx)

	ai := NewAIGateway(r.client, p.CompanyID, p.ProductID, r.cfg.UserID, p.CrawlSessionID)
	cr := crawler.New(driver, ai, crawler.Config{
		StartURL: p.StartURL, BaseURL: p.BaseURL, MaxDepth: r.cfg.MaxCrawlDepth,
		Credentials: map[string]string{"username": p.Username, "password": p.Password},
	}, r.isCancelled)

	forms, err := cr.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("crawl run")
		r.uploadDiscoveryLog(ctx, p, 0, err.Error(), log)
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, err.Error())
		return
	}

	result := discoverFormPagesResult{CrawlSessionID: p.CrawlSessionID, ProjectID: p.ProjectID, NetworkID: p.NetworkID}
	for _, f := range forms {
		result.Forms = append(result.Forms, discoverFormPagesResultForm{
			FormName: f.FormName, URL: f.URL, NavigationSteps: f.NavigationSteps,
			Depth: f.Depth, Method: f.Method,
		})
	}
	raw, err := json.Marshal(result)
	if err != nil {
		r.uploadDiscoveryLog(ctx, p, len(result.Forms), err.Error(), log)
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, err.Error())
		return
	}

	status := domain.TaskCompleted
	if r.isCancelled() {
		status = domain.TaskCancelled
	}
	r.uploadDiscoveryLog(ctx, p, len(result.Forms), "", log)
	if err := r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, status, raw, ""); err != nil {
		log.Warn().Err(err).Msg("reporting discovery result")
	}
}

// uploadDiscoveryLog PUTs a small run-log record to the pre-signed URL
// the server handed back at task-prep time, if any. A missing
// LogsUploadURL (e.g. no object store configured) is not an error:
// logs are a best-effort artifact, never load-bearing for the crawl
// result itself.
func (r *Runtime) uploadDiscoveryLog(ctx context.Context, p discoverFormPagesPayload, formsFound int, errMsg string, log logging.Logger) {
	if p.LogsUploadURL == "" {
		return
	}
	status := "completed"
	if errMsg != "" {
		status = "failed"
	}
	raw, err := json.Marshal(discoveryLogEntry{
		CrawlSessionID: p.CrawlSessionID, Status: status, FormsFound: formsFound, Error: errMsg,
	})
	if err != nil {
		return
	}
	if err := r.client.UploadArtifact(ctx, p.LogsUploadURL, "application/json", raw); err != nil {
		log.Warn().Err(err).Msg("uploading discovery log")
	}
}

// mapperDriverFor returns the driver backing sessionID's mapper run,
// opening one against baseURL on first use and tearing down any prior
// session's driver. form_mapper_* tasks for the same session arrive
// serially and share page state across login/navigate/extract/execute,
// unlike discover_form_pages which always gets a fresh driver.
func (r *Runtime) mapperDriverFor(ctx context.Context, sessionID, baseURL string) (crawler.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mapperSessionID == sessionID && r.mapperDriver != nil {
		return r.mapperDriver, nil
	}
	if r.mapperDriver != nil {
		_ = r.mapperDriver.Close(ctx)
		r.mapperDriver = nil
	}
	driver, err := r.newDriver(ctx, baseURL, false)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		if err := driver.Navigate(ctx, baseURL); err != nil {
			_ = driver.Close(ctx)
			return nil, err
		}
	}
	r.mapperDriver = driver
	r.mapperSessionID = sessionID
	return driver, nil
}

type stepsPayload struct {
	BaseURL string        `json:"base_url,omitempty"`
	Steps   []domain.Step `json:"steps"`
}

// runStepsTask executes form_mapper_login / form_mapper_navigate: a
// plain sequence of steps with no DOM or result payload expected back,
// just success/failure.
func (r *Runtime) runStepsTask(ctx context.Context, task domain.AgentTask, sessionID string, log logging.Logger) {
	var p stepsPayload
	if err := json.Unmarshal(task.Parameters, &p); err != nil {
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, "invalid task parameters")
		return
	}

	driver, err := r.mapperDriverFor(ctx, sessionID, p.BaseURL)
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}

	for _, step := range p.Steps {
		res, err := driver.Execute(ctx, step)
		if err != nil {
			_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
			return
		}
		if !res.Success {
			_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, res.Error, nil)
			return
		}
	}
	if _, err := r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, true, "", nil); err != nil {
		log.Warn().Err(err).Msg("reporting steps result")
	}
}

type extractDOMPayload struct {
	UseFullDOM      bool `json:"use_full_dom"`
	UseOptimizedDOM bool `json:"use_optimized_dom"`
	UseFormsDOM     bool `json:"use_forms_dom"`
	IncludeJSInDOM  bool `json:"include_js_in_dom"`
}

type extractDOMResultPayload struct {
	DOM        string `json:"dom"`
	Screenshot string `json:"screenshot,omitempty"`
	DOMHash    string `json:"dom_hash"`
}

// runExtractDOM captures the current page's DOM for the orchestrator
// to base its next step-generation call on. The DOM flags do not change
// what the agent captures: it always hands back the full rendered DOM,
// and the orchestrator stores it and passes it to the AI Broker as
// received, untrimmed.
func (r *Runtime) runExtractDOM(ctx context.Context, task domain.AgentTask, sessionID string, log logging.Logger) {
	var p extractDOMPayload
	_ = json.Unmarshal(task.Parameters, &p)

	// extract_dom always arrives after login/navigate has already opened
	// this session's driver, so no base_url is needed here.
	driver, err := r.mapperDriverFor(ctx, sessionID, "")
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}

	dom, err := driver.Content(ctx)
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}
	sum := sha256.Sum256([]byte(dom))
	shot, _ := driver.Screenshot(ctx)

	payload, err := json.Marshal(extractDOMResultPayload{
		DOM: dom, Screenshot: encodeShot(shot), DOMHash: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}
	if _, err := r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, true, "", payload); err != nil {
		log.Warn().Err(err).Msg("reporting extract_dom result")
	}
}

type executeStepPayload struct {
	Step domain.Step `json:"step"`
}

type executeStepResultPayload struct {
	StepResult domain.StepResult `json:"step_result"`
}

// runExecuteStep executes a single orchestrator-generated step and
// hands back its domain.StepResult verbatim, the signal C5 uses to
// decide between advancing, retrying or invoking error recovery.
func (r *Runtime) runExecuteStep(ctx context.Context, task domain.AgentTask, sessionID string, log logging.Logger) {
	var p executeStepPayload
	if err := json.Unmarshal(task.Parameters, &p); err != nil {
		_ = r.client.ReportTaskStatus(ctx, task.TaskID, r.cfg.UserID, domain.TaskFailed, nil, "invalid task parameters")
		return
	}

	// execute_step always arrives after the session's driver is already
	// open from an earlier login/navigate/extract_dom task.
	driver, err := r.mapperDriverFor(ctx, sessionID, "")
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}

	result, err := driver.Execute(ctx, p.Step)
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}

	// A step that might have opened a junction (a choice branching into
	// more than one path) needs an after-shot for C5 to diff against the
	// DOM extraction's before-shot. Every other step skips the extra
	// screenshot round-trip.
	if result.Success && (p.Step.OpensDropdown || p.Step.IsJunction) {
		if shot, shotErr := driver.Screenshot(ctx); shotErr == nil {
			result.Screenshot = shot
		} else {
			log.Warn().Err(shotErr).Msg("capturing junction verification screenshot")
		}
	}

	payload, err := json.Marshal(executeStepResultPayload{StepResult: result})
	if err != nil {
		_, _ = r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, false, err.Error(), nil)
		return
	}
	if _, err := r.client.ReportFormMapperResult(ctx, sessionID, r.cfg.UserID, task.TaskType, result.Success, "", payload); err != nil {
		log.Warn().Err(err).Msg("reporting execute_step result")
	}
}
