package taskbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
	"github.com/formscout/controlplane/internal/store"
)

const (
	HeartbeatTimeout = 60 * time.Second
	JWTTTL           = 30 * time.Minute
	LongPollTimeout  = 30 * time.Second
)

// Service is the Task Bus (C3).
type Service struct {
	store      *store.Store
	queues     *Queues
	signingKey string
	legacyBearer string
	log        logging.Logger
}

func NewService(s *store.Store, signingKey, legacyBearer string) *Service {
	return &Service{
		store:        s,
		queues:       NewQueues(),
		signingKey:   signingKey,
		legacyBearer: legacyBearer,
		log:          logging.Component("taskbus"),
	}
}

// RegisterRequest is the Register endpoint's input.
type RegisterRequest struct {
	AgentID   string
	CompanyID string
	UserID    string
	Hostname  string
	Platform  string
	Version   string
}

type RegisterResult struct {
	APIKey    string
	JWT       string
	ExpiresIn int
}

// Register atomically invalidates any prior api_key for this user and
// issues a new one plus a fresh JWT, per spec.md §4.3.
func (s *Service) Register(ctx context.Context, presentedBearer string, req RegisterRequest) (RegisterResult, error) {
	if err := VerifyLegacyBearer(s.legacyBearer, presentedBearer); err != nil {
		return RegisterResult{}, err
	}
	apiKey := uuid.NewString()
	now := time.Now()
	if err := s.store.RegisterAgent(ctx, domain.Agent{
		AgentID: req.AgentID, UserID: req.UserID, CompanyID: req.CompanyID,
		APIKey: apiKey, LastHeartbeat: now, Status: domain.AgentIdle,
	}); err != nil {
		return RegisterResult{}, err
	}
	jwt, err := IssueJWT(s.signingKey, Claims{UserID: req.UserID, AgentID: req.AgentID, CompanyID: req.CompanyID}, JWTTTL)
	if err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{APIKey: apiKey, JWT: jwt, ExpiresIn: int(JWTTTL.Seconds())}, nil
}

var ErrSessionInvalidated = fmt.Errorf("taskbus: session_invalidated")

// RefreshToken issues a new JWT for a still-current api_key.
func (s *Service) RefreshToken(ctx context.Context, userID, apiKey string) (RegisterResult, error) {
	current, err := s.store.IsAPIKeyCurrent(ctx, userID, apiKey)
	if err != nil {
		return RegisterResult{}, err
	}
	if !current {
		return RegisterResult{}, ErrSessionInvalidated
	}
	agent, err := s.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return RegisterResult{}, err
	}
	jwt, err := IssueJWT(s.signingKey, Claims{UserID: userID, AgentID: agent.AgentID, CompanyID: agent.CompanyID}, JWTTTL)
	if err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{JWT: jwt, ExpiresIn: int(JWTTTL.Seconds())}, nil
}

// Authenticate verifies both the api_key currency and the JWT,
// enforcing the session-takeover invariant before any authenticated
// call proceeds.
func (s *Service) Authenticate(ctx context.Context, userID, apiKey, jwt string) error {
	current, err := s.store.IsAPIKeyCurrent(ctx, userID, apiKey)
	if err != nil {
		return err
	}
	if !current {
		return ErrSessionInvalidated
	}
	if _, err := VerifyJWT(s.signingKey, jwt); err != nil {
		return err
	}
	return nil
}

// HeartbeatRequest/Result implement spec.md's Heartbeat contract.
type HeartbeatRequest struct {
	AgentID               string
	UserID                string
	Status                domain.AgentStatus
	CurrentTaskID         string
	CurrentCrawlSessionID string
}

func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (cancelRequested bool, err error) {
	now := time.Now()
	if err := s.store.UpdateHeartbeat(ctx, req.UserID, req.Status, req.CurrentTaskID, req.CurrentCrawlSessionID, now); err != nil {
		return false, err
	}
	if req.CurrentCrawlSessionID == "" {
		return false, nil
	}
	return s.store.CancelRequested(ctx, req.CurrentCrawlSessionID)
}

// PollTask long-polls up to LongPollTimeout for the next task on
// userID's queue.
func (s *Service) PollTask(ctx context.Context, userID string) (domain.AgentTask, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, LongPollTimeout)
	defer cancel()
	return s.queues.Pop(pollCtx, userID)
}

// Enqueue pushes a new pending task onto userID's queue and persists it.
func (s *Service) Enqueue(ctx context.Context, t domain.AgentTask) error {
	t.Status = domain.TaskPending
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	if err := s.store.InsertTask(ctx, t); err != nil {
		return err
	}
	s.queues.Push(t.UserID, t)
	return nil
}

// ReportTaskStatus persists a terminal (or running) status transition,
// rejecting any transition domain.TaskStatus forbids.
func (s *Service) ReportTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, result []byte, errMsg string) error {
	cur, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !cur.Status.CanTransition(status) {
		return fmt.Errorf("taskbus: illegal task transition %s -> %s", cur.Status, status)
	}
	return s.store.UpdateTaskStatus(ctx, taskID, status, result, errMsg, time.Now())
}

// CheckStale lazily marks a session failed(AGENT_DISCONNECTED) if its
// agent's heartbeat is older than HeartbeatTimeout. Called from status
// polls, per spec.md's "no background sweeper required" design -
// mirrors the teacher's heartbeat.go staleness check but invoked
// on-demand instead of on a ticker.
func (s *Service) CheckStale(ctx context.Context, sessionID, userID string) error {
	agent, err := s.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.MarkDisconnectedIfStale(ctx, sessionID, agent.LastHeartbeat, HeartbeatTimeout)
}
