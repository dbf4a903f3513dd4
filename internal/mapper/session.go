package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/config"
	"github.com/formscout/controlplane/internal/domain"
)

const sessionTTL = 24 * time.Hour

// SessionState is the full persisted record for one mapping session,
// per spec.md §4.5's field list. It round-trips to JSON for storage in
// Cache under a per-session key.
type SessionState struct {
	SessionID             string                 `json:"session_id"`
	UserID                string                 `json:"user_id"`
	CompanyID             string                 `json:"company_id"`
	ProductID             string                 `json:"product_id"`
	NetworkID             string                 `json:"network_id"`
	BaseURL               string                 `json:"base_url,omitempty"`
	FormRouteID           string                 `json:"form_route_id"`
	CrawlSessionID        string                 `json:"crawl_session_id"`
	State                 State                  `json:"state"`
	PreviousState         State                  `json:"previous_state"`
	CurrentPath           int                    `json:"current_path"`
	TotalPathsDiscovered  int                    `json:"total_paths_discovered"`
	CurrentStepIndex      int                    `json:"current_step_index"`
	AllSteps              []domain.Step          `json:"all_steps"`
	LoginSteps            []domain.Step          `json:"login_steps,omitempty"`
	NavSteps              []domain.Step          `json:"nav_steps,omitempty"`
	CurrentDOMHash        string                 `json:"current_dom_hash"`
	PreviousPaths         [][]domain.Step        `json:"previous_paths"`
	CurrentPathJunctions  []domain.JunctionInfo  `json:"current_path_junctions"`
	TestCases             []string               `json:"test_cases"`
	CriticalFields        []string               `json:"critical_fields,omitempty"`
	FieldRequirements     string                 `json:"field_requirements,omitempty"`
	Config                config.MapperDefaults  `json:"config"`
	RetryCount            int                    `json:"retry_count"`
	LastError             string                 `json:"last_error,omitempty"`
	RecoveryAttempts      []RecoveryAttempt      `json:"recovery_attempts"`
	FinalSteps            []domain.Step          `json:"final_steps,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// RecoveryAttempt records one AnalyzeFailureAndRecover invocation, kept
// so the orchestrator can detect a repeating unrecoverable pattern
// (≥4 recoveries sharing action/target, per spec.md §4.5).
type RecoveryAttempt struct {
	Action   domain.StepAction `json:"action"`
	Selector string            `json:"selector"`
}

// unrecoverable reports whether the last 4 recovery attempts share the
// same action/selector pattern.
func (s *SessionState) unrecoverable() bool {
	n := len(s.RecoveryAttempts)
	if n < 4 {
		return false
	}
	last := s.RecoveryAttempts[n-1]
	for i := n - 4; i < n; i++ {
		if s.RecoveryAttempts[i].Action != last.Action || s.RecoveryAttempts[i].Selector != last.Selector {
			return false
		}
	}
	return true
}

// Store persists SessionState records in Cache with compare-and-swap
// transitions, implementing spec.md §5's "session record is the single
// source of truth; every transition is a compare-and-set from
// previous_state to state."
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

func sessionKey(id string) string { return "mapper:session:" + id }

func (st *Store) Create(ctx context.Context, s SessionState) error {
	s.CreatedAt = s.UpdatedAt
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := st.cache.CompareAndSwap(ctx, sessionKey(s.SessionID), "", string(raw), sessionTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mapper: session %s already exists", s.SessionID)
	}
	return nil
}

func (st *Store) Get(ctx context.Context, id string) (SessionState, string, error) {
	raw, ok, err := st.cache.Get(ctx, sessionKey(id))
	if err != nil {
		return SessionState{}, "", err
	}
	if !ok {
		return SessionState{}, "", fmt.Errorf("mapper: session %s not found", id)
	}
	var s SessionState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return SessionState{}, "", err
	}
	return s, raw, nil
}

// Transition performs the CAS: the caller passes the exact raw string
// previously read (from Get) as the expected current value, and the
// mutated SessionState to persist. Returns false if a concurrent writer
// won the race, in which case the caller must re-read and retry —
// exactly the "no-op or fail" requirement of spec.md §5 for concurrent
// session advancers.
func (st *Store) Transition(ctx context.Context, prevRaw string, next SessionState, now time.Time) (bool, error) {
	if !next.PreviousState.CanTransition(next.State) {
		return false, fmt.Errorf("mapper: illegal transition %s -> %s for session %s", next.PreviousState, next.State, next.SessionID)
	}
	next.UpdatedAt = now
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return st.cache.CompareAndSwap(ctx, sessionKey(next.SessionID), prevRaw, string(raw), sessionTTL)
}

func (st *Store) Delete(ctx context.Context, id string) error {
	return st.cache.Delete(ctx, sessionKey(id))
}

// DOMSnapshot is the short-TTL buffer of the extracted page, keyed by
// session id, per spec.md §5's "DOM/screenshot buffers cached... 1h TTL".
type DOMSnapshot struct {
	HTML       string `json:"html"`
	Screenshot []byte `json:"screenshot"`
	Hash       string `json:"hash"`
}

const domTTL = time.Hour

func domKey(sessionID string) string { return "mapper:dom:" + sessionID }

func SaveDOMSnapshot(ctx context.Context, c cache.Cache, sessionID string, snap DOMSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Set(ctx, domKey(sessionID), string(raw), domTTL)
}

func LoadDOMSnapshot(ctx context.Context, c cache.Cache, sessionID string) (DOMSnapshot, bool, error) {
	raw, ok, err := c.Get(ctx, domKey(sessionID))
	if err != nil || !ok {
		return DOMSnapshot{}, ok, err
	}
	var snap DOMSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return DOMSnapshot{}, false, err
	}
	return snap, true, nil
}
