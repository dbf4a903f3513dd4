package domain

import "time"

// AccessModel is how a Company pays for AI usage.
type AccessModel string

const (
	AccessLegacy      AccessModel = "legacy"
	AccessBYOK        AccessModel = "byok"
	AccessEarlyAccess AccessModel = "early_access"
)

// AccessStatus is the admin-controlled gate on a Company.
type AccessStatus string

const (
	AccessPending AccessStatus = "pending"
	AccessActive  AccessStatus = "active"
	AccessRevoked AccessStatus = "revoked"
)

// Company is the top-level tenant.
type Company struct {
	ID                 string
	AccessModel        AccessModel
	AccessStatus       AccessStatus
	DailyAIBudget      float64
	AIUsedToday        float64
	LastUsageResetDate time.Time
	TrialStartDate     *time.Time
	TrialDaysTotal     int
}

// Subscription is a Company×Product budget record.
type Subscription struct {
	CompanyID             string
	ProductID             string
	MonthlyClaudeBudget   float64
	ClaudeUsedThisMonth   float64
	BudgetResetDate       time.Time
	CustomerClaudeAPIKey  string // opaque ciphertext, empty means not BYOK
}

// IsBYOK reports whether this subscription carries its own API key.
func (s Subscription) IsBYOK() bool {
	return s.CustomerClaudeAPIKey != ""
}

// AgentStatus is the liveness/work state of a registered Agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentDisconnected AgentStatus = "disconnected"
)

// Agent is a registered crawler process for a given user.
type Agent struct {
	AgentID               string
	UserID                string
	CompanyID             string
	APIKey                string
	LastHeartbeat         time.Time
	Status                AgentStatus
	CurrentTaskID         string
	CurrentCrawlSessionID string
}

// TaskStatus is the AgentTask lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// taskTransitions enumerates every legal TaskStatus edge. Monotone
// except pending->cancelled, per the data model invariant.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskRunning, TaskCancelled},
	TaskRunning:   {TaskCompleted, TaskFailed, TaskCancelled},
	TaskCompleted: {},
	TaskFailed:    {},
	TaskCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TaskType is the closed sum of parameter shapes an AgentTask can carry.
type TaskType string

const (
	TaskDiscoverFormPages TaskType = "discover_form_pages"
	TaskFormMapperLogin   TaskType = "form_mapper_login"
	TaskFormMapperNavigate TaskType = "form_mapper_navigate"
	TaskFormMapperExtractDOM TaskType = "form_mapper_extract_dom"
	TaskFormMapperExecuteStep TaskType = "form_mapper_execute_step"
	TaskExecuteSteps      TaskType = "execute_steps"
)

// AgentTask is one unit of work dispatched to an agent's queue.
type AgentTask struct {
	TaskID     string
	CompanyID  string
	UserID     string
	TaskType   TaskType
	Parameters []byte // opaque JSON
	Status     TaskStatus
	Result     []byte
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CrawlSessionStatus mirrors AgentTask's closed set plus pending/running.
type CrawlSessionStatus string

const (
	CrawlPending   CrawlSessionStatus = "pending"
	CrawlRunning   CrawlSessionStatus = "running"
	CrawlCompleted CrawlSessionStatus = "completed"
	CrawlFailed    CrawlSessionStatus = "failed"
	CrawlCancelled CrawlSessionStatus = "cancelled"
)

func (s CrawlSessionStatus) Terminal() bool {
	return s == CrawlCompleted || s == CrawlFailed || s == CrawlCancelled
}

// CrawlSession tracks one discovery run against a Network.
type CrawlSession struct {
	ID           string
	CompanyID    string
	ProductID    string
	ProjectID    string
	NetworkID    string
	UserID       string
	Status       CrawlSessionStatus
	PagesCrawled int
	FormsFound   int
	ErrorCode    string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// DiscoveryMethod records how a FormPageRoute was found.
type DiscoveryMethod string

const (
	DiscoveryDirectFormPage DiscoveryMethod = "direct_form_page"
	DiscoveryOpensNewTab    DiscoveryMethod = "opens_in_new_tab"
	DiscoveryIsModal        DiscoveryMethod = "is_modal"
	DiscoveryDefault        DiscoveryMethod = "default"
)

// FormPageRoute is one discovered, reproducible path to a form page.
type FormPageRoute struct {
	ID                  string
	ProjectID           string
	NetworkID           string
	CrawlSessionID      string
	FormName            string
	URL                 string
	LoginURL            string
	Username            string
	NavigationSteps     []Step
	IDFields            []string
	ParentFields         []ParentField
	IsRoot              bool
	ParentFormRouteID   string
	VerificationAttempts int
	LastVerifiedAt      *time.Time
	DiscoveryMethod     DiscoveryMethod
	Depth               int
}

// ProjectFormHierarchy is one forest edge over a project's form routes.
type ProjectFormHierarchy struct {
	ProjectID    string
	FormID       string
	ParentFormID string // empty means root
}

// Network is a customer's target environment: the base URL C4 crawls
// and the login/logout step recipes C5 replays before mapping forms.
type Network struct {
	ID           string
	ProjectID    string
	CompanyID    string
	Name         string
	BaseURL      string
	Username     string
	Password     string
	LoginStages  []Step
	LogoutStages []Step
	UseVision    bool
}

// ApiUsage is an append-only AI-call cost record.
type ApiUsage struct {
	CompanyID      string
	ProductID      string
	UserID         string
	CrawlSessionID string
	OperationType  string
	TokensUsed     int64
	APICost        float64
	Timestamp      time.Time
}
