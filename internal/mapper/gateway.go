package mapper

import (
	"context"

	"github.com/formscout/controlplane/internal/aibroker"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/taskbus"
)

// AIGateway is the subset of the AI Broker's operations the orchestrator
// calls directly (C5 invokes C2 in-process, unlike the agent-side
// crawler which reaches these over HTTP).
type AIGateway interface {
	GenerateLoginSteps(ctx context.Context, dom, credentials, hints string, screenshot []byte) (domain.StepsResult, error)
	GenerateFormSteps(ctx context.Context, dom string, screenshot []byte, testCases []string) (domain.StepsResult, error)
	RegenerateSteps(ctx context.Context, dom string, screenshot []byte, executed []domain.Step, testCases []string, criticalFields []string) (domain.StepsResult, error)
	RegenerateVerifySteps(ctx context.Context, dom string, screenshot []byte, expectedValues map[string]string) (domain.StepsResult, error)
	AnalyzeError(ctx context.Context, errorInfo string, executed []domain.Step, dom string, screenshot []byte) (domain.ErrorAnalysis, error)
	AnalyzeValidationErrors(ctx context.Context, executed []domain.Step, dom string, screenshot []byte) (domain.ErrorAnalysis, error)
	AnalyzeFailureAndRecover(ctx context.Context, failedStep domain.Step, executed []domain.Step, dom string, screenshot []byte) ([]domain.Step, error)
	VerifyJunction(ctx context.Context, beforeShot, afterShot []byte, step domain.Step) (domain.JunctionVerdict, error)
	VerifyUIDefects(ctx context.Context, formName string, screenshot []byte) (string, error)
}

// Dispatcher is the seam to the Task Bus (C3): the orchestrator never
// talks to an agent directly, it enqueues a task and waits for
// ReportFormMapperResult to drive the next Advance call.
type Dispatcher interface {
	Enqueue(ctx context.Context, t domain.AgentTask) error
}

var (
	_ AIGateway  = (*aibroker.Broker)(nil)
	_ Dispatcher = (*taskbus.Service)(nil)
)
