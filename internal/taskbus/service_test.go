package taskbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s, "test-signing-key", "legacy-bearer-token")
}

func TestRegister_IssuesAPIKeyAndJWT(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Register(context.Background(), "legacy-bearer-token", RegisterRequest{
		AgentID: "a1", CompanyID: "c1", UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.APIKey)
	require.NotEmpty(t, res.JWT)
}

func TestRegister_RejectsBadLegacyBearer(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Register(context.Background(), "wrong-token", RegisterRequest{AgentID: "a1", CompanyID: "c1", UserID: "u1"})
	require.Error(t, err)
}

func TestSessionTakeover_InvalidatesPriorKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	res1, err := svc.Register(ctx, "legacy-bearer-token", RegisterRequest{AgentID: "a1", CompanyID: "c1", UserID: "u1"})
	require.NoError(t, err)

	res2, err := svc.Register(ctx, "legacy-bearer-token", RegisterRequest{AgentID: "a2", CompanyID: "c1", UserID: "u1"})
	require.NoError(t, err)
	require.NotEqual(t, res1.APIKey, res2.APIKey)

	err = svc.Authenticate(ctx, "u1", res1.APIKey, res1.JWT)
	require.ErrorIs(t, err, ErrSessionInvalidated)

	err = svc.Authenticate(ctx, "u1", res2.APIKey, res2.JWT)
	require.NoError(t, err)
}

func TestHeartbeat_IdempotentAndReportsCancelFlag(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "legacy-bearer-token", RegisterRequest{AgentID: "a1", CompanyID: "c1", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.store.CreateCrawlSession(ctx, domain.CrawlSession{
		ID: "s1", CompanyID: "c1", ProductID: "p1", ProjectID: "proj1", NetworkID: "n1",
		UserID: "u1", Status: domain.CrawlRunning, StartedAt: time.Now(),
	}))

	cancelled, err := svc.Heartbeat(ctx, HeartbeatRequest{AgentID: "a1", UserID: "u1", Status: domain.AgentBusy, CurrentCrawlSessionID: "s1"})
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, svc.store.RequestCancel(ctx, "s1"))

	cancelled, err = svc.Heartbeat(ctx, HeartbeatRequest{AgentID: "a1", UserID: "u1", Status: domain.AgentBusy, CurrentCrawlSessionID: "s1"})
	require.NoError(t, err)
	require.True(t, cancelled)

	// second heartbeat after cancel observed is still fine (idempotent).
	cancelled, err = svc.Heartbeat(ctx, HeartbeatRequest{AgentID: "a1", UserID: "u1", Status: domain.AgentBusy, CurrentCrawlSessionID: "s1"})
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestPollTask_EmptyQueueTimesOutWithoutConsuming(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	svc.queues = NewQueues() // shrink LongPollTimeout indirectly isn't possible; use short ctx instead
	_, ok := svc.queues.Pop(ctx, "u1")
	require.False(t, ok)
}

func TestPollTask_DeliversEnqueuedTask(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Enqueue(ctx, domain.AgentTask{TaskID: "t1", CompanyID: "c1", UserID: "u1", TaskType: domain.TaskDiscoverFormPages}))

	task, ok := svc.PollTask(ctx, "u1")
	require.True(t, ok)
	require.Equal(t, "t1", task.TaskID)
}

func TestReportTaskStatus_RejectsIllegalTransition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Enqueue(ctx, domain.AgentTask{TaskID: "t1", CompanyID: "c1", UserID: "u1", TaskType: domain.TaskDiscoverFormPages}))
	require.NoError(t, svc.ReportTaskStatus(ctx, "t1", domain.TaskRunning, nil, ""))
	require.NoError(t, svc.ReportTaskStatus(ctx, "t1", domain.TaskCompleted, []byte(`{}`), ""))
	err := svc.ReportTaskStatus(ctx, "t1", domain.TaskRunning, nil, "")
	require.Error(t, err)
}

func TestJWT_RoundTripAndExpiry(t *testing.T) {
	tok, err := IssueJWT("key", Claims{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	claims, err := VerifyJWT("key", tok)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)

	expired, err := IssueJWT("key", Claims{UserID: "u1"}, -time.Hour)
	require.NoError(t, err)
	_, err = VerifyJWT("key", expired)
	require.ErrorIs(t, err, ErrTokenExpired)

	_, err = VerifyJWT("wrong-key", tok)
	require.ErrorIs(t, err, ErrTokenInvalid)
}
