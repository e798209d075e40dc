package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/approval"
	"agentforge/internal/config"
	"agentforge/internal/db"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng, err := engine.New(conn, config.Default("proj-1"))
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, err = eng.InitProject(ctx, engine.ProjectOptions{ID: "proj-1", Name: "test", ActorID: "tester"})
	require.NoError(t, err, "init project")
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) strategy(t *testing.T) domain.Candidate {
	t.Helper()
	c, err := env.Engine.CreateCandidate(env.Ctx, engine.CandidateOptions{
		ProjectID: "proj-1", Kind: domain.KindStrategy, Name: "momentum", ActorID: "tester",
	})
	require.NoError(t, err)
	return c
}

func (env testEnv) submit(t *testing.T, id, stageName string) domain.Candidate {
	t.Helper()
	c, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: id, Stage: stageName, ActorID: "tester"})
	require.NoError(t, err)
	return c
}

func (env testEnv) decide(t *testing.T, id, stageName string, role domain.Role, approved bool) engine.ApproveResult {
	t.Helper()
	res, err := env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: id, Stage: stageName, Role: role, Approved: approved, ActorID: string(role) + "-1"})
	require.NoError(t, err)
	return res
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, evt domain.TransitionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func TestBacktestApprovalAndPromotion(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{}
	env.Engine.Notifier = notifier
	c := env.strategy(t)
	assert.Equal(t, "research", c.CurrentStage)
	assert.Equal(t, domain.StatusDraft, c.Status)

	sharpe := 1.2
	c, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{
		CandidateID: c.ID, Stage: "backtest", ActorID: "tester",
		Artifact: domain.Artifact{"sharpe": 1.2},
		Metrics:  domain.StageMetrics{Sharpe: &sharpe},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, c.Status)
	approvals, err := env.Engine.Approvals(env.Ctx, c.ID, "backtest")
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	for _, a := range approvals {
		assert.Equal(t, domain.ApprovalPending, a.Status)
	}

	res := env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	assert.False(t, res.AllApproved)

	_, err = env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "backtest", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrSubmissionConflict), "in review: %v", err)

	res = env.decide(t, c.ID, "backtest", domain.RoleUser, true)
	assert.True(t, res.AllApproved)
	assert.Equal(t, domain.StatusApproved, res.Candidate.Status)

	promoted, err := env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "backtest", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "backtest", promoted.Candidate.CurrentStage)
	assert.Equal(t, domain.StatusDraft, promoted.Candidate.Status)
	assert.Equal(t, "research", promoted.Transition.FromStage)
	assert.Equal(t, "backtest", promoted.Transition.ToStage)
	assert.Equal(t, domain.ReasonManualPromote, promoted.Transition.Reason)
	assert.Nil(t, promoted.StrategyID)

	transitions, err := env.Engine.Repo.ListTransitions(env.Ctx, "proj-1", c.ID, 0)
	require.NoError(t, err)
	require.Len(t, transitions, 2)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, domain.ReasonApproved, notifier.events[0].Reason)
	assert.Equal(t, domain.ReasonManualPromote, notifier.events[1].Reason)
}

func TestPromotionRequiresEveryRole(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)
	env.submit(t, c.ID, "backtest")
	env.decide(t, c.ID, "backtest", domain.RoleCEO, true)

	// force the status so only the ledger gate stands between us and promotion
	stored, err := env.Engine.GetCandidate(env.Ctx, c.ID)
	require.NoError(t, err)
	stored.Status = domain.StatusApproved
	require.NoError(t, env.Engine.Repo.UpdateCandidate(env.Ctx, stored))

	_, err = env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "backtest", ActorID: "tester"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, approval.ErrApprovalIncomplete))
	assert.Equal(t, "backtest requires user approval before promotion", err.Error())

	var incomplete approval.IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []domain.Role{domain.RoleUser}, incomplete.Missing)

	after, err := env.Engine.GetCandidate(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "research", after.CurrentStage)
}

func TestPromotionPathIsSingleStep(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)

	_, err := env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "paper", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidPromotionPath), "skip: %v", err)

	_, err = env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "research", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidPromotionPath), "same stage: %v", err)

	_, err = env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "moon", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidInput), "unknown stage: %v", err)
}

func TestSubmitValidatesStage(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)

	_, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: c.ID, Stage: "paper", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidStageTransition))

	_, err = env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: c.ID, Stage: "nope", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidStageTransition))

	env.submit(t, c.ID, "research")
	_, err = env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: c.ID, Stage: "backtest", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrSubmissionConflict))

	_, err = env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: "missing", Stage: "research", ActorID: "tester"})
	assert.Error(t, err)
}

func TestRejectionRequiresResubmission(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)
	env.submit(t, c.ID, "backtest")
	env.decide(t, c.ID, "backtest", domain.RoleUser, true)

	res := env.decide(t, c.ID, "backtest", domain.RoleCEO, false)
	assert.False(t, res.AllApproved)
	assert.Equal(t, domain.StatusRejected, res.Candidate.Status)

	_, err := env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "backtest", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrCandidateRejected))
	_, err = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: c.ID, Stage: "backtest", Role: domain.RoleCEO, Approved: true, ActorID: "ceo-1"})
	assert.True(t, errors.Is(err, engine.ErrCandidateRejected))

	// resubmission clears the earlier user approval
	c = env.submit(t, c.ID, "backtest")
	assert.Equal(t, domain.StatusInReview, c.Status)
	res = env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	assert.False(t, res.AllApproved)
	res = env.decide(t, c.ID, "backtest", domain.RoleUser, true)
	assert.True(t, res.AllApproved)
}

func TestApprovalOnlyForStageUnderReview(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)
	_, err := env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: c.ID, Stage: "backtest", Role: domain.RoleCEO, Approved: true, ActorID: "ceo-1"})
	assert.True(t, errors.Is(err, approval.ErrApprovalNotFound))

	env.submit(t, c.ID, "backtest")
	_, err = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: c.ID, Stage: "backtest", Role: "cto", Approved: true, ActorID: "x"})
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))

	env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	_, err = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: c.ID, Stage: "backtest", Role: domain.RoleCEO, Approved: true, ActorID: "ceo-1"})
	assert.True(t, errors.Is(err, approval.ErrApprovalNotFound), "decided twice: %v", err)
}

func TestDeploymentMaterializesStrategy(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)
	advance := func(target string) engine.PromoteResult {
		env.submit(t, c.ID, target)
		env.decide(t, c.ID, target, domain.RoleCEO, true)
		env.decide(t, c.ID, target, domain.RoleUser, true)
		res, err := env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: target, ActorID: "tester"})
		require.NoError(t, err)
		return res
	}
	res := advance("backtest")
	assert.Nil(t, res.StrategyID)

	res = advance("paper")
	require.NotNil(t, res.StrategyID)
	s, err := env.Engine.Repo.GetStrategy(env.Ctx, *res.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, s.Status)
	assert.Equal(t, "paper", s.Stage)

	advance("staged_live")
	res = advance("full_live")
	assert.Equal(t, domain.StatusDeployed, res.Candidate.Status)
	s, err = env.Engine.Repo.GetStrategy(env.Ctx, *res.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, "full_live", s.Stage)

	strategies, err := env.Engine.Repo.ListStrategies(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, strategies, 1)

	_, err = env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: c.ID, Stage: "full_live", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidStageTransition))
	_, err = env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "full_live", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidPromotionPath))
}

func TestConcurrentApprovalsCompleteOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)
	env.submit(t, c.ID, "backtest")

	var wg sync.WaitGroup
	results := make([]engine.ApproveResult, 2)
	errs := make([]error, 2)
	for i, role := range []domain.Role{domain.RoleCEO, domain.RoleUser} {
		wg.Add(1)
		go func(i int, role domain.Role) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: c.ID, Stage: "backtest", Role: role, Approved: true, ActorID: string(role)})
		}(i, role)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].AllApproved != results[1].AllApproved, "exactly one decision completes the gate")

	stored, err := env.Engine.GetCandidate(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = &recordingNotifier{err: errors.New("downstream offline")}
	c := env.strategy(t)
	env.submit(t, c.ID, "backtest")
	env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	env.decide(t, c.ID, "backtest", domain.RoleUser, true)
	res, err := env.Engine.PromoteCandidate(env.Ctx, engine.PromoteOptions{CandidateID: c.ID, TargetStage: "backtest", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "backtest", res.Candidate.CurrentStage)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, 0, "proj-1", "notification.failed", "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestAdvanceApproved(t *testing.T) {
	env := newTestEnv(t)
	c := env.strategy(t)

	_, ok, err := env.Engine.AdvanceApproved(env.Ctx, c.ID, "worker")
	require.NoError(t, err)
	assert.False(t, ok)

	env.submit(t, c.ID, "backtest")
	env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	env.decide(t, c.ID, "backtest", domain.RoleUser, true)
	res, ok, err := env.Engine.AdvanceApproved(env.Ctx, c.ID, "worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonAutoStageProgression, res.Transition.Reason)
	assert.Equal(t, "backtest", res.Candidate.CurrentStage)

	// re-review of the current stage has nothing to advance to
	env.submit(t, c.ID, "backtest")
	env.decide(t, c.ID, "backtest", domain.RoleCEO, true)
	env.decide(t, c.ID, "backtest", domain.RoleUser, true)
	_, ok, err = env.Engine.AdvanceApproved(env.Ctx, c.ID, "worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTeamsAndTasks(t *testing.T) {
	env := newTestEnv(t)
	team, err := env.Engine.CreateTeam(env.Ctx, engine.TeamOptions{ProjectID: "proj-1", TeamType: "research", ActorID: "tester"})
	require.NoError(t, err)
	again, created, err := env.Engine.EnsureTeam(env.Ctx, engine.TeamOptions{ProjectID: "proj-1", TeamType: "research", ActorID: "tester"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, team.ID, again.ID)

	_, err = env.Engine.AddTeamMember(env.Ctx, engine.MemberOptions{TeamID: team.ID, AgentName: "quant-1", Role: "analyst", ActorID: "tester"})
	require.NoError(t, err)

	task, created, err := env.Engine.CreateTeamTask(env.Ctx, engine.TeamTaskOptions{TeamID: team.ID, TaskType: "market_research", Title: "Scan", PhaseNumber: 1, ActorID: "tester"})
	require.NoError(t, err)
	assert.True(t, created)
	dup, created, err := env.Engine.CreateTeamTask(env.Ctx, engine.TeamTaskOptions{TeamID: team.ID, TaskType: "market_research", Title: "Scan", PhaseNumber: 1, ActorID: "tester"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, task.ID, dup.ID)

	_, err = env.Engine.CreateTeam(env.Ctx, engine.TeamOptions{ProjectID: "proj-1", ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
}

func TestOrdersAndExecutions(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.RecordOrder(env.Ctx, engine.OrderOptions{ProjectID: "proj-1", Symbol: "AAPL", Side: "buy", Quantity: 10, BrokerOrderID: "b-1", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPendingApproval, o.Status)

	x, err := env.Engine.RecordExecution(env.Ctx, engine.ExecutionOptions{ProjectID: "proj-1", OrderID: o.ID, Symbol: "AAPL", Quantity: 10, Price: 190, RealizedPnL: 12.5, ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, x.OrderID)
	assert.Equal(t, o.ID, *x.OrderID)

	_, err = env.Engine.RecordOrder(env.Ctx, engine.OrderOptions{ProjectID: "proj-1", Symbol: "AAPL", Side: "hold", Quantity: 1, ActorID: "tester"})
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
}

func TestSetProjectPhase(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.SetProjectPhase(env.Ctx, "proj-1", 3, "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, p.CurrentPhase)
	_, err = env.Engine.SetProjectPhase(env.Ctx, "proj-1", 42, "tester")
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
}
