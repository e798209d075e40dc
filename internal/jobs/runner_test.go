package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/broker"
	"agentforge/internal/config"
	"agentforge/internal/content"
	"agentforge/internal/db"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/jobs"
	"agentforge/internal/migrate"
	"agentforge/internal/reconcile"
)

type fakeGenerator struct{ calls int }

func (f *fakeGenerator) Generate(_ context.Context, req content.Request) (map[string]any, error) {
	f.calls++
	return map[string]any{"summary": "done: " + req.Title}, nil
}

type fakeBroker struct{ orders []broker.Order }

func (f fakeBroker) GetOrders(context.Context, string, int) ([]broker.Order, error) {
	return f.orders, nil
}

type testEnv struct {
	Engine engine.Engine
	Runner jobs.Runner
	Gen    *fakeGenerator
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("proj-1")
	if mutate != nil {
		mutate(cfg)
	}
	eng, err := engine.New(conn, cfg)
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, err = eng.InitProject(ctx, engine.ProjectOptions{ID: "proj-1", ActorID: "tester"})
	require.NoError(t, err)
	gen := &fakeGenerator{}
	return testEnv{
		Engine: eng,
		Runner: jobs.Runner{Engine: eng, Content: gen, Brokers: reconcile.Registry{"alpaca": fakeBroker{orders: []broker.Order{{ID: "b-1", Status: "filled"}}}}},
		Gen:    gen,
		Ctx:    ctx,
	}
}

func only(jt domain.JobType) jobs.Options {
	return jobs.Options{JobTypes: []domain.JobType{jt}}
}

func TestPhaseTaskGenerationIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	phase := 1
	opts := jobs.Options{PhaseNumber: &phase, JobTypes: []domain.JobType{domain.JobPhaseTaskGeneration}}

	first, err := env.Runner.Run(env.Ctx, "proj-1", opts)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, domain.JobCompleted, first[0].Status, first[0].Error)
	tasks, err := env.Engine.Repo.ListTeamTasks(env.Ctx, "proj-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	for _, task := range tasks {
		assert.Equal(t, "completed", task.Status)
		assert.NotEmpty(t, task.Output["summary"])
		assert.Contains(t, task.Output, "snapshot")
		assert.Contains(t, task.Output, "team_size")
	}
	calls := env.Gen.calls

	second, err := env.Runner.Run(env.Ctx, "proj-1", opts)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, second[0].Status)
	assert.Equal(t, 0, second[0].Details["tasks_created"])
	again, err := env.Engine.Repo.ListTeamTasks(env.Ctx, "proj-1", 1)
	require.NoError(t, err)
	assert.Len(t, again, len(tasks))
	assert.Equal(t, calls, env.Gen.calls, "completed tasks are not regenerated")

	teams, err := env.Engine.Repo.ListTeams(env.Ctx, "proj-1")
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, team := range teams {
		assert.False(t, seen[team.TeamType], "duplicate team %s", team.TeamType)
		seen[team.TeamType] = true
	}
}

func TestContentDisabledUsesPlaceholder(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Content.Enabled = false })
	_, err := env.Runner.Run(env.Ctx, "proj-1", only(domain.JobPhaseTaskGeneration))
	require.NoError(t, err)
	assert.Equal(t, 0, env.Gen.calls)
	tasks, err := env.Engine.Repo.ListTeamTasks(env.Ctx, "proj-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	assert.Equal(t, false, tasks[0].Output["generated"])
}

func TestFailingJobDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	phase := 99
	summaries, err := env.Runner.Run(env.Ctx, "proj-1", jobs.Options{PhaseNumber: &phase})
	require.NoError(t, err)
	require.Len(t, summaries, len(domain.AllJobTypes))
	assert.Equal(t, domain.JobPhaseTaskGeneration, summaries[0].JobType)
	assert.Equal(t, domain.JobFailed, summaries[0].Status)
	assert.Contains(t, summaries[0].Error, "phase 99")
	for _, s := range summaries[1:] {
		assert.Equal(t, domain.JobCompleted, s.Status, "%s: %s", s.JobType, s.Error)
	}

	runs, err := env.Engine.Repo.ListJobRuns(env.Ctx, "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, runs, len(domain.AllJobTypes))
	for _, run := range runs {
		assert.NotEqual(t, domain.JobRunning, run.Status)
		assert.NotNil(t, run.CompletedAt)
	}
}

func TestStageProgressionPromotesApproved(t *testing.T) {
	env := newTestEnv(t, nil)
	ready, err := env.Engine.CreateCandidate(env.Ctx, engine.CandidateOptions{ProjectID: "proj-1", Kind: domain.KindStrategy, Name: "ready", ActorID: "tester"})
	require.NoError(t, err)
	waiting, err := env.Engine.CreateCandidate(env.Ctx, engine.CandidateOptions{ProjectID: "proj-1", Kind: domain.KindDeliverable, Name: "brand book", ActorID: "tester"})
	require.NoError(t, err)

	for _, id := range []string{ready.ID, waiting.ID} {
		c, err := env.Engine.GetCandidate(env.Ctx, id)
		require.NoError(t, err)
		graph, err := env.Engine.Stages.For(c.Kind)
		require.NoError(t, err)
		next, _, err := graph.Next(c.CurrentStage)
		require.NoError(t, err)
		_, err = env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{CandidateID: id, Stage: next, ActorID: "tester"})
		require.NoError(t, err)
		_, err = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: id, Stage: next, Role: domain.RoleCEO, Approved: true, ActorID: "ceo"})
		require.NoError(t, err)
	}
	_, err = env.Engine.ApproveStage(env.Ctx, engine.ApproveOptions{CandidateID: ready.ID, Stage: "backtest", Role: domain.RoleUser, Approved: true, ActorID: "user"})
	require.NoError(t, err)

	summaries, err := env.Runner.Run(env.Ctx, "proj-1", only(domain.JobStageProgression))
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, summaries[0].Status, summaries[0].Error)
	assert.Equal(t, []string{ready.ID}, summaries[0].Details["promoted"])

	got, err := env.Engine.GetCandidate(env.Ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, "backtest", got.CurrentStage)
	transitions, err := env.Engine.Repo.ListTransitions(env.Ctx, "proj-1", ready.ID, 0)
	require.NoError(t, err)
	var reasons []domain.TransitionReason
	for _, tr := range transitions {
		reasons = append(reasons, tr.Reason)
	}
	assert.Contains(t, reasons, domain.ReasonAutoStageProgression)

	other, err := env.Engine.GetCandidate(env.Ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, "phase_1", other.CurrentStage)
}

func TestTeamPerformanceSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	team, err := env.Engine.CreateTeam(env.Ctx, engine.TeamOptions{ProjectID: "proj-1", TeamType: "quant", ActorID: "tester"})
	require.NoError(t, err)
	c, err := env.Engine.CreateCandidate(env.Ctx, engine.CandidateOptions{ProjectID: "proj-1", Kind: domain.KindStrategy, Name: "mr", TeamID: team.ID, ActorID: "tester"})
	require.NoError(t, err)
	s, err := env.Engine.Repo.UpsertStrategy(env.Ctx, domain.Strategy{
		ID: "s-1", ProjectID: "proj-1", CandidateID: c.ID, TeamID: &team.ID, Name: "mr", Stage: "paper",
		Status: domain.StrategyActive, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	for _, pnl := range []float64{10, -4, 6} {
		_, err := env.Engine.RecordExecution(env.Ctx, engine.ExecutionOptions{ProjectID: "proj-1", StrategyID: s.ID, Symbol: "SPY", Quantity: 1, Price: 500, RealizedPnL: pnl, ActorID: "tester"})
		require.NoError(t, err)
	}

	summaries, err := env.Runner.Run(env.Ctx, "proj-1", only(domain.JobTeamPerformanceSnapshot))
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, summaries[0].Status, summaries[0].Error)

	snaps, err := env.Engine.Repo.ListSnapshots(env.Ctx, "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Trades)
	assert.Equal(t, 2, snaps[0].Wins)
	assert.InDelta(t, 12.0, snaps[0].PnL, 1e-9)
	assert.InDelta(t, 2.0/3.0, snaps[0].WinRate, 1e-9)
}

func TestReconciliationJob(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Broker.Provider = "alpaca" })
	_, err := env.Engine.RecordOrder(env.Ctx, engine.OrderOptions{ProjectID: "proj-1", Symbol: "AAPL", Side: "buy", Quantity: 1, Status: domain.OrderExecuted, BrokerOrderID: "b-1", ActorID: "tester"})
	require.NoError(t, err)

	summaries, err := env.Runner.Run(env.Ctx, "proj-1", only(domain.JobReconciliation))
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, summaries[0].Status, summaries[0].Error)
	assert.Equal(t, 1, summaries[0].Details["matched"])
	assert.Equal(t, false, summaries[0].Details["skipped"])
}

func TestRunValidatesInput(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Runner.Run(env.Ctx, "nope", jobs.Options{})
	assert.Error(t, err)

	_, err = jobs.ParseJobTypes([]string{"reconciliation", "laundry"})
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
	all, err := jobs.ParseJobTypes(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AllJobTypes, all)
}

func TestLoopStopsWithContext(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Runner.Loop(ctx, "proj-1", time.Hour, only(domain.JobStageProgression)) }()

	require.Eventually(t, func() bool {
		runs, err := env.Engine.Repo.ListJobRuns(env.Ctx, "proj-1", 0)
		return err == nil && len(runs) == 1 && runs[0].Status == domain.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}
