package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/broker"
	"agentforge/internal/config"
	"agentforge/internal/db"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/migrate"
	"agentforge/internal/reconcile"
)

type fakeBroker struct {
	orders []broker.Order
	err    error
	calls  int
}

func (f *fakeBroker) GetOrders(context.Context, string, int) ([]broker.Order, error) {
	f.calls++
	return f.orders, f.err
}

func setup(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(conn, config.Default("proj-1"))
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, err = eng.InitProject(ctx, engine.ProjectOptions{ID: "proj-1", ActorID: "tester"})
	require.NoError(t, err)
	return eng, ctx
}

func record(t *testing.T, eng engine.Engine, ctx context.Context, status domain.OrderStatus, brokerID string) domain.Order {
	t.Helper()
	o, err := eng.RecordOrder(ctx, engine.OrderOptions{ProjectID: "proj-1", Symbol: "AAPL", Side: "buy", Quantity: 1, Status: status, BrokerOrderID: brokerID, ActorID: "tester"})
	require.NoError(t, err)
	return o
}

func checker(eng engine.Engine, client reconcile.BrokerClient) reconcile.Checker {
	return reconcile.Checker{
		DB:       eng.DB,
		Repo:     eng.Repo,
		Brokers:  reconcile.Registry{"alpaca": client},
		Provider: "alpaca",
	}
}

func TestClassification(t *testing.T) {
	eng, ctx := setup(t)
	matched := record(t, eng, ctx, domain.OrderExecuted, "b-1")
	mismatched := record(t, eng, ctx, domain.OrderExecuted, "b-2")
	gone := record(t, eng, ctx, domain.OrderApproved, "b-404")
	noID := record(t, eng, ctx, domain.OrderApproved, "")
	record(t, eng, ctx, domain.OrderPendingApproval, "")

	fake := &fakeBroker{orders: []broker.Order{
		{ID: "b-1", Status: "filled"},
		{ID: "b-2", Status: "canceled"},
	}}
	res, err := checker(eng, fake).Run(ctx, "proj-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 2, res.Mismatched)
	assert.Equal(t, 1, res.Missing)

	want := map[string]domain.Classification{
		matched.ID:    domain.ClassMatched,
		mismatched.ID: domain.ClassMismatched,
		gone.ID:       domain.ClassMismatched,
		noID.ID:       domain.ClassMissingBrokerOrder,
	}
	for id, class := range want {
		o, err := eng.Repo.GetOrder(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, o.ReconciliationStatus, id)
		assert.Equal(t, string(class), *o.ReconciliationStatus, id)
	}

	evts, err := eng.Repo.ListReconciliationEvents(ctx, "proj-1", 0)
	require.NoError(t, err)
	assert.Len(t, evts, 3, "matched orders do not produce events")
	for _, e := range evts {
		assert.Equal(t, "run-1", e.JobRunID)
		assert.NotEqual(t, domain.ClassMatched, e.Classification)
	}
}

func TestFetchFailureDegradesPerOrder(t *testing.T) {
	eng, ctx := setup(t)
	record(t, eng, ctx, domain.OrderExecuted, "b-1")
	record(t, eng, ctx, domain.OrderApproved, "")

	fake := &fakeBroker{err: errors.New("connection refused")}
	res, err := checker(eng, fake).Run(ctx, "proj-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Contains(t, res.FetchError, "connection refused")

	evts, err := eng.Repo.ListReconciliationEvents(ctx, "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	for _, e := range evts {
		assert.Equal(t, domain.ClassError, e.Classification)
	}
}

func TestSkippedWithoutProvider(t *testing.T) {
	eng, ctx := setup(t)
	record(t, eng, ctx, domain.OrderExecuted, "b-1")

	fake := &fakeBroker{}
	c := checker(eng, fake)
	c.Provider = ""
	res, err := c.Run(ctx, "proj-1", "run-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	c.Provider = "ibkr"
	res, err = c.Run(ctx, "proj-1", "run-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, fake.calls)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"filled":           domain.OrderExecuted,
		"CANCELED":         domain.OrderCancelled,
		"expired":          domain.OrderCancelled,
		"rejected":         domain.OrderFailed,
		"partially_filled": domain.OrderApproved,
		"new":              domain.OrderApproved,
		"weird":            domain.OrderUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, reconcile.NormalizeStatus(in), in)
	}
}
