package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/db"
	"agentforge/internal/domain"
	"agentforge/internal/migrate"
	"agentforge/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

var roles = []domain.Role{domain.RoleCEO, domain.RoleUser}

func seed(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "p", Name: "p", Kind: "agent-business", Status: "active", CurrentPhase: 1, CreatedAt: ts}))
	require.NoError(t, r.InsertCandidate(ctx, domain.Candidate{
		ID: "c1", ProjectID: "p", Kind: domain.KindStrategy, Name: "momo",
		CurrentStage: "research", Status: domain.StatusDraft, CreatedAt: ts, UpdatedAt: ts,
	}))
	return r, ctx
}

func TestDecisionRequiresPendingRecord(t *testing.T) {
	r, ctx := seed(t)
	var l Ledger

	_, err := l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleCEO, true, "", "alice", ts)
	assert.True(t, errors.Is(err, ErrApprovalNotFound))

	require.NoError(t, l.Upsert(ctx, r.DB, "c1", "backtest", domain.RoleCEO, ts))
	a, err := l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleCEO, true, "ship it", "alice", ts)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, a.Status)

	// already decided
	_, err = l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleCEO, false, "", "alice", ts)
	assert.True(t, errors.Is(err, ErrApprovalNotFound))
}

func TestFullApprovalAndReset(t *testing.T) {
	r, ctx := seed(t)
	var l Ledger
	for _, role := range roles {
		require.NoError(t, l.Upsert(ctx, r.DB, "c1", "backtest", role, ts))
	}
	ok, err := l.IsFullyApproved(ctx, r.DB, "c1", "backtest", roles)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleCEO, true, "", "alice", ts)
	require.NoError(t, err)
	missing, err := l.Missing(ctx, r.DB, "c1", "backtest", roles)
	require.NoError(t, err)
	assert.Equal(t, []domain.Role{domain.RoleUser}, missing)

	_, err = l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleUser, true, "", "bob", ts)
	require.NoError(t, err)
	ok, err = l.IsFullyApproved(ctx, r.DB, "c1", "backtest", roles)
	require.NoError(t, err)
	assert.True(t, ok)

	// resubmission clears prior decisions
	for _, role := range roles {
		require.NoError(t, l.Upsert(ctx, r.DB, "c1", "backtest", role, ts))
	}
	ok, err = l.IsFullyApproved(ctx, r.DB, "c1", "backtest", roles)
	require.NoError(t, err)
	assert.False(t, ok)
	records, err := l.List(ctx, r.DB, "c1", "backtest")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, a := range records {
		assert.Equal(t, domain.ApprovalPending, a.Status)
		assert.Nil(t, a.DecidedAt)
		assert.Empty(t, a.ApproverID)
	}
}

func TestRejectionBlocksFullApproval(t *testing.T) {
	r, ctx := seed(t)
	var l Ledger
	for _, role := range roles {
		require.NoError(t, l.Upsert(ctx, r.DB, "c1", "backtest", role, ts))
	}
	_, err := l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleCEO, false, "too risky", "alice", ts)
	require.NoError(t, err)
	_, err = l.RecordDecision(ctx, r.DB, "c1", "backtest", domain.RoleUser, true, "", "bob", ts)
	require.NoError(t, err)

	ok, err := l.IsFullyApproved(ctx, r.DB, "c1", "backtest", roles)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := l.Pending(ctx, r.DB, "p")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIncompleteErrorMessage(t *testing.T) {
	err := error(IncompleteError{Stage: "paper", Missing: []domain.Role{domain.RoleCEO, domain.RoleUser}})
	assert.Equal(t, "paper requires ceo, user approval before promotion", err.Error())
	assert.True(t, errors.Is(err, ErrApprovalIncomplete))
	var ie IncompleteError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "paper", ie.Stage)
}
