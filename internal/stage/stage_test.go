package stage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/config"
	"agentforge/internal/domain"
)

func TestStrategyGraphOrder(t *testing.T) {
	g := Strategy()
	require.NoError(t, g.Validate())

	idx, err := g.Index("paper")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	next, ok, err := g.Next("research")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "backtest", next)

	_, ok, err = g.Next("full_live")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, g.IsTerminal("full_live"))
	assert.Equal(t, "research", g.First())

	_, err = g.Index("moon")
	assert.True(t, errors.Is(err, ErrInvalidStage))
	_, _, err = g.Next("moon")
	assert.True(t, errors.Is(err, ErrInvalidStage))
}

func TestRequiresDeployment(t *testing.T) {
	g := Strategy()
	assert.False(t, g.RequiresDeployment("research"))
	assert.False(t, g.RequiresDeployment("backtest"))
	assert.True(t, g.RequiresDeployment("paper"))
	assert.True(t, g.RequiresDeployment("full_live"))
	assert.False(t, Deliverable().RequiresDeployment("phase_6"))
}

func TestMissingArtifactKeys(t *testing.T) {
	g := Strategy()
	missing := g.MissingArtifactKeys("backtest", domain.Artifact{"sharpe": 1.2})
	assert.Equal(t, []string{"max_drawdown", "total_return"}, missing)
	assert.Empty(t, g.MissingArtifactKeys("research", domain.Artifact{}))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("ceo")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCEO, r)
	_, err = ParseRole("intern")
	assert.True(t, errors.Is(err, ErrInvalidRole))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default("p")
	cfg.Lifecycles["deliverable"] = config.Lifecycle{
		Stages:    []string{"draft", "final"},
		Approvers: []string{"ceo"},
	}
	set, err := FromConfig(cfg)
	require.NoError(t, err)

	g, err := set.For(domain.KindDeliverable)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "final"}, g.Stages)
	assert.Equal(t, []domain.Role{domain.RoleCEO}, g.RequiredRoles)

	_, err = set.For("unknown")
	assert.True(t, errors.Is(err, ErrUnknownKind))

	cfg.Lifecycles["strategy"] = config.Lifecycle{Stages: []string{"a", "b"}, Approvers: []string{"board"}}
	_, err = FromConfig(cfg)
	assert.True(t, errors.Is(err, ErrInvalidRole))
}
