package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/config"
	"agentforge/internal/content"
	"agentforge/internal/db"
	"agentforge/internal/engine"
	"agentforge/internal/migrate"
	"agentforge/internal/notify"
	"agentforge/internal/repo"
)

func newRuntime(t *testing.T, settings config.Settings) Runtime {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	rt, err := NewRuntime(context.Background(), conn, settings)
	require.NoError(t, err)
	return rt
}

func TestNewRuntimeWiresConfiguredClients(t *testing.T) {
	rt := newRuntime(t, config.Settings{})
	assert.Nil(t, rt.Content)
	assert.Empty(t, rt.Brokers)

	rt = newRuntime(t, config.Settings{BrokerBaseURL: "https://paper.example", BrokerKeyID: "k", BrokerSecretKey: "s"})
	assert.Contains(t, rt.Brokers, AlpacaProvider)
}

func TestEngineUsesStoredConfig(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, config.Settings{})

	e, err := rt.Engine(ctx, "acme")
	require.NoError(t, err)
	assert.IsType(t, notify.Nop{}, e.Notifier)
	_, err = e.InitProject(ctx, engine.ProjectOptions{ID: "acme", ActorID: "tester"})
	require.NoError(t, err)

	cfg := config.Default("acme")
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}
	require.NoError(t, e.ImportConfig(ctx, "acme", cfg, "tester"))

	e, err = rt.Engine(ctx, "acme")
	require.NoError(t, err)
	assert.IsType(t, &notify.Webhook{}, e.Notifier)
}

func TestRunnerScopesGeminiToProject(t *testing.T) {
	rt := newRuntime(t, config.Settings{})
	shared := &content.Gemini{Model: "base-model"}
	rt.Content = shared

	cfg := config.Default("acme")
	cfg.Content.Model = "project-model"
	cfg.Content.SystemPrompt = "be brief"
	e, err := engine.New(rt.DB, cfg)
	require.NoError(t, err)

	r := rt.Runner(e)
	scoped, ok := r.Content.(*content.Gemini)
	require.True(t, ok)
	assert.Equal(t, "project-model", scoped.Model)
	assert.Equal(t, "be brief", scoped.SystemPrompt)
	assert.Equal(t, "base-model", shared.Model)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, config.Settings{})
	r := repo.Repo{DB: rt.DB}

	_, err := ResolveProject(ctx, r, "")
	assert.Error(t, err)

	e, err := rt.Engine(ctx, "acme")
	require.NoError(t, err)
	_, err = e.InitProject(ctx, engine.ProjectOptions{ID: "acme", ActorID: "tester"})
	require.NoError(t, err)

	id, err := ResolveProject(ctx, r, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", id)

	_, err = ResolveProject(ctx, r, "other")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
