// Package app wires settings, storage and collaborators into engines and job
// runners for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"agentforge/internal/broker"
	"agentforge/internal/config"
	"agentforge/internal/content"
	"agentforge/internal/engine"
	"agentforge/internal/jobs"
	"agentforge/internal/notify"
	"agentforge/internal/reconcile"
	"agentforge/internal/repo"
)

// AlpacaProvider is the broker provider name the Alpaca client registers under.
const AlpacaProvider = "alpaca"

// Runtime holds the process-wide collaborators. Engines are built per project
// because lifecycles and webhooks come from the project's stored config.
type Runtime struct {
	DB       *sql.DB
	Settings config.Settings
	Content  content.Generator
	Brokers  reconcile.Registry
}

// NewRuntime builds the external clients the settings allow. A missing Gemini
// key leaves Content nil so generated tasks fall back to placeholders.
func NewRuntime(ctx context.Context, db *sql.DB, settings config.Settings) (Runtime, error) {
	rt := Runtime{DB: db, Settings: settings, Brokers: reconcile.Registry{}}
	if strings.TrimSpace(settings.BrokerBaseURL) != "" {
		rt.Brokers[AlpacaProvider] = broker.NewClient(settings.BrokerBaseURL, settings.BrokerKeyID, settings.BrokerSecretKey)
	}
	if settings.GeminiAPIKey != "" {
		gen, err := content.NewGemini(ctx, settings.GeminiAPIKey, settings.GeminiModel, "")
		if err != nil {
			return rt, err
		}
		rt.Content = gen
	}
	return rt, nil
}

// Close releases clients that hold connections.
func (rt Runtime) Close() error {
	if g, ok := rt.Content.(*content.Gemini); ok {
		return g.Close()
	}
	return nil
}

// Engine returns an engine configured from the project's stored config, or
// the default config when the project has none yet.
func (rt Runtime) Engine(ctx context.Context, projectID string) (engine.Engine, error) {
	r := repo.Repo{DB: rt.DB}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg, err = config.Default(projectID), nil
	}
	if err != nil {
		return engine.Engine{}, fmt.Errorf("load config for %s: %w", projectID, err)
	}
	eng, err := engine.New(rt.DB, cfg)
	if err != nil {
		return eng, err
	}
	if len(cfg.Webhooks) > 0 {
		eng.Notifier = notify.NewWebhook(projectID, cfg.Webhooks)
	}
	return eng, nil
}

// Runner returns a job runner for the engine's project. The shared Gemini
// client is copied so the project's model and system prompt apply only here.
func (rt Runtime) Runner(eng engine.Engine) jobs.Runner {
	gen := rt.Content
	if g, ok := gen.(*content.Gemini); ok && eng.Config != nil {
		scoped := *g
		if eng.Config.Content.Model != "" {
			scoped.Model = eng.Config.Content.Model
		}
		if eng.Config.Content.SystemPrompt != "" {
			scoped.SystemPrompt = eng.Config.Content.SystemPrompt
		}
		gen = &scoped
	}
	return jobs.Runner{Engine: eng, Content: gen, Brokers: rt.Brokers}
}

// ResolveProject picks the project to act on: the override when given, else
// the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			return "", err
		}
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		zap.S().Named("app").Debugw("no single project", "error", err)
		return "", fmt.Errorf("project not specified; use --project")
	}
	return p.ID, nil
}
