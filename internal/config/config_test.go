package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, []string{"research", "backtest", "paper", "staged_live", "full_live"}, cfg.Lifecycles["strategy"].Stages)
	assert.Equal(t, "paper", cfg.Lifecycles["strategy"].DeployFrom)
	assert.Len(t, cfg.Lifecycles["deliverable"].Stages, 6)

	p, ok := cfg.Phase(1)
	require.True(t, ok)
	assert.Equal(t, "research", p.Name)
	assert.NotEmpty(t, p.Tasks)
	_, ok = cfg.Phase(42)
	assert.False(t, ok)
}

func TestValidateRejectsBrokenLifecycles(t *testing.T) {
	cases := map[string]string{
		"unknown deploy stage": `project: {id: p, kind: agent-business}
lifecycles:
  strategy: {stages: [a, b], deploy_from: c, approvers: [ceo]}
`,
		"repeated stage": `project: {id: p, kind: agent-business}
lifecycles:
  strategy: {stages: [a, a], approvers: [ceo]}
`,
		"no approvers": `project: {id: p, kind: agent-business}
lifecycles:
  strategy: {stages: [a, b]}
`,
		"bad phase template": `project: {id: p, kind: agent-business}
lifecycles:
  strategy: {stages: [a, b], approvers: [ceo]}
phases:
  - {number: 1, name: x, tasks: [{team: t, type: ""}]}
`,
		"wrong kind": `project: {id: p, kind: software-project}
lifecycles:
  strategy: {stages: [a, b], approvers: [ceo]}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	t.Setenv("FORGE_JWT_SECRET", "s3cret")
	s := LoadSettings(NewViper())
	assert.Equal(t, "s3cret", s.JWTSecret)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 5*time.Minute, s.WorkerInterval)
}

func TestExportedConfigImportsBack(t *testing.T) {
	data, err := Default("acme").YAML()
	require.NoError(t, err)
	cfg, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, Default("acme").Phases, cfg.Phases)

	generated, err := FromYAML([]byte(GenerateDefault("acme")))
	require.NoError(t, err)
	assert.Equal(t, "acme", generated.Project.ID)
	assert.Equal(t, "agentforge.yml", filepath.Base(Path("")))
}
