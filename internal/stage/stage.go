// Package stage holds the ordered lifecycles candidates move through.
package stage

import (
	"errors"
	"fmt"
	"sort"

	"agentforge/internal/config"
	"agentforge/internal/domain"
)

var (
	ErrInvalidStage = errors.New("invalid stage")
	ErrInvalidRole  = errors.New("invalid approver role")
	ErrUnknownKind  = errors.New("unknown lifecycle kind")
)

// Graph is a linear lifecycle. Only single-step forward moves are legal.
type Graph struct {
	Name          string
	Stages        []string
	DeployFrom    string
	RequiredRoles []domain.Role
	ArtifactKeys  map[string][]string
}

func (g Graph) Index(stage string) (int, error) {
	for i, s := range g.Stages {
		if s == stage {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q is not a %s stage", ErrInvalidStage, stage, g.Name)
}

// Next returns the successor of stage; ok is false when stage is terminal.
func (g Graph) Next(stage string) (next string, ok bool, err error) {
	i, err := g.Index(stage)
	if err != nil {
		return "", false, err
	}
	if i == len(g.Stages)-1 {
		return "", false, nil
	}
	return g.Stages[i+1], true, nil
}

func (g Graph) First() string {
	if len(g.Stages) == 0 {
		return ""
	}
	return g.Stages[0]
}

func (g Graph) IsTerminal(stage string) bool {
	return len(g.Stages) > 0 && g.Stages[len(g.Stages)-1] == stage
}

// RequiresDeployment reports whether reaching stage materializes a live object.
func (g Graph) RequiresDeployment(stage string) bool {
	if g.DeployFrom == "" {
		return false
	}
	from, err := g.Index(g.DeployFrom)
	if err != nil {
		return false
	}
	i, err := g.Index(stage)
	if err != nil {
		return false
	}
	return i >= from
}

// MissingArtifactKeys lists documented keys for stage absent from artifact.
func (g Graph) MissingArtifactKeys(stage string, artifact domain.Artifact) []string {
	var missing []string
	for _, k := range g.ArtifactKeys[stage] {
		if _, ok := artifact[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (g Graph) Validate() error {
	if len(g.Stages) < 2 {
		return fmt.Errorf("%w: lifecycle %s needs at least two stages", ErrInvalidStage, g.Name)
	}
	seen := map[string]bool{}
	for _, s := range g.Stages {
		if s == "" || seen[s] {
			return fmt.Errorf("%w: lifecycle %s has empty or repeated stage %q", ErrInvalidStage, g.Name, s)
		}
		seen[s] = true
	}
	if g.DeployFrom != "" && !seen[g.DeployFrom] {
		return fmt.Errorf("%w: deploy_from %q", ErrInvalidStage, g.DeployFrom)
	}
	if len(g.RequiredRoles) == 0 {
		return fmt.Errorf("%w: lifecycle %s has no approvers", ErrInvalidRole, g.Name)
	}
	return nil
}

func ParseRole(s string) (domain.Role, error) {
	switch domain.Role(s) {
	case domain.RoleCEO, domain.RoleUser:
		return domain.Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

var defaultRoles = []domain.Role{domain.RoleCEO, domain.RoleUser}

// Strategy is the trading strategy lifecycle.
func Strategy() Graph {
	return Graph{
		Name:          string(domain.KindStrategy),
		Stages:        []string{"research", "backtest", "paper", "staged_live", "full_live"},
		DeployFrom:    "paper",
		RequiredRoles: defaultRoles,
		ArtifactKeys: map[string][]string{
			"backtest": {"sharpe", "max_drawdown", "total_return"},
			"paper":    {"trades", "pnl"},
		},
	}
}

// Deliverable is the six-phase business creation lifecycle.
func Deliverable() Graph {
	return Graph{
		Name:          string(domain.KindDeliverable),
		Stages:        []string{"phase_1", "phase_2", "phase_3", "phase_4", "phase_5", "phase_6"},
		RequiredRoles: defaultRoles,
	}
}

// Set maps candidate kinds to their lifecycle.
type Set map[domain.Kind]Graph

func Defaults() Set {
	return Set{
		domain.KindStrategy:    Strategy(),
		domain.KindDeliverable: Deliverable(),
	}
}

func (s Set) For(kind domain.Kind) (Graph, error) {
	g, ok := s[kind]
	if !ok {
		return Graph{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return g, nil
}

func (s Set) Kinds() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// FromConfig builds the lifecycle set from project config, falling back to the
// built-in graphs for kinds the config does not mention.
func FromConfig(cfg *config.Config) (Set, error) {
	set := Defaults()
	if cfg == nil {
		return set, nil
	}
	for name, lc := range cfg.Lifecycles {
		g := Graph{
			Name:         name,
			Stages:       append([]string(nil), lc.Stages...),
			DeployFrom:   lc.DeployFrom,
			ArtifactKeys: lc.Artifacts,
		}
		for _, r := range lc.Approvers {
			role, err := ParseRole(r)
			if err != nil {
				return nil, fmt.Errorf("lifecycle %s: %w", name, err)
			}
			g.RequiredRoles = append(g.RequiredRoles, role)
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		set[domain.Kind(name)] = g
	}
	return set, nil
}
