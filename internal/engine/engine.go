package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentforge/internal/approval"
	"agentforge/internal/config"
	"agentforge/internal/domain"
	"agentforge/internal/events"
	"agentforge/internal/metrics"
	"agentforge/internal/notify"
	"agentforge/internal/repo"
	"agentforge/internal/stage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   approval.Ledger
	Events   events.Writer
	Config   *config.Config
	Stages   stage.Set
	Notifier notify.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	stages, err := stage.FromConfig(cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("build lifecycles: %w", err)
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Stages:   stages,
		Notifier: notify.Nop{},
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// notify hands a committed transition to the downstream port. Failures are
// logged and counted; the transition itself is already durable.
func (e Engine) notify(ctx context.Context, evt domain.TransitionEvent) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, evt); err != nil {
		metrics.IncreaseNotificationFailures()
		zap.S().Named("engine").Warnw("downstream notification failed",
			"candidate_id", evt.CandidateID, "reason", evt.Reason, "error", err)
		if auditErr := e.auditNotificationFailure(ctx, evt, err); auditErr != nil {
			zap.S().Named("engine").Errorw("record notification failure", "error", auditErr)
		}
	}
}

func (e Engine) auditNotificationFailure(ctx context.Context, evt domain.TransitionEvent, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{"transition_id": evt.ID, "reason": evt.Reason, "error": cause.Error()}
	if err := e.appendEvent(ctx, tx, events.NotificationFailed, evt.ProjectID, "candidate", evt.CandidateID, evt.ActorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

type ProjectOptions struct {
	ID          string `validate:"required"`
	Name        string
	Description string
	ActorID     string `validate:"required"`
}

// InitProject creates a project at phase 1 and seeds its config.
func (e Engine) InitProject(ctx context.Context, opts ProjectOptions) (domain.Project, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Project{}, err
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	cfg := e.Config
	if cfg == nil || cfg.Project.ID != opts.ID {
		cfg = config.Default(opts.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:           opts.ID,
		Name:         opts.Name,
		Kind:         "agent-business",
		Status:       "active",
		CurrentPhase: 1,
		Description:  opts.Description,
		CreatedAt:    e.ts(),
	}
	r := e.Repo.Tx(tx)
	if err := r.InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	if err := r.UpsertProjectConfig(ctx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ProjectInit, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SetProjectPhase moves the project's current business phase.
func (e Engine) SetProjectPhase(ctx context.Context, projectID string, phase int, actorID string) (domain.Project, error) {
	if phase <= 0 {
		return domain.Project{}, fmt.Errorf("%w: phase must be positive", ErrInvalidInput)
	}
	if e.Config != nil && len(e.Config.Phases) > 0 {
		if _, ok := e.Config.Phase(phase); !ok {
			return domain.Project{}, fmt.Errorf("%w: phase %d is not configured", ErrInvalidInput, phase)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if err := r.SetProjectPhase(ctx, projectID, phase); err != nil {
		return p, err
	}
	if err := e.appendEvent(ctx, tx, events.ProjectPhaseSet, projectID, "project", projectID, actorID, events.EventPayload{"from": p.CurrentPhase, "to": phase}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.CurrentPhase = phase
	return p, nil
}

// ImportConfig replaces a project's stored config.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if _, err := stage.FromConfig(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}
	if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.appendEvent(ctx, tx, events.ConfigImported, projectID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type TeamOptions struct {
	ProjectID string `validate:"required"`
	TeamType  string `validate:"required"`
	Name      string
	ActorID   string `validate:"required"`
}

func (e Engine) CreateTeam(ctx context.Context, opts TeamOptions) (domain.Team, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Team{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()
	t, _, err := e.ensureTeam(ctx, tx, opts)
	if err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// EnsureTeam returns the project's team of the given type, creating it when
// missing. created reports whether a row was inserted.
func (e Engine) EnsureTeam(ctx context.Context, opts TeamOptions) (team domain.Team, created bool, err error) {
	if err := validateOptions(opts); err != nil {
		return domain.Team{}, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, false, err
	}
	defer tx.Rollback()
	t, created, err := e.ensureTeam(ctx, tx, opts)
	if err != nil {
		return t, false, err
	}
	return t, created, tx.Commit()
}

func (e Engine) ensureTeam(ctx context.Context, tx *sql.Tx, opts TeamOptions) (domain.Team, bool, error) {
	r := e.Repo.Tx(tx)
	if _, err := r.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Team{}, false, err
	}
	existing, err := r.GetTeamByType(ctx, opts.ProjectID, opts.TeamType)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Team{}, false, err
	}
	if opts.Name == "" {
		opts.Name = opts.TeamType + " team"
	}
	t := domain.Team{
		ID:        uuid.New().String(),
		ProjectID: opts.ProjectID,
		TeamType:  opts.TeamType,
		Name:      opts.Name,
		CreatedAt: e.ts(),
	}
	if err := r.InsertTeam(ctx, t); err != nil {
		return t, false, err
	}
	if err := e.appendEvent(ctx, tx, events.TeamCreated, t.ProjectID, "team", t.ID, opts.ActorID, events.EventPayload{"team_type": t.TeamType}); err != nil {
		return t, false, err
	}
	return t, true, nil
}

type MemberOptions struct {
	TeamID    string `validate:"required"`
	AgentName string `validate:"required"`
	Role      string `validate:"required"`
	ActorID   string `validate:"required"`
}

func (e Engine) AddTeamMember(ctx context.Context, opts MemberOptions) (domain.TeamMember, error) {
	if err := validateOptions(opts); err != nil {
		return domain.TeamMember{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TeamMember{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	team, err := r.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.TeamMember{}, err
	}
	m := domain.TeamMember{
		ID:        uuid.New().String(),
		TeamID:    team.ID,
		AgentName: opts.AgentName,
		Role:      opts.Role,
		CreatedAt: e.ts(),
	}
	if err := r.InsertTeamMember(ctx, m); err != nil {
		return m, err
	}
	if err := e.appendEvent(ctx, tx, events.TeamMemberAdded, team.ProjectID, "team", team.ID, opts.ActorID, events.EventPayload{"agent": m.AgentName, "role": m.Role}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

type TeamTaskOptions struct {
	TeamID      string `validate:"required"`
	TaskType    string `validate:"required"`
	Title       string `validate:"required"`
	PhaseNumber int    `validate:"gte=0"`
	Input       map[string]any
	TagsJSON    string
	ActorID     string `validate:"required"`
}

// CreateTeamTask inserts a task unless one with the same team, type, title and
// tags exists, in which case the existing task is returned.
func (e Engine) CreateTeamTask(ctx context.Context, opts TeamTaskOptions) (task domain.TeamTask, created bool, err error) {
	if err := validateOptions(opts); err != nil {
		return domain.TeamTask{}, false, err
	}
	if opts.TagsJSON == "" {
		opts.TagsJSON = "{}"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TeamTask{}, false, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	team, err := r.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.TeamTask{}, false, err
	}
	now := e.ts()
	t := domain.TeamTask{
		ID:          uuid.New().String(),
		ProjectID:   team.ProjectID,
		TeamID:      team.ID,
		TaskType:    opts.TaskType,
		Title:       opts.Title,
		PhaseNumber: opts.PhaseNumber,
		Status:      "pending",
		Input:       opts.Input,
		TagsJSON:    opts.TagsJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err = r.InsertTeamTask(ctx, t)
	if err != nil {
		return t, false, err
	}
	if created {
		if err := e.appendEvent(ctx, tx, events.TeamTaskCreated, t.ProjectID, "team_task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "task_type": t.TaskType}); err != nil {
			return t, false, err
		}
	}
	stored, err := r.FindTeamTask(ctx, t.TeamID, t.TaskType, t.Title, t.TagsJSON)
	if err != nil {
		return t, false, err
	}
	return stored, created, tx.Commit()
}
