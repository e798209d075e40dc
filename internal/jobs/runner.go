// Package jobs runs the idempotent background jobs for a project.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"agentforge/internal/config"
	"agentforge/internal/content"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/events"
	"agentforge/internal/metrics"
	"agentforge/internal/reconcile"
	"agentforge/internal/repo"
)

const systemActor = "system"

type Options struct {
	PhaseNumber *int
	JobTypes    []domain.JobType
	ActorID     string
}

// Summary is the outcome of one job in a batch.
type Summary struct {
	JobRunID string           `json:"job_run_id"`
	JobType  domain.JobType   `json:"job_type"`
	Status   domain.JobStatus `json:"status"`
	Details  map[string]any   `json:"details,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Runner executes job batches. Content may be nil; tasks then get placeholder output.
type Runner struct {
	Engine  engine.Engine
	Content content.Generator
	Brokers reconcile.Registry
	Now     func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	if r.Engine.Now != nil {
		return r.Engine.Now()
	}
	return time.Now()
}

func (r Runner) ts() string {
	return r.now().UTC().Format(time.RFC3339)
}

// ParseJobTypes validates job type names; an empty list selects every job.
func ParseJobTypes(names []string) ([]domain.JobType, error) {
	if len(names) == 0 {
		return append([]domain.JobType(nil), domain.AllJobTypes...), nil
	}
	known := map[domain.JobType]bool{}
	for _, jt := range domain.AllJobTypes {
		known[jt] = true
	}
	out := make([]domain.JobType, 0, len(names))
	for _, n := range names {
		jt := domain.JobType(n)
		if !known[jt] {
			return nil, fmt.Errorf("%w: unknown job type %q", engine.ErrInvalidInput, n)
		}
		out = append(out, jt)
	}
	return out, nil
}

// Run executes the selected jobs in order. Each job gets its own run record;
// a failed job is recorded and the batch moves on.
func (r Runner) Run(ctx context.Context, projectID string, opts Options) ([]Summary, error) {
	if _, err := r.Engine.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	types := opts.JobTypes
	if len(types) == 0 {
		types = domain.AllJobTypes
	}
	if opts.PhaseNumber != nil && *opts.PhaseNumber <= 0 {
		return nil, fmt.Errorf("%w: phase must be positive", engine.ErrInvalidInput)
	}
	if opts.ActorID == "" {
		opts.ActorID = systemActor
	}
	log := zap.S().Named("jobs")
	summaries := make([]Summary, 0, len(types))
	for _, jt := range types {
		run := domain.JobRun{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			JobType:   jt,
			Status:    domain.JobRunning,
			StartedAt: r.ts(),
		}
		if err := r.Engine.Repo.InsertJobRun(ctx, run); err != nil {
			return summaries, err
		}
		log.Infow("job started", "project_id", projectID, "job_type", jt, "job_run_id", run.ID)

		details, err := r.execute(ctx, jt, projectID, run.ID, opts)
		s := Summary{JobRunID: run.ID, JobType: jt, Status: domain.JobCompleted, Details: details}
		if err != nil {
			s.Status = domain.JobFailed
			s.Error = err.Error()
			log.Warnw("job failed", "project_id", projectID, "job_type", jt, "job_run_id", run.ID, "error", err)
		} else {
			log.Infow("job completed", "project_id", projectID, "job_type", jt, "job_run_id", run.ID)
		}
		if err := r.finish(ctx, projectID, opts.ActorID, s); err != nil {
			return summaries, err
		}
		metrics.IncreaseJobRuns(string(jt), string(s.Status))
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func (r Runner) execute(ctx context.Context, jt domain.JobType, projectID, runID string, opts Options) (map[string]any, error) {
	switch jt {
	case domain.JobPhaseTaskGeneration:
		return r.generatePhaseTasks(ctx, projectID, opts)
	case domain.JobTeamPerformanceSnapshot:
		return r.snapshotTeams(ctx, projectID)
	case domain.JobReconciliation:
		return r.reconcile(ctx, projectID, runID)
	case domain.JobStageProgression:
		return r.progressStages(ctx, projectID, opts.ActorID)
	}
	return nil, fmt.Errorf("unknown job type %q", jt)
}

func (r Runner) finish(ctx context.Context, projectID, actorID string, s Summary) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Engine.Repo.Tx(tx).FinishJobRun(ctx, s.JobRunID, s.Status, s.Details, s.Error, r.ts()); err != nil {
		return err
	}
	w := events.Writer{Now: r.now}
	payload := events.EventPayload{"job_type": s.JobType, "status": s.Status}
	if s.Error != "" {
		payload["error"] = s.Error
	}
	if err := w.Append(ctx, tx, events.JobRunFinished, projectID, "job_run", s.JobRunID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Runner) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := r.Engine.Repo.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) && r.Engine.Config != nil {
		return r.Engine.Config, nil
	}
	return cfg, err
}

// generatePhaseTasks makes sure every task template of the phase exists for
// its team and carries output. Re-running it creates nothing new.
func (r Runner) generatePhaseTasks(ctx context.Context, projectID string, opts Options) (map[string]any, error) {
	project, err := r.Engine.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	phaseNumber := project.CurrentPhase
	if opts.PhaseNumber != nil {
		phaseNumber = *opts.PhaseNumber
	}
	cfg, err := r.projectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	phase, ok := cfg.Phase(phaseNumber)
	if !ok {
		return nil, fmt.Errorf("phase %d has no task templates", phaseNumber)
	}
	gen := content.Fallback{}
	if cfg.Content.Enabled {
		gen.Primary = r.Content
	}
	tags, err := json.Marshal(map[string]any{"phase": phaseNumber, "source": string(domain.JobPhaseTaskGeneration)})
	if err != nil {
		return nil, err
	}

	snapshot, err := r.buildSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	teamsCreated, created, existing, completed := 0, 0, 0, 0
	for _, tmpl := range phase.Tasks {
		team, teamCreated, err := r.Engine.EnsureTeam(ctx, engine.TeamOptions{ProjectID: projectID, TeamType: tmpl.Team, ActorID: opts.ActorID})
		if err != nil {
			return nil, fmt.Errorf("team %s: %w", tmpl.Team, err)
		}
		if teamCreated {
			teamsCreated++
		}
		task, isNew, err := r.Engine.CreateTeamTask(ctx, engine.TeamTaskOptions{
			TeamID:      team.ID,
			TaskType:    tmpl.Type,
			Title:       tmpl.Title,
			PhaseNumber: phaseNumber,
			Input:       map[string]any{"phase": phaseNumber, "phase_name": phase.Name},
			TagsJSON:    string(tags),
			ActorID:     opts.ActorID,
		})
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", tmpl.Title, err)
		}
		if isNew {
			created++
		} else {
			existing++
		}
		if task.Status == "completed" {
			continue
		}
		input := map[string]any{"snapshot": snapshot}
		for k, v := range task.Input {
			input[k] = v
		}
		out, err := gen.Generate(ctx, content.Request{Phase: phaseNumber, Team: tmpl.Team, TaskType: tmpl.Type, Title: tmpl.Title, Input: input})
		if err != nil {
			return nil, err
		}
		out["snapshot"] = snapshot
		out["team_size"] = snapshot.TeamMembers[team.ID]
		if err := r.Engine.Repo.CompleteTeamTask(ctx, task.ID, out, r.ts()); err != nil {
			return nil, err
		}
		completed++
	}
	return map[string]any{
		"phase":          phaseNumber,
		"teams_created":  teamsCreated,
		"tasks_created":  created,
		"tasks_existing": existing,
		"tasks_complete": completed,
	}, nil
}

// projectSnapshot is the state recorded alongside every generated task output.
type projectSnapshot struct {
	CandidatesByStage  map[string]int `json:"candidates_by_stage"`
	CandidatesByStatus map[string]int `json:"candidates_by_status"`
	PendingApprovals   int            `json:"pending_approvals"`
	TeamMembers        map[string]int `json:"team_members"`
}

func (r Runner) buildSnapshot(ctx context.Context, projectID string) (projectSnapshot, error) {
	snap := projectSnapshot{CandidatesByStage: map[string]int{}, CandidatesByStatus: map[string]int{}}
	candidates, err := r.Engine.Repo.ListCandidates(ctx, projectID, "")
	if err != nil {
		return snap, err
	}
	for _, c := range candidates {
		snap.CandidatesByStage[c.CurrentStage]++
		snap.CandidatesByStatus[string(c.Status)]++
	}
	pending, err := r.Engine.Ledger.Pending(ctx, r.Engine.DB, projectID)
	if err != nil {
		return snap, err
	}
	snap.PendingApprovals = len(pending)
	if snap.TeamMembers, err = r.Engine.Repo.CountTeamMembers(ctx, projectID); err != nil {
		return snap, err
	}
	return snap, nil
}

type teamStats struct {
	trades, wins int
	pnl          float64
}

// snapshotTeams appends one performance row per team from executions
// attributed through their strategy.
func (r Runner) snapshotTeams(ctx context.Context, projectID string) (map[string]any, error) {
	teams, err := r.Engine.Repo.ListTeams(ctx, projectID)
	if err != nil {
		return nil, err
	}
	strategies, err := r.Engine.Repo.ListStrategies(ctx, projectID)
	if err != nil {
		return nil, err
	}
	executions, err := r.Engine.Repo.ListExecutions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	teamOf := map[string]string{}
	for _, s := range strategies {
		if s.TeamID != nil {
			teamOf[s.ID] = *s.TeamID
		}
	}
	stats := map[string]*teamStats{}
	for _, t := range teams {
		stats[t.ID] = &teamStats{}
	}
	unattributed := 0
	for _, x := range executions {
		if x.StrategyID == nil {
			unattributed++
			continue
		}
		st, ok := stats[teamOf[*x.StrategyID]]
		if !ok {
			unattributed++
			continue
		}
		st.trades++
		st.pnl += x.RealizedPnL
		if x.RealizedPnL > 0 {
			st.wins++
		}
	}
	at := r.ts()
	for _, t := range teams {
		st := stats[t.ID]
		snap := domain.PerformanceSnapshot{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			TeamID:    t.ID,
			Trades:    st.trades,
			Wins:      st.wins,
			PnL:       st.pnl,
			CreatedAt: at,
		}
		if st.trades > 0 {
			snap.WinRate = float64(st.wins) / float64(st.trades)
		}
		if err := r.Engine.Repo.InsertSnapshot(ctx, snap); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"teams":        len(teams),
		"executions":   len(executions),
		"unattributed": unattributed,
	}, nil
}

func (r Runner) reconcile(ctx context.Context, projectID, runID string) (map[string]any, error) {
	cfg, err := r.projectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	checker := reconcile.Checker{
		DB:         r.Engine.DB,
		Repo:       r.Engine.Repo,
		Brokers:    r.Brokers,
		Provider:   cfg.Broker.Provider,
		OrderLimit: cfg.Broker.OrderLimit,
		Now:        r.now,
	}
	res, err := checker.Run(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}
	return res.Details(), nil
}

// progressStages promotes approved candidates whose reviewed stage is next
// in line. Candidates still short of approvals are left alone.
func (r Runner) progressStages(ctx context.Context, projectID, actorID string) (map[string]any, error) {
	approved, err := r.Engine.ListCandidates(ctx, projectID, domain.StatusApproved)
	if err != nil {
		return nil, err
	}
	promoted := []string{}
	var errs []error
	for _, c := range approved {
		res, ok, err := r.Engine.AdvanceApproved(ctx, c.ID, actorID)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %s: %w", c.ID, err))
			continue
		}
		if ok {
			promoted = append(promoted, res.Candidate.ID)
		}
	}
	details := map[string]any{
		"checked":  len(approved),
		"promoted": promoted,
	}
	return details, errors.Join(errs...)
}

// Loop runs a batch immediately and then on every tick until ctx is done.
func (r Runner) Loop(ctx context.Context, projectID string, interval time.Duration, opts Options) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", engine.ErrInvalidInput)
	}
	log := zap.S().Named("jobs")
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()
	for {
		summaries, err := r.Run(ctx, projectID, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorw("job batch failed", "project_id", projectID, "error", err)
		} else {
			failed := 0
			for _, s := range summaries {
				if s.Status == domain.JobFailed {
					failed++
				}
			}
			log.Infow("job batch finished", "project_id", projectID, "jobs", len(summaries), "failed", failed)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
