package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentforge/internal/approval"
	"agentforge/internal/domain"
	"agentforge/internal/events"
	"agentforge/internal/metrics"
	"agentforge/internal/repo"
	"agentforge/internal/stage"
)

type CandidateOptions struct {
	ProjectID string      `validate:"required"`
	Kind      domain.Kind `validate:"required,oneof=strategy deliverable"`
	Name      string      `validate:"required"`
	Params    map[string]any
	TeamID    string
	ActorID   string `validate:"required"`
}

// CreateCandidate registers a candidate in draft at the first stage of its lifecycle.
func (e Engine) CreateCandidate(ctx context.Context, opts CandidateOptions) (domain.Candidate, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Candidate{}, err
	}
	graph, err := e.Stages.For(opts.Kind)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Candidate{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	if _, err := r.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Candidate{}, err
	}
	var teamID *string
	if opts.TeamID != "" {
		team, err := r.GetTeam(ctx, opts.TeamID)
		if err != nil {
			return domain.Candidate{}, err
		}
		if team.ProjectID != opts.ProjectID {
			return domain.Candidate{}, fmt.Errorf("%w: team %s belongs to another project", ErrInvalidInput, team.ID)
		}
		teamID = &team.ID
	}
	now := e.ts()
	c := domain.Candidate{
		ID:           uuid.New().String(),
		ProjectID:    opts.ProjectID,
		Kind:         opts.Kind,
		Name:         opts.Name,
		Params:       opts.Params,
		TeamID:       teamID,
		CurrentStage: graph.First(),
		Status:       domain.StatusDraft,
		Artifacts:    map[string]domain.Artifact{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.InsertCandidate(ctx, c); err != nil {
		return c, err
	}
	if err := e.appendEvent(ctx, tx, events.CandidateCreated, c.ProjectID, "candidate", c.ID, opts.ActorID, events.EventPayload{"kind": c.Kind, "stage": c.CurrentStage}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

func (e Engine) GetCandidate(ctx context.Context, id string) (domain.Candidate, error) {
	return e.Repo.GetCandidate(ctx, id)
}

type SubmitOptions struct {
	CandidateID string `validate:"required"`
	Stage       string `validate:"required"`
	Artifact    domain.Artifact
	Metrics     domain.StageMetrics
	ActorID     string `validate:"required"`
}

// SubmitStage puts stage under review. stage must be the candidate's current
// stage or its immediate successor. Every required role gets a fresh pending
// approval, discarding decisions from earlier rounds.
func (e Engine) SubmitStage(ctx context.Context, opts SubmitOptions) (domain.Candidate, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Candidate{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Candidate{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	c, err := r.GetCandidate(ctx, opts.CandidateID)
	if err != nil {
		return c, err
	}
	graph, err := e.Stages.For(c.Kind)
	if err != nil {
		return c, err
	}
	if _, err := graph.Index(opts.Stage); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidStageTransition, err)
	}
	switch c.Status {
	case domain.StatusInReview:
		return c, fmt.Errorf("%w: %s is already under review", ErrSubmissionConflict, derefStage(c.ReviewStage))
	case domain.StatusDeployed:
		return c, fmt.Errorf("%w: candidate is deployed", ErrInvalidStageTransition)
	}
	next, hasNext, err := graph.Next(c.CurrentStage)
	if err != nil {
		return c, err
	}
	if opts.Stage != c.CurrentStage && (!hasNext || opts.Stage != next) {
		return c, fmt.Errorf("%w: cannot submit %s from %s", ErrInvalidStageTransition, opts.Stage, c.CurrentStage)
	}

	now := e.ts()
	if c.Artifacts == nil {
		c.Artifacts = map[string]domain.Artifact{}
	}
	artifact := domain.Artifact{}
	for k, v := range opts.Artifact {
		artifact[k] = v
	}
	c.Artifacts[opts.Stage] = artifact
	c.Metrics = c.Metrics.Merge(opts.Metrics)
	reviewStage := opts.Stage
	c.ReviewStage = &reviewStage
	c.Status = domain.StatusInReview
	c.UpdatedAt = now
	if err := r.UpdateCandidate(ctx, c); err != nil {
		return c, err
	}
	for _, role := range graph.RequiredRoles {
		if err := e.Ledger.Upsert(ctx, tx, c.ID, opts.Stage, role, now); err != nil {
			return c, err
		}
	}
	payload := events.EventPayload{"stage": opts.Stage, "roles": graph.RequiredRoles}
	if missing := graph.MissingArtifactKeys(opts.Stage, artifact); len(missing) > 0 {
		payload["missing_artifact_keys"] = missing
		zap.S().Named("engine").Infow("stage submitted without documented artifact keys",
			"candidate_id", c.ID, "stage", opts.Stage, "missing", missing)
	}
	if err := e.appendEvent(ctx, tx, events.StageSubmitted, c.ProjectID, "candidate", c.ID, opts.ActorID, payload); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

type ApproveOptions struct {
	CandidateID string      `validate:"required"`
	Stage       string      `validate:"required"`
	Role        domain.Role `validate:"required"`
	Approved    bool
	Feedback    string
	ActorID     string `validate:"required"`
}

type ApproveResult struct {
	Candidate   domain.Candidate `json:"candidate"`
	Approval    domain.Approval  `json:"approval"`
	AllApproved bool             `json:"all_approved"`
}

// ApproveStage records one role's decision for the stage under review. A
// rejection rejects the candidate. The decision that completes the required
// set marks the candidate approved and records an approved transition.
func (e Engine) ApproveStage(ctx context.Context, opts ApproveOptions) (ApproveResult, error) {
	if err := validateOptions(opts); err != nil {
		return ApproveResult{}, err
	}
	role, err := stage.ParseRole(string(opts.Role))
	if err != nil {
		return ApproveResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApproveResult{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	c, err := r.GetCandidate(ctx, opts.CandidateID)
	if err != nil {
		return ApproveResult{}, err
	}
	graph, err := e.Stages.For(c.Kind)
	if err != nil {
		return ApproveResult{}, err
	}
	if _, err := graph.Index(opts.Stage); err != nil {
		return ApproveResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if c.Status == domain.StatusRejected {
		return ApproveResult{}, fmt.Errorf("%w: resubmit the stage before deciding again", ErrCandidateRejected)
	}
	if c.ReviewStage == nil || *c.ReviewStage != opts.Stage {
		return ApproveResult{}, fmt.Errorf("%w: %s is not under review", approval.ErrApprovalNotFound, opts.Stage)
	}

	now := e.ts()
	decision, err := e.Ledger.RecordDecision(ctx, tx, c.ID, opts.Stage, role, opts.Approved, opts.Feedback, opts.ActorID, now)
	if err != nil {
		return ApproveResult{}, err
	}
	res := ApproveResult{Approval: decision}
	var transition *domain.TransitionEvent

	if !opts.Approved {
		c.Status = domain.StatusRejected
		c.UpdatedAt = now
		if err := r.UpdateCandidate(ctx, c); err != nil {
			return res, err
		}
		if err := e.appendEvent(ctx, tx, events.CandidateRejected, c.ProjectID, "candidate", c.ID, opts.ActorID, events.EventPayload{"stage": opts.Stage, "role": role, "feedback": opts.Feedback}); err != nil {
			return res, err
		}
	} else {
		full, err := e.Ledger.IsFullyApproved(ctx, tx, c.ID, opts.Stage, graph.RequiredRoles)
		if err != nil {
			return res, err
		}
		if full && c.Status == domain.StatusInReview {
			res.AllApproved = true
			c.Status = domain.StatusApproved
			c.UpdatedAt = now
			if graph.RequiresDeployment(opts.Stage) {
				s, err := e.materialize(ctx, r, c, opts.Stage, domain.StrategyApproved, now)
				if err != nil {
					return res, err
				}
				c.StrategyID = &s.ID
			}
			if err := r.UpdateCandidate(ctx, c); err != nil {
				return res, err
			}
			evt, err := e.recordTransition(ctx, tx, c, c.CurrentStage, opts.Stage, domain.ReasonApproved, opts.ActorID, map[string]any{"roles": graph.RequiredRoles})
			if err != nil {
				return res, err
			}
			transition = &evt
			if err := e.appendEvent(ctx, tx, events.CandidateApproved, c.ProjectID, "candidate", c.ID, opts.ActorID, events.EventPayload{"stage": opts.Stage}); err != nil {
				return res, err
			}
		}
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalDecided, c.ProjectID, "candidate", c.ID, opts.ActorID, events.EventPayload{"stage": opts.Stage, "role": role, "status": decision.Status}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Candidate = c
	metrics.IncreaseApprovalDecisions(string(role), opts.Approved)
	if transition != nil {
		metrics.IncreaseStageTransitions(string(transition.Reason))
		e.notify(ctx, *transition)
	}
	return res, nil
}

type PromoteOptions struct {
	CandidateID string `validate:"required"`
	TargetStage string `validate:"required"`
	ActorID     string `validate:"required"`
}

type PromoteResult struct {
	Candidate  domain.Candidate       `json:"candidate"`
	Transition domain.TransitionEvent `json:"transition"`
	StrategyID *string                `json:"strategy_id,omitempty"`
}

// PromoteCandidate advances the candidate to its immediate successor stage once
// every required role has approved that stage.
func (e Engine) PromoteCandidate(ctx context.Context, opts PromoteOptions) (PromoteResult, error) {
	if err := validateOptions(opts); err != nil {
		return PromoteResult{}, err
	}
	return e.promote(ctx, opts.CandidateID, opts.TargetStage, domain.ReasonManualPromote, opts.ActorID)
}

// AdvanceApproved promotes an approved candidate whose reviewed stage is the
// successor of its current stage. ok is false when there was nothing to do.
func (e Engine) AdvanceApproved(ctx context.Context, candidateID, actorID string) (res PromoteResult, ok bool, err error) {
	c, err := e.Repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return res, false, err
	}
	if c.Status != domain.StatusApproved || c.ReviewStage == nil {
		return res, false, nil
	}
	graph, err := e.Stages.For(c.Kind)
	if err != nil {
		return res, false, err
	}
	next, hasNext, err := graph.Next(c.CurrentStage)
	if err != nil || !hasNext || next != *c.ReviewStage {
		return res, false, err
	}
	res, err = e.promote(ctx, candidateID, next, domain.ReasonAutoStageProgression, actorID)
	if errors.Is(err, approval.ErrApprovalIncomplete) {
		return res, false, nil
	}
	return res, err == nil, err
}

func (e Engine) promote(ctx context.Context, candidateID, target string, reason domain.TransitionReason, actorID string) (PromoteResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PromoteResult{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	c, err := r.GetCandidate(ctx, candidateID)
	if err != nil {
		return PromoteResult{}, err
	}
	graph, err := e.Stages.For(c.Kind)
	if err != nil {
		return PromoteResult{}, err
	}
	if _, err := graph.Index(target); err != nil {
		return PromoteResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	next, hasNext, err := graph.Next(c.CurrentStage)
	if err != nil {
		return PromoteResult{}, err
	}
	if !hasNext {
		return PromoteResult{}, fmt.Errorf("%w: %s is the final stage", ErrInvalidPromotionPath, c.CurrentStage)
	}
	if target != next {
		return PromoteResult{}, fmt.Errorf("%w: cannot promote from %s to %s; next stage is %s", ErrInvalidPromotionPath, c.CurrentStage, target, next)
	}
	switch c.Status {
	case domain.StatusRejected:
		return PromoteResult{}, fmt.Errorf("%w: resubmit the stage before promoting", ErrCandidateRejected)
	case domain.StatusInReview:
		return PromoteResult{}, fmt.Errorf("%w: %s is still under review", ErrSubmissionConflict, derefStage(c.ReviewStage))
	}
	missing, err := e.Ledger.Missing(ctx, tx, c.ID, target, graph.RequiredRoles)
	if err != nil {
		return PromoteResult{}, err
	}
	if len(missing) > 0 {
		return PromoteResult{}, approval.IncompleteError{Stage: target, Missing: missing}
	}

	now := e.ts()
	from := c.CurrentStage
	c.CurrentStage = target
	c.ReviewStage = nil
	c.UpdatedAt = now
	if graph.IsTerminal(target) {
		c.Status = domain.StatusDeployed
	} else {
		c.Status = domain.StatusDraft
	}
	if graph.RequiresDeployment(target) {
		s, err := e.materialize(ctx, r, c, target, domain.StrategyActive, now)
		if err != nil {
			return PromoteResult{}, err
		}
		c.StrategyID = &s.ID
		if err := e.appendEvent(ctx, tx, events.StrategyDeployed, c.ProjectID, "strategy", s.ID, actorID, events.EventPayload{"candidate_id": c.ID, "stage": target}); err != nil {
			return PromoteResult{}, err
		}
	}
	if err := r.UpdateCandidate(ctx, c); err != nil {
		return PromoteResult{}, err
	}
	evt, err := e.recordTransition(ctx, tx, c, from, target, reason, actorID, nil)
	if err != nil {
		return PromoteResult{}, err
	}
	if err := e.appendEvent(ctx, tx, events.CandidatePromoted, c.ProjectID, "candidate", c.ID, actorID, events.EventPayload{"from": from, "to": target, "reason": reason}); err != nil {
		return PromoteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PromoteResult{}, err
	}
	metrics.IncreaseStageTransitions(string(reason))
	zap.S().Named("engine").Infow("candidate promoted", "candidate_id", c.ID, "from", from, "to", target, "reason", reason)
	e.notify(ctx, evt)
	return PromoteResult{Candidate: c, Transition: evt, StrategyID: c.StrategyID}, nil
}

// materialize creates or refreshes the live strategy backing a candidate.
func (e Engine) materialize(ctx context.Context, r repo.Repo, c domain.Candidate, stageName string, status domain.StrategyStatus, now string) (domain.Strategy, error) {
	return r.UpsertStrategy(ctx, domain.Strategy{
		ID:          uuid.New().String(),
		ProjectID:   c.ProjectID,
		CandidateID: c.ID,
		TeamID:      c.TeamID,
		Name:        c.Name,
		Stage:       stageName,
		Status:      status,
		Params:      c.Params,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (e Engine) recordTransition(ctx context.Context, tx *sql.Tx, c domain.Candidate, from, to string, reason domain.TransitionReason, actorID string, meta map[string]any) (domain.TransitionEvent, error) {
	evt := domain.TransitionEvent{
		ProjectID:   c.ProjectID,
		CandidateID: c.ID,
		FromStage:   from,
		ToStage:     to,
		Reason:      reason,
		Metadata:    meta,
		ActorID:     actorID,
		CreatedAt:   c.UpdatedAt,
	}
	id, err := e.Repo.Tx(tx).InsertTransition(ctx, evt)
	if err != nil {
		return evt, err
	}
	evt.ID = id
	return evt, nil
}

// ListCandidates returns a project's candidates, optionally filtered by status.
func (e Engine) ListCandidates(ctx context.Context, projectID string, status domain.Status) ([]domain.Candidate, error) {
	return e.Repo.ListCandidates(ctx, projectID, status)
}

// Approvals lists every recorded decision for a candidate stage.
func (e Engine) Approvals(ctx context.Context, candidateID, stageName string) ([]domain.Approval, error) {
	return e.Ledger.List(ctx, e.DB, candidateID, stageName)
}

func derefStage(s *string) string {
	if s == nil {
		return "stage"
	}
	return *s
}
