package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentforge/internal/domain"
)

const candidateColumns = `id,project_id,kind,name,params_json,team_id,current_stage,review_stage,status,artifacts_json,risk_score,expected_return,max_drawdown,sharpe,strategy_id,created_at,updated_at`

func scanCandidate(row interface{ Scan(...any) error }) (domain.Candidate, error) {
	var c domain.Candidate
	var params, artifacts string
	var teamID, reviewStage, strategyID sql.NullString
	var risk, ret, dd, sharpe sql.NullFloat64
	err := row.Scan(&c.ID, &c.ProjectID, &c.Kind, &c.Name, &params, &teamID, &c.CurrentStage, &reviewStage, &c.Status,
		&artifacts, &risk, &ret, &dd, &sharpe, &strategyID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("candidate: %w", ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
		return c, fmt.Errorf("candidate %s params: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &c.Artifacts); err != nil {
		return c, fmt.Errorf("candidate %s artifacts: %w", c.ID, err)
	}
	if c.Artifacts == nil {
		c.Artifacts = map[string]domain.Artifact{}
	}
	c.TeamID = stringPtr(teamID)
	c.ReviewStage = stringPtr(reviewStage)
	c.StrategyID = stringPtr(strategyID)
	c.Metrics = domain.StageMetrics{
		RiskScore:      floatPtr(risk),
		ExpectedReturn: floatPtr(ret),
		MaxDrawdown:    floatPtr(dd),
		Sharpe:         floatPtr(sharpe),
	}
	return c, nil
}

func candidateArgs(c domain.Candidate) ([]any, error) {
	params, err := marshalJSON(c.Params)
	if err != nil {
		return nil, err
	}
	if c.Artifacts == nil {
		c.Artifacts = map[string]domain.Artifact{}
	}
	artifacts, err := marshalJSON(c.Artifacts)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.ProjectID, string(c.Kind), c.Name, params, nullableStringPtr(c.TeamID), c.CurrentStage,
		nullableStringPtr(c.ReviewStage), string(c.Status), artifacts,
		nullableFloatPtr(c.Metrics.RiskScore), nullableFloatPtr(c.Metrics.ExpectedReturn),
		nullableFloatPtr(c.Metrics.MaxDrawdown), nullableFloatPtr(c.Metrics.Sharpe),
		nullableStringPtr(c.StrategyID), c.CreatedAt, c.UpdatedAt,
	}, nil
}

func (r Repo) InsertCandidate(ctx context.Context, c domain.Candidate) error {
	args, err := candidateArgs(c)
	if err != nil {
		return err
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO candidates(`+candidateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// UpdateCandidate rewrites every mutable column of c.
func (r Repo) UpdateCandidate(ctx context.Context, c domain.Candidate) error {
	args, err := candidateArgs(c)
	if err != nil {
		return err
	}
	// name through strategy_id; id, project_id, kind and created_at never change
	mutable := append([]any{}, args[3:15]...)
	mutable = append(mutable, c.UpdatedAt, c.ID)
	res, err := r.DB.ExecContext(ctx, `UPDATE candidates SET name=?, params_json=?, team_id=?, current_stage=?, review_stage=?, status=?,
artifacts_json=?, risk_score=?, expected_return=?, max_drawdown=?, sharpe=?, strategy_id=?, updated_at=? WHERE id=?`, mutable...)
	if err != nil {
		return fmt.Errorf("update candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetCandidate(ctx context.Context, id string) (domain.Candidate, error) {
	return scanCandidate(r.DB.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id=?`, id))
}

// ListCandidates returns a project's candidates; an empty status lists all.
func (r Repo) ListCandidates(ctx context.Context, projectID string, status domain.Status) ([]domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertTransition(ctx context.Context, t domain.TransitionEvent) (int64, error) {
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO stage_transitions(project_id,candidate_id,from_stage,to_stage,reason,metadata_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.CandidateID, t.FromStage, t.ToStage, string(t.Reason), meta, t.ActorID, t.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert stage transition: %w", err)
	}
	return res.LastInsertId()
}

// ListTransitions returns newest first. An empty candidateID lists the project.
func (r Repo) ListTransitions(ctx context.Context, projectID, candidateID string, limit int) ([]domain.TransitionEvent, error) {
	query := `SELECT id,project_id,candidate_id,from_stage,to_stage,reason,metadata_json,actor_id,created_at FROM stage_transitions WHERE project_id=?`
	args := []any{projectID}
	if candidateID != "" {
		query += ` AND candidate_id=?`
		args = append(args, candidateID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionEvent
	for rows.Next() {
		var t domain.TransitionEvent
		var meta sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.CandidateID, &t.FromStage, &t.ToStage, &t.Reason, &meta, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
