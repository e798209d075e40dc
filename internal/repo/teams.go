package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentforge/internal/domain"
)

func (r Repo) InsertTeam(ctx context.Context, t domain.Team) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,project_id,team_type,name,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.ProjectID, t.TeamType, t.Name, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,team_type,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.TeamType, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r Repo) GetTeamByType(ctx context.Context, projectID, teamType string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,team_type,name,created_at FROM teams WHERE project_id=? AND team_type=?`, projectID, teamType).
		Scan(&t.ID, &t.ProjectID, &t.TeamType, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("team %s: %w", teamType, ErrNotFound)
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context, projectID string) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,team_type,name,created_at FROM teams WHERE project_id=? ORDER BY team_type`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.TeamType, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTeamMember(ctx context.Context, m domain.TeamMember) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_members(id,team_id,agent_name,role,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.TeamID, m.AgentName, m.Role, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

func (r Repo) ListTeamMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,team_id,agent_name,role,created_at FROM team_members WHERE team_id=? ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.AgentName, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountTeamMembers returns member counts keyed by team id.
func (r Repo) CountTeamMembers(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.team_id, COUNT(*) FROM team_members m JOIN teams t ON t.id=m.team_id WHERE t.project_id=? GROUP BY m.team_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

const taskColumns = `id,project_id,team_id,task_type,title,phase_number,status,input_json,output_json,tags_json,created_at,updated_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.TeamTask, error) {
	var t domain.TeamTask
	var input, output, completed sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.TeamID, &t.TaskType, &t.Title, &t.PhaseNumber, &t.Status,
		&input, &output, &t.TagsJSON, &t.CreatedAt, &t.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("team task: %w", ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	if t.Input, err = unmarshalMap(input); err != nil {
		return t, err
	}
	if t.Output, err = unmarshalMap(output); err != nil {
		return t, err
	}
	t.CompletedAt = stringPtr(completed)
	return t, nil
}

// InsertTeamTask inserts t unless a task with the same identity
// (team, task type, title, tags) exists. It reports whether a row was written.
func (r Repo) InsertTeamTask(ctx context.Context, t domain.TeamTask) (bool, error) {
	input, err := marshalNullableJSON(t.Input)
	if err != nil {
		return false, err
	}
	output, err := marshalNullableJSON(t.Output)
	if err != nil {
		return false, err
	}
	if t.TagsJSON == "" {
		t.TagsJSON = "{}"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO team_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(team_id,task_type,title,tags_json) DO NOTHING`,
		t.ID, t.ProjectID, t.TeamID, t.TaskType, t.Title, t.PhaseNumber, t.Status, input, output, t.TagsJSON,
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return false, fmt.Errorf("insert team task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) FindTeamTask(ctx context.Context, teamID, taskType, title, tagsJSON string) (domain.TeamTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM team_tasks WHERE team_id=? AND task_type=? AND title=? AND tags_json=?`,
		teamID, taskType, title, tagsJSON))
}

func (r Repo) CompleteTeamTask(ctx context.Context, id string, output map[string]any, at string) error {
	payload, err := marshalJSON(output)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE team_tasks SET status='completed', output_json=?, updated_at=?, completed_at=? WHERE id=?`, payload, at, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("team task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) ListTeamTasks(ctx context.Context, projectID string, phase int) ([]domain.TeamTask, error) {
	query := `SELECT ` + taskColumns + ` FROM team_tasks WHERE project_id=?`
	args := []any{projectID}
	if phase > 0 {
		query += ` AND phase_number=?`
		args = append(args, phase)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
