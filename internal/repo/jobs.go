package repo

import (
	"context"
	"database/sql"
	"fmt"

	"agentforge/internal/domain"
)

func (r Repo) InsertJobRun(ctx context.Context, j domain.JobRun) error {
	details, err := marshalNullableJSON(j.Details)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO job_runs(id,project_id,job_type,status,details_json,error,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, string(j.JobType), string(j.Status), details, nullable(j.Error), j.StartedAt, nullableStringPtr(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// FinishJobRun finalizes a running job run.
func (r Repo) FinishJobRun(ctx context.Context, id string, status domain.JobStatus, details map[string]any, errMsg, at string) error {
	payload, err := marshalNullableJSON(details)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE job_runs SET status=?, details_json=?, error=?, completed_at=? WHERE id=? AND status='running'`,
		string(status), payload, nullable(errMsg), at, id)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("running job run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) ListJobRuns(ctx context.Context, projectID string, limit int) ([]domain.JobRun, error) {
	query := `SELECT id,project_id,job_type,status,details_json,COALESCE(error,''),started_at,completed_at FROM job_runs WHERE project_id=? ORDER BY started_at DESC, rowid DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRun
	for rows.Next() {
		var j domain.JobRun
		var details, completed sql.NullString
		if err := rows.Scan(&j.ID, &j.ProjectID, &j.JobType, &j.Status, &details, &j.Error, &j.StartedAt, &completed); err != nil {
			return nil, err
		}
		if j.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		j.CompletedAt = stringPtr(completed)
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) InsertReconciliationEvent(ctx context.Context, e domain.ReconciliationEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reconciliation_events(id,project_id,job_run_id,order_id,broker_order_id,internal_status,broker_status,classification,notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, nullable(e.JobRunID), e.OrderID, nullableStringPtr(e.BrokerOrderID), e.InternalStatus,
		nullable(e.BrokerStatus), string(e.Classification), nullable(e.Notes), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reconciliation event: %w", err)
	}
	return nil
}

func (r Repo) ListReconciliationEvents(ctx context.Context, projectID string, limit int) ([]domain.ReconciliationEvent, error) {
	query := `SELECT id,project_id,COALESCE(job_run_id,''),order_id,broker_order_id,internal_status,COALESCE(broker_status,''),classification,COALESCE(notes,''),created_at
FROM reconciliation_events WHERE project_id=? ORDER BY created_at DESC, rowid DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconciliationEvent
	for rows.Next() {
		var e domain.ReconciliationEvent
		var brokerID sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.JobRunID, &e.OrderID, &brokerID, &e.InternalStatus, &e.BrokerStatus, &e.Classification, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.BrokerOrderID = stringPtr(brokerID)
		res = append(res, e)
	}
	return res, rows.Err()
}
