package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentforge/internal/domain"
)

const strategyColumns = `id,project_id,candidate_id,team_id,name,stage,status,params_json,created_at,updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (domain.Strategy, error) {
	var s domain.Strategy
	var teamID, params sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.CandidateID, &teamID, &s.Name, &s.Stage, &s.Status, &params, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("strategy: %w", ErrNotFound)
	}
	if err != nil {
		return s, err
	}
	s.TeamID = stringPtr(teamID)
	s.Params, err = unmarshalMap(params)
	return s, err
}

// UpsertStrategy creates the live strategy for a candidate or updates the
// existing one. The candidate id is the identity; s.ID is only used on insert.
func (r Repo) UpsertStrategy(ctx context.Context, s domain.Strategy) (domain.Strategy, error) {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return s, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO strategies(`+strategyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(candidate_id) DO UPDATE SET team_id=excluded.team_id, name=excluded.name, stage=excluded.stage,
status=excluded.status, params_json=excluded.params_json, updated_at=excluded.updated_at`,
		s.ID, s.ProjectID, s.CandidateID, nullableStringPtr(s.TeamID), s.Name, s.Stage, string(s.Status), params, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return s, fmt.Errorf("upsert strategy: %w", err)
	}
	return r.GetStrategyByCandidate(ctx, s.CandidateID)
}

func (r Repo) GetStrategyByCandidate(ctx context.Context, candidateID string) (domain.Strategy, error) {
	return scanStrategy(r.DB.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE candidate_id=?`, candidateID))
}

func (r Repo) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	return scanStrategy(r.DB.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id=?`, id))
}

func (r Repo) ListStrategies(ctx context.Context, projectID string) ([]domain.Strategy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const orderColumns = `id,project_id,strategy_id,symbol,side,quantity,status,COALESCE(broker,''),broker_order_id,reconciliation_status,reconciliation_note,created_at,updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	var strategyID, brokerOrderID, recStatus, recNote sql.NullString
	err := row.Scan(&o.ID, &o.ProjectID, &strategyID, &o.Symbol, &o.Side, &o.Quantity, &o.Status, &o.Broker,
		&brokerOrderID, &recStatus, &recNote, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, fmt.Errorf("order: %w", ErrNotFound)
	}
	o.StrategyID = stringPtr(strategyID)
	o.BrokerOrderID = stringPtr(brokerOrderID)
	o.ReconciliationStatus = stringPtr(recStatus)
	o.ReconciliationNote = stringPtr(recNote)
	return o, err
}

func (r Repo) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO orders(id,project_id,strategy_id,symbol,side,quantity,status,broker,broker_order_id,reconciliation_status,reconciliation_note,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, nullableStringPtr(o.StrategyID), o.Symbol, o.Side, o.Quantity, string(o.Status), nullable(o.Broker),
		nullableStringPtr(o.BrokerOrderID), nullableStringPtr(o.ReconciliationStatus), nullableStringPtr(o.ReconciliationNote), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) ListOrders(ctx context.Context, projectID string) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// SetOrderReconciliation stamps the outcome of a reconciliation pass.
func (r Repo) SetOrderReconciliation(ctx context.Context, id string, class domain.Classification, note, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE orders SET reconciliation_status=?, reconciliation_note=?, updated_at=? WHERE id=?`,
		string(class), nullable(note), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) InsertExecution(ctx context.Context, e domain.Execution) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO executions(id,project_id,strategy_id,order_id,symbol,quantity,price,realized_pnl,executed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, nullableStringPtr(e.StrategyID), nullableStringPtr(e.OrderID), e.Symbol, e.Quantity, e.Price, e.RealizedPnL, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r Repo) ListExecutions(ctx context.Context, projectID string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,strategy_id,order_id,symbol,quantity,price,realized_pnl,executed_at FROM executions WHERE project_id=? ORDER BY executed_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var strategyID, orderID sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &strategyID, &orderID, &e.Symbol, &e.Quantity, &e.Price, &e.RealizedPnL, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.StrategyID = stringPtr(strategyID)
		e.OrderID = stringPtr(orderID)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertSnapshot(ctx context.Context, s domain.PerformanceSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO performance_snapshots(id,project_id,team_id,trades,wins,win_rate,pnl,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.TeamID, s.Trades, s.Wins, s.WinRate, s.PnL, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert performance snapshot: %w", err)
	}
	return nil
}

func (r Repo) ListSnapshots(ctx context.Context, projectID string, limit int) ([]domain.PerformanceSnapshot, error) {
	query := `SELECT id,project_id,team_id,trades,wins,win_rate,pnl,created_at FROM performance_snapshots WHERE project_id=? ORDER BY created_at DESC, rowid DESC`
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
	var res []domain.PerformanceSnapshot
	for rows.Next() {
		var s domain.PerformanceSnapshot
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.TeamID, &s.Trades, &s.Wins, &s.WinRate, &s.PnL, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
