// Package approval is the per-(candidate, stage, role) approval ledger.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentforge/internal/domain"
	"agentforge/internal/repo"
)

var (
	ErrApprovalNotFound   = errors.New("approval not found")
	ErrApprovalIncomplete = errors.New("approval incomplete")
)

// IncompleteError names the roles still missing an approval for a stage.
type IncompleteError struct {
	Stage   string
	Missing []domain.Role
}

func (e IncompleteError) Error() string {
	roles := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		roles[i] = string(r)
	}
	return fmt.Sprintf("%s requires %s approval before promotion", e.Stage, strings.Join(roles, ", "))
}

func (e IncompleteError) Is(target error) bool { return target == ErrApprovalIncomplete }

// Ledger reads and writes approval records. Every method takes the DBTX to run
// on so callers keep decisions and gating checks in one transaction.
type Ledger struct{}

// Upsert creates a pending record for the key or resets an existing one,
// clearing any prior decision.
func (Ledger) Upsert(ctx context.Context, q repo.DBTX, candidateID, stage string, role domain.Role, at string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO approvals(candidate_id,stage,role,status,feedback,approver_id,decided_at,updated_at)
VALUES (?,?,?,'pending',NULL,NULL,NULL,?)
ON CONFLICT(candidate_id,stage,role) DO UPDATE SET status='pending', feedback=NULL, approver_id=NULL, decided_at=NULL, updated_at=excluded.updated_at`,
		candidateID, stage, string(role), at)
	if err != nil {
		return fmt.Errorf("upsert approval %s/%s/%s: %w", candidateID, stage, role, err)
	}
	return nil
}

// RecordDecision resolves a pending record. Deciding a key that was never
// submitted, or was already decided, fails with ErrApprovalNotFound.
func (Ledger) RecordDecision(ctx context.Context, q repo.DBTX, candidateID, stage string, role domain.Role, approved bool, feedback, approverID, at string) (domain.Approval, error) {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	res, err := q.ExecContext(ctx, `UPDATE approvals SET status=?, feedback=?, approver_id=?, decided_at=?, updated_at=?
WHERE candidate_id=? AND stage=? AND role=? AND status='pending'`,
		string(status), nullable(feedback), nullable(approverID), at, at, candidateID, stage, string(role))
	if err != nil {
		return domain.Approval{}, fmt.Errorf("record decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Approval{}, fmt.Errorf("%w: no pending %s approval for %s at stage %s", ErrApprovalNotFound, role, candidateID, stage)
	}
	return domain.Approval{
		CandidateID: candidateID,
		Stage:       stage,
		Role:        role,
		Status:      status,
		Feedback:    feedback,
		ApproverID:  approverID,
		DecidedAt:   &at,
		UpdatedAt:   at,
	}, nil
}

// List returns the records for one candidate, ordered by stage and role. An
// empty stage lists every stage.
func (Ledger) List(ctx context.Context, q repo.DBTX, candidateID, stage string) ([]domain.Approval, error) {
	query := `SELECT candidate_id,stage,role,status,COALESCE(feedback,''),COALESCE(approver_id,''),decided_at,updated_at
FROM approvals WHERE candidate_id=?`
	args := []any{candidateID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, stage)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY stage, role`, args...)
	if err != nil {
		return nil, err
	}
	return scanApprovals(rows)
}

// Pending lists every pending record in a project.
func (Ledger) Pending(ctx context.Context, q repo.DBTX, projectID string) ([]domain.Approval, error) {
	rows, err := q.QueryContext(ctx, `SELECT a.candidate_id,a.stage,a.role,a.status,COALESCE(a.feedback,''),COALESCE(a.approver_id,''),a.decided_at,a.updated_at
FROM approvals a JOIN candidates c ON c.id=a.candidate_id
WHERE c.project_id=? AND a.status='pending' ORDER BY a.updated_at, a.candidate_id, a.role`, projectID)
	if err != nil {
		return nil, err
	}
	return scanApprovals(rows)
}

// Missing returns the required roles lacking an approved record. It always
// reads current rows; nothing is cached between calls.
func (l Ledger) Missing(ctx context.Context, q repo.DBTX, candidateID, stage string, required []domain.Role) ([]domain.Role, error) {
	records, err := l.List(ctx, q, candidateID, stage)
	if err != nil {
		return nil, err
	}
	approved := map[domain.Role]bool{}
	for _, a := range records {
		if a.Status == domain.ApprovalApproved {
			approved[a.Role] = true
		}
	}
	var missing []domain.Role
	for _, r := range required {
		if !approved[r] {
			missing = append(missing, r)
		}
	}
	return missing, nil
}

// IsFullyApproved reports whether every required role approved the stage.
func (l Ledger) IsFullyApproved(ctx context.Context, q repo.DBTX, candidateID, stage string, required []domain.Role) (bool, error) {
	if len(required) == 0 {
		return false, nil
	}
	missing, err := l.Missing(ctx, q, candidateID, stage, required)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func scanApprovals(rows *sql.Rows) ([]domain.Approval, error) {
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decided sql.NullString
		if err := rows.Scan(&a.CandidateID, &a.Stage, &a.Role, &a.Status, &a.Feedback, &a.ApproverID, &decided, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if decided.Valid {
			s := decided.String
			a.DecidedAt = &s
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
