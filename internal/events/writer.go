package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ProjectInit        = "project.init"
	ProjectPhaseSet    = "project.phase.set"
	TeamCreated        = "team.created"
	TeamMemberAdded    = "team.member.added"
	TeamTaskCreated    = "team.task.created"
	CandidateCreated   = "candidate.created"
	StageSubmitted     = "candidate.stage.submitted"
	ApprovalDecided    = "candidate.approval.decided"
	CandidateApproved  = "candidate.approved"
	CandidateRejected  = "candidate.rejected"
	CandidatePromoted  = "candidate.promoted"
	StrategyDeployed   = "strategy.deployed"
	OrderRecorded      = "order.recorded"
	ExecutionRecorded  = "execution.recorded"
	JobRunFinished     = "job_run.finished"
	OrderReconciled    = "order.reconciled"
	ConfigImported     = "project.config.imported"
	NotificationFailed = "notification.failed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
