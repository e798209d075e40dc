package domain

// Kind selects which lifecycle a candidate follows.
type Kind string

const (
	KindStrategy    Kind = "strategy"
	KindDeliverable Kind = "deliverable"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDeployed Status = "deployed"
)

type Role string

const (
	RoleCEO  Role = "ceo"
	RoleUser Role = "user"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type TransitionReason string

const (
	ReasonApproved             TransitionReason = "approved"
	ReasonManualPromote        TransitionReason = "manual_promote"
	ReasonAutoStageProgression TransitionReason = "auto_stage_progression"
)

type JobType string

const (
	JobPhaseTaskGeneration     JobType = "phase_task_generation"
	JobTeamPerformanceSnapshot JobType = "team_performance_snapshot"
	JobReconciliation          JobType = "reconciliation"
	JobStageProgression        JobType = "stage_progression"
)

// AllJobTypes is the default batch, in execution order.
var AllJobTypes = []JobType{
	JobPhaseTaskGeneration,
	JobTeamPerformanceSnapshot,
	JobReconciliation,
	JobStageProgression,
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Classification string

const (
	ClassMatched            Classification = "matched"
	ClassMismatched         Classification = "mismatched"
	ClassMissingBrokerOrder Classification = "missing_broker_order"
	ClassError              Classification = "error"
)

type OrderStatus string

const (
	OrderPendingApproval OrderStatus = "pending_approval"
	OrderApproved        OrderStatus = "approved"
	OrderExecuted        OrderStatus = "executed"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
	OrderUnknown         OrderStatus = "unknown"
)

type StrategyStatus string

const (
	StrategyApproved StrategyStatus = "approved"
	StrategyActive   StrategyStatus = "active"
	StrategyRetired  StrategyStatus = "retired"
)

type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	CurrentPhase int    `json:"current_phase"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TeamType  string `json:"team_type"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	AgentName string `json:"agent_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamTask struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	TeamID      string         `json:"team_id"`
	TaskType    string         `json:"task_type"`
	Title       string         `json:"title"`
	PhaseNumber int            `json:"phase_number"`
	Status      string         `json:"status" enum:"pending,in_progress,completed"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	TagsJSON    string         `json:"tags_json"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

// Artifact is the payload submitted for one stage. Expected keys per stage are
// listed on the lifecycle graph.
type Artifact map[string]any

// StageMetrics are the summary numbers shown on the dashboard.
type StageMetrics struct {
	RiskScore      *float64 `json:"risk_score,omitempty"`
	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	MaxDrawdown    *float64 `json:"max_drawdown,omitempty"`
	Sharpe         *float64 `json:"sharpe,omitempty"`
}

// Merge overlays the non-nil fields of m onto s.
func (s StageMetrics) Merge(m StageMetrics) StageMetrics {
	if m.RiskScore != nil {
		s.RiskScore = m.RiskScore
	}
	if m.ExpectedReturn != nil {
		s.ExpectedReturn = m.ExpectedReturn
	}
	if m.MaxDrawdown != nil {
		s.MaxDrawdown = m.MaxDrawdown
	}
	if m.Sharpe != nil {
		s.Sharpe = m.Sharpe
	}
	return s
}

// Candidate is a strategy candidate or a phase deliverable moving through a lifecycle.
type Candidate struct {
	ID           string              `json:"id"`
	ProjectID    string              `json:"project_id"`
	Kind         Kind                `json:"kind" enum:"strategy,deliverable"`
	Name         string              `json:"name"`
	Params       map[string]any      `json:"params,omitempty"`
	TeamID       *string             `json:"team_id,omitempty"`
	CurrentStage string              `json:"current_stage"`
	ReviewStage  *string             `json:"review_stage,omitempty"`
	Status       Status              `json:"status" enum:"draft,in_review,approved,rejected,deployed"`
	Artifacts    map[string]Artifact `json:"artifacts"`
	Metrics      StageMetrics        `json:"metrics"`
	StrategyID   *string             `json:"strategy_id,omitempty"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	UpdatedAt    string              `json:"updated_at" format:"date-time"`
}

type Approval struct {
	CandidateID string         `json:"candidate_id"`
	Stage       string         `json:"stage"`
	Role        Role           `json:"role" enum:"ceo,user"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	Feedback    string         `json:"feedback,omitempty"`
	ApproverID  string         `json:"approver_id,omitempty"`
	DecidedAt   *string        `json:"decided_at,omitempty" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type TransitionEvent struct {
	ID          int64            `json:"id"`
	ProjectID   string           `json:"project_id"`
	CandidateID string           `json:"candidate_id"`
	FromStage   string           `json:"from_stage"`
	ToStage     string           `json:"to_stage"`
	Reason      TransitionReason `json:"reason" enum:"approved,manual_promote,auto_stage_progression"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	ActorID     string           `json:"actor_id"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

// Strategy is the live trading object materialized once a candidate reaches a
// stage that requires deployment.
type Strategy struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	CandidateID string         `json:"candidate_id"`
	TeamID      *string        `json:"team_id,omitempty"`
	Name        string         `json:"name"`
	Stage       string         `json:"stage"`
	Status      StrategyStatus `json:"status" enum:"approved,active,retired"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Order struct {
	ID                   string      `json:"id"`
	ProjectID            string      `json:"project_id"`
	StrategyID           *string     `json:"strategy_id,omitempty"`
	Symbol               string      `json:"symbol"`
	Side                 string      `json:"side" enum:"buy,sell"`
	Quantity             float64     `json:"quantity"`
	Status               OrderStatus `json:"status"`
	Broker               string      `json:"broker,omitempty"`
	BrokerOrderID        *string     `json:"broker_order_id,omitempty"`
	ReconciliationStatus *string     `json:"reconciliation_status,omitempty"`
	ReconciliationNote   *string     `json:"reconciliation_note,omitempty"`
	CreatedAt            string      `json:"created_at" format:"date-time"`
	UpdatedAt            string      `json:"updated_at" format:"date-time"`
}

type Execution struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	StrategyID  *string `json:"strategy_id,omitempty"`
	OrderID     *string `json:"order_id,omitempty"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	RealizedPnL float64 `json:"realized_pnl"`
	ExecutedAt  string  `json:"executed_at" format:"date-time"`
}

type PerformanceSnapshot struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TeamID    string  `json:"team_id"`
	Trades    int     `json:"trades"`
	Wins      int     `json:"wins"`
	WinRate   float64 `json:"win_rate"`
	PnL       float64 `json:"pnl"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type JobRun struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	JobType     JobType        `json:"job_type"`
	Status      JobStatus      `json:"status" enum:"running,completed,failed"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type ReconciliationEvent struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	JobRunID       string         `json:"job_run_id,omitempty"`
	OrderID        string         `json:"order_id"`
	BrokerOrderID  *string        `json:"broker_order_id,omitempty"`
	InternalStatus string         `json:"internal_status"`
	BrokerStatus   string         `json:"broker_status,omitempty"`
	Classification Classification `json:"classification" enum:"matched,mismatched,missing_broker_order,error"`
	Notes          string         `json:"notes,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
