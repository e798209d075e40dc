package server

import (
	"agentforge/internal/domain"
	"agentforge/internal/jobs"
)

type CreateProjectRequest struct {
	ID          string `json:"id" example:"acme"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type SetPhaseRequest struct {
	Phase int `json:"phase" minimum:"1"`
}

type CreateTeamRequest struct {
	TeamType string `json:"team_type" example:"quant"`
	Name     string `json:"name,omitempty"`
}

type AddMemberRequest struct {
	AgentName string `json:"agent_name"`
	Role      string `json:"role" example:"analyst"`
}

type CreateTeamTaskRequest struct {
	TaskType    string         `json:"task_type"`
	Title       string         `json:"title"`
	PhaseNumber int            `json:"phase_number,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

type CreateCandidateRequest struct {
	Kind   domain.Kind    `json:"kind" enum:"strategy,deliverable"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	TeamID string         `json:"team_id,omitempty"`
}

type SubmitStageRequest struct {
	Stage    string              `json:"stage" example:"backtest"`
	Artifact map[string]any      `json:"artifact,omitempty"`
	Metrics  domain.StageMetrics `json:"metrics,omitempty"`
}

type ApproveStageRequest struct {
	Stage    string `json:"stage"`
	Role     string `json:"role" enum:"ceo,user"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type PromoteRequest struct {
	TargetStage string `json:"target_stage" example:"paper"`
}

type RecordOrderRequest struct {
	StrategyID    string             `json:"strategy_id,omitempty"`
	Symbol        string             `json:"symbol"`
	Side          string             `json:"side" enum:"buy,sell"`
	Quantity      float64            `json:"quantity" exclusiveMinimum:"0"`
	Status        domain.OrderStatus `json:"status,omitempty"`
	Broker        string             `json:"broker,omitempty"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
}

type RecordExecutionRequest struct {
	StrategyID  string  `json:"strategy_id,omitempty"`
	OrderID     string  `json:"order_id,omitempty"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity" exclusiveMinimum:"0"`
	Price       float64 `json:"price" minimum:"0"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	ExecutedAt  string  `json:"executed_at,omitempty" format:"date-time"`
}

type PhaseTasksRequest struct {
	PhaseNumber *int `json:"phase_number,omitempty" minimum:"1"`
}

type WorkerRunRequest struct {
	JobTypes    []string `json:"job_types,omitempty"`
	PhaseNumber *int     `json:"phase_number,omitempty" minimum:"1"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CandidateResponse struct {
	domain.Candidate
	Approvals   []domain.Approval        `json:"approvals"`
	Transitions []domain.TransitionEvent `json:"transitions"`
}

type WorkerRunResponse struct {
	Jobs []jobs.Summary `json:"jobs"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
