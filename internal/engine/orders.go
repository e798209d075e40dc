package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"agentforge/internal/domain"
	"agentforge/internal/events"
)

type OrderOptions struct {
	ProjectID     string             `validate:"required"`
	StrategyID    string
	Symbol        string             `validate:"required"`
	Side          string             `validate:"required,oneof=buy sell"`
	Quantity      float64            `validate:"gt=0"`
	Status        domain.OrderStatus `validate:"omitempty,oneof=pending_approval approved executed cancelled failed unknown"`
	Broker        string
	BrokerOrderID string
	ActorID       string `validate:"required"`
}

// RecordOrder stores an internally tracked order for later reconciliation.
func (e Engine) RecordOrder(ctx context.Context, opts OrderOptions) (domain.Order, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Order{}, err
	}
	if opts.Status == "" {
		opts.Status = domain.OrderPendingApproval
	}
	if opts.Broker == "" && e.Config != nil {
		opts.Broker = e.Config.Broker.Provider
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	if _, err := r.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Order{}, err
	}
	var strategyID *string
	if opts.StrategyID != "" {
		s, err := r.GetStrategy(ctx, opts.StrategyID)
		if err != nil {
			return domain.Order{}, err
		}
		if s.ProjectID != opts.ProjectID {
			return domain.Order{}, fmt.Errorf("%w: strategy %s belongs to another project", ErrInvalidInput, s.ID)
		}
		strategyID = &s.ID
	}
	var brokerOrderID *string
	if opts.BrokerOrderID != "" {
		brokerOrderID = &opts.BrokerOrderID
	}
	now := e.ts()
	o := domain.Order{
		ID:            uuid.New().String(),
		ProjectID:     opts.ProjectID,
		StrategyID:    strategyID,
		Symbol:        opts.Symbol,
		Side:          opts.Side,
		Quantity:      opts.Quantity,
		Status:        opts.Status,
		Broker:        opts.Broker,
		BrokerOrderID: brokerOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.InsertOrder(ctx, o); err != nil {
		return o, err
	}
	if err := e.appendEvent(ctx, tx, events.OrderRecorded, o.ProjectID, "order", o.ID, opts.ActorID, events.EventPayload{"symbol": o.Symbol, "status": o.Status}); err != nil {
		return o, err
	}
	return o, tx.Commit()
}

type ExecutionOptions struct {
	ProjectID   string `validate:"required"`
	StrategyID  string
	OrderID     string
	Symbol      string  `validate:"required"`
	Quantity    float64 `validate:"gt=0"`
	Price       float64 `validate:"gte=0"`
	RealizedPnL float64
	ExecutedAt  string
	ActorID     string `validate:"required"`
}

// RecordExecution stores a fill. Executions feed team performance snapshots
// through the strategy that produced them.
func (e Engine) RecordExecution(ctx context.Context, opts ExecutionOptions) (domain.Execution, error) {
	if err := validateOptions(opts); err != nil {
		return domain.Execution{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	r := e.Repo.Tx(tx)
	if _, err := r.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Execution{}, err
	}
	x := domain.Execution{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		Symbol:      opts.Symbol,
		Quantity:    opts.Quantity,
		Price:       opts.Price,
		RealizedPnL: opts.RealizedPnL,
		ExecutedAt:  opts.ExecutedAt,
	}
	if x.ExecutedAt == "" {
		x.ExecutedAt = e.ts()
	}
	if opts.OrderID != "" {
		o, err := r.GetOrder(ctx, opts.OrderID)
		if err != nil {
			return x, err
		}
		x.OrderID = &o.ID
		if opts.StrategyID == "" && o.StrategyID != nil {
			opts.StrategyID = *o.StrategyID
		}
	}
	if opts.StrategyID != "" {
		s, err := r.GetStrategy(ctx, opts.StrategyID)
		if err != nil {
			return x, err
		}
		x.StrategyID = &s.ID
	}
	if err := r.InsertExecution(ctx, x); err != nil {
		return x, err
	}
	if err := e.appendEvent(ctx, tx, events.ExecutionRecorded, x.ProjectID, "execution", x.ID, opts.ActorID, events.EventPayload{"symbol": x.Symbol, "pnl": x.RealizedPnL}); err != nil {
		return x, err
	}
	return x, tx.Commit()
}
