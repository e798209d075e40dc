// Package reconcile compares internally recorded orders against the broker's
// system of record.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentforge/internal/broker"
	"agentforge/internal/domain"
	"agentforge/internal/events"
	"agentforge/internal/metrics"
	"agentforge/internal/repo"
)

const defaultOrderLimit = 500

// BrokerClient lists orders from an external broker.
type BrokerClient interface {
	GetOrders(ctx context.Context, status string, limit int) ([]broker.Order, error)
}

// Registry maps a configured provider name to its client.
type Registry map[string]BrokerClient

type Checker struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Brokers    Registry
	Provider   string
	OrderLimit int
	Now        func() time.Time
}

type Result struct {
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
	Provider   string `json:"provider,omitempty"`
	FetchError string `json:"fetch_error,omitempty"`
	Checked    int    `json:"checked"`
	Matched    int    `json:"matched"`
	Mismatched int    `json:"mismatched"`
	Missing    int    `json:"missing_broker_order"`
	Errors     int    `json:"errors"`
}

// Details flattens the result for a job run record.
func (r Result) Details() map[string]any {
	d := map[string]any{
		"skipped":              r.Skipped,
		"checked":              r.Checked,
		"matched":              r.Matched,
		"mismatched":           r.Mismatched,
		"missing_broker_order": r.Missing,
		"errors":               r.Errors,
	}
	if r.Reason != "" {
		d["reason"] = r.Reason
	}
	if r.Provider != "" {
		d["provider"] = r.Provider
	}
	if r.FetchError != "" {
		d["fetch_error"] = r.FetchError
	}
	return d
}

func (c Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type outcome struct {
	order  domain.Order
	class  domain.Classification
	broker string
	note   string
}

// Run classifies every order that left pending_approval. A broker fetch
// failure does not fail the run: each order is classified as an error instead.
func (c Checker) Run(ctx context.Context, projectID, jobRunID string) (Result, error) {
	provider := strings.TrimSpace(c.Provider)
	res := Result{Provider: provider}
	if provider == "" {
		res.Skipped, res.Reason = true, "no broker provider configured"
		return res, nil
	}
	client, ok := c.Brokers[provider]
	if !ok || client == nil {
		res.Skipped, res.Reason = true, fmt.Sprintf("no client for broker provider %q", provider)
		return res, nil
	}
	orders, err := c.Repo.ListOrders(ctx, projectID)
	if err != nil {
		return res, err
	}
	var checked []domain.Order
	for _, o := range orders {
		if o.Status != domain.OrderPendingApproval {
			checked = append(checked, o)
		}
	}
	if len(checked) == 0 {
		return res, nil
	}

	limit := c.OrderLimit
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	log := zap.S().Named("reconcile")
	remote, fetchErr := client.GetOrders(ctx, "all", limit)
	if fetchErr != nil {
		res.FetchError = fetchErr.Error()
		log.Warnw("broker fetch failed", "project_id", projectID, "provider", provider, "error", fetchErr)
	}
	byID := make(map[string]broker.Order, len(remote))
	for _, o := range remote {
		byID[o.ID] = o
	}

	outcomes := make([]outcome, 0, len(checked))
	for _, o := range checked {
		outcomes = append(outcomes, classify(o, byID, fetchErr))
	}
	if err := c.persist(ctx, projectID, jobRunID, outcomes); err != nil {
		return res, err
	}

	res.Checked = len(outcomes)
	counts := map[domain.Classification]int{}
	for _, out := range outcomes {
		counts[out.class]++
		switch out.class {
		case domain.ClassMatched:
			res.Matched++
		case domain.ClassMismatched:
			res.Mismatched++
		case domain.ClassMissingBrokerOrder:
			res.Missing++
		case domain.ClassError:
			res.Errors++
		}
	}
	for class, n := range counts {
		metrics.IncreaseReconciledOrders(string(class), n)
	}
	if res.Mismatched+res.Missing+res.Errors > 0 {
		log.Infow("reconciliation found discrepancies", "project_id", projectID,
			"mismatched", res.Mismatched, "missing", res.Missing, "errors", res.Errors)
	}
	return res, nil
}

func classify(o domain.Order, remote map[string]broker.Order, fetchErr error) outcome {
	out := outcome{order: o}
	switch {
	case fetchErr != nil:
		out.class = domain.ClassError
		out.note = "broker fetch failed: " + fetchErr.Error()
	case o.BrokerOrderID == nil || *o.BrokerOrderID == "":
		out.class = domain.ClassMissingBrokerOrder
		out.note = "order has no broker order id"
	default:
		b, ok := remote[*o.BrokerOrderID]
		if !ok {
			out.class = domain.ClassMismatched
			out.note = "broker order not found"
			return out
		}
		out.broker = b.Status
		if got := NormalizeStatus(b.Status); got == o.Status {
			out.class = domain.ClassMatched
			out.note = "status matches broker"
		} else {
			out.class = domain.ClassMismatched
			out.note = fmt.Sprintf("internal %s, broker %s", o.Status, got)
		}
	}
	return out
}

// NormalizeStatus maps a broker order status onto the internal order statuses.
func NormalizeStatus(s string) domain.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled":
		return domain.OrderExecuted
	case "canceled", "cancelled", "expired":
		return domain.OrderCancelled
	case "rejected", "failed":
		return domain.OrderFailed
	case "new", "accepted", "pending_new", "partially_filled", "held", "accepted_for_bidding",
		"pending_cancel", "pending_replace", "replaced", "calculated", "done_for_day", "stopped", "suspended":
		return domain.OrderApproved
	}
	return domain.OrderUnknown
}

func (c Checker) persist(ctx context.Context, projectID, jobRunID string, outcomes []outcome) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := c.Repo.Tx(tx)
	w := c.Events
	if w.Now == nil {
		w.Now = c.now
	}
	at := c.now().UTC().Format(time.RFC3339)
	for _, out := range outcomes {
		if err := r.SetOrderReconciliation(ctx, out.order.ID, out.class, out.note, at); err != nil {
			return err
		}
		if out.class == domain.ClassMatched {
			continue
		}
		evt := domain.ReconciliationEvent{
			ID:             uuid.New().String(),
			ProjectID:      projectID,
			JobRunID:       jobRunID,
			OrderID:        out.order.ID,
			BrokerOrderID:  out.order.BrokerOrderID,
			InternalStatus: string(out.order.Status),
			BrokerStatus:   out.broker,
			Classification: out.class,
			Notes:          out.note,
			CreatedAt:      at,
		}
		if err := r.InsertReconciliationEvent(ctx, evt); err != nil {
			return err
		}
		if err := w.Append(ctx, tx, events.OrderReconciled, projectID, "order", out.order.ID, "system", events.EventPayload{"classification": out.class, "note": out.note}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
