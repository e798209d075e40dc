// Package dashboard builds the read-only live rollup for a project.
package dashboard

import (
	"context"
	"database/sql"

	"golang.org/x/sync/errgroup"

	"agentforge/internal/approval"
	"agentforge/internal/domain"
	"agentforge/internal/repo"
)

const recentLimit = 20

type TeamSummary struct {
	domain.Team
	Members int `json:"members"`
}

type Risk struct {
	OpenOrders       int      `json:"open_orders"`
	MismatchedOrders int      `json:"mismatched_orders"`
	AvgRiskScore     *float64 `json:"avg_risk_score,omitempty"`
	WorstDrawdown    *float64 `json:"worst_drawdown,omitempty"`
}

type PnL struct {
	Total      float64            `json:"total"`
	ByStrategy map[string]float64 `json:"by_strategy"`
	Unassigned float64            `json:"unassigned"`
	Executions int                `json:"executions"`
}

type Dashboard struct {
	Project              domain.Project               `json:"project"`
	Teams                []TeamSummary                `json:"teams"`
	Candidates           []domain.Candidate           `json:"candidates"`
	Strategies           []domain.Strategy            `json:"strategies"`
	PendingApprovals     []domain.Approval            `json:"pending_approvals"`
	Risk                 Risk                         `json:"risk"`
	PnL                  PnL                          `json:"pnl"`
	Snapshots            []domain.PerformanceSnapshot `json:"snapshots"`
	Transitions          []domain.TransitionEvent     `json:"transitions"`
	JobRuns              []domain.JobRun              `json:"job_runs"`
	ReconciliationEvents []domain.ReconciliationEvent `json:"reconciliation_events"`
}

// Build reads everything the dashboard shows. It has no side effects.
func Build(ctx context.Context, db *sql.DB, projectID string) (Dashboard, error) {
	r := repo.Repo{DB: db}
	var d Dashboard
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return d, err
	}
	d.Project = project

	var (
		teams      []domain.Team
		members    map[string]int
		orders     []domain.Order
		executions []domain.Execution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		teams, err = r.ListTeams(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		members, err = r.CountTeamMembers(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		d.Candidates, err = r.ListCandidates(gctx, projectID, "")
		return err
	})
	g.Go(func() (err error) {
		d.Strategies, err = r.ListStrategies(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		d.PendingApprovals, err = approval.Ledger{}.Pending(gctx, db, projectID)
		return err
	})
	g.Go(func() (err error) {
		orders, err = r.ListOrders(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		executions, err = r.ListExecutions(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		d.Snapshots, err = r.ListSnapshots(gctx, projectID, recentLimit)
		return err
	})
	g.Go(func() (err error) {
		d.Transitions, err = r.ListTransitions(gctx, projectID, "", recentLimit)
		return err
	})
	g.Go(func() (err error) {
		d.JobRuns, err = r.ListJobRuns(gctx, projectID, recentLimit)
		return err
	})
	g.Go(func() (err error) {
		d.ReconciliationEvents, err = r.ListReconciliationEvents(gctx, projectID, recentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return d, err
	}

	d.Teams = make([]TeamSummary, 0, len(teams))
	for _, t := range teams {
		d.Teams = append(d.Teams, TeamSummary{Team: t, Members: members[t.ID]})
	}
	d.Risk = riskOf(d.Candidates, orders)
	d.PnL = pnlOf(executions)
	return d, nil
}

func riskOf(candidates []domain.Candidate, orders []domain.Order) Risk {
	var risk Risk
	for _, o := range orders {
		if o.Status == domain.OrderPendingApproval || o.Status == domain.OrderApproved {
			risk.OpenOrders++
		}
		if o.ReconciliationStatus != nil && domain.Classification(*o.ReconciliationStatus) != domain.ClassMatched {
			risk.MismatchedOrders++
		}
	}
	var sum float64
	var n int
	for _, c := range candidates {
		if c.Metrics.RiskScore != nil {
			sum += *c.Metrics.RiskScore
			n++
		}
		if dd := c.Metrics.MaxDrawdown; dd != nil {
			if risk.WorstDrawdown == nil || worse(*dd, *risk.WorstDrawdown) {
				v := *dd
				risk.WorstDrawdown = &v
			}
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		risk.AvgRiskScore = &avg
	}
	return risk
}

// worse compares drawdowns by magnitude so both -0.2 and 0.2 rank above 0.1.
func worse(a, b float64) bool {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	return a > b
}

func pnlOf(executions []domain.Execution) PnL {
	p := PnL{ByStrategy: map[string]float64{}, Executions: len(executions)}
	for _, x := range executions {
		p.Total += x.RealizedPnL
		if x.StrategyID == nil {
			p.Unassigned += x.RealizedPnL
			continue
		}
		p.ByStrategy[*x.StrategyID] += x.RealizedPnL
	}
	return p
}
