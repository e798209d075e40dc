package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentforge/internal/app"
	"agentforge/internal/config"
	"agentforge/internal/dashboard"
	"agentforge/internal/db"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/jobs"
	"agentforge/internal/logging"
	"agentforge/internal/migrate"
	"agentforge/internal/repo"
	"agentforge/internal/server"
	forgesdk "agentforge/sdk/go"
)

var (
	v        = config.NewViper()
	settings config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "AgentForge CLI",
	Long: `AgentForge runs agent teams through a phased business plan and moves their
strategy candidates and phase deliverables through gated lifecycles.
- Project: the business being built; it sits in one phase at a time.
- Teams: groups of agents; phase task generation creates their work.
- Candidates: strategies (research -> backtest -> paper -> staged_live -> full_live)
  or deliverables (phase_1 ... phase_6). Each stage is submitted, approved by
  every required role, then promoted one step at a time.
- Worker: background jobs for phase tasks, team snapshots, broker
  reconciliation and automatic stage progression.
- Event log: every change, view with 'forge log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings = config.LoadSettings(v)
		if _, err := logging.Init(settings.LogLevel); err != nil {
			return err
		}
		_, err := db.EnsureWorkspace(settings.Workspace)
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = zap.L().Sync()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(candidateCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return v.GetString("actor-id") }

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage the project"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPhaseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc, configFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project at phase 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt app.Runtime) error {
				e, err := rt.Engine(ctx, id)
				if err != nil {
					return err
				}
				if configFile == "" {
					if _, err := os.Stat(config.Path(settings.Workspace)); err == nil {
						configFile = config.Path(settings.Workspace)
					}
				}
				if configFile != "" {
					cfg, err := config.FromFile(configFile)
					if err != nil {
						return err
					}
					cfg.Project.ID = id
					if e, err = engine.New(rt.DB, cfg); err != nil {
						return err
					}
				}
				p, err := e.InitProject(ctx, engine.ProjectOptions{ID: id, Name: name, Description: desc, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config to seed (default agentforge.yml in the workspace when present)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase <number>",
		Short: "Move the project to another configured phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var phase int
			if _, err := fmt.Sscanf(args[0], "%d", &phase); err != nil {
				return fmt.Errorf("invalid phase %q", args[0])
			}
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				p, err := e.SetProjectPhase(ctx, projectID, phase, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				data, err := e.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default <project-id>",
		Short: "Print the default config, ready to edit and import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(args[0]))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store a YAML config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imported, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				if err := e.ImportConfig(ctx, projectID, imported, actorID()); err != nil {
					return err
				}
				fmt.Printf("Imported config into project %s\n", projectID)
				return nil
			})
		},
	})
	return cfg
}

// --- teams ---

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage agent teams"}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamMemberCmd())
	team.AddCommand(teamTaskCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var teamType, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				t, err := e.CreateTeam(ctx, engine.TeamOptions{ProjectID: projectID, TeamType: teamType, Name: name, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&teamType, "type", "", "team type (e.g. quant, marketing)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				teams, err := e.Repo.ListTeams(ctx, projectID)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(teams)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Name", "Created"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.TeamType, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func teamMemberCmd() *cobra.Command {
	var teamID, agent, role string
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Add an agent to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, _ string, e engine.Engine) error {
				m, err := e.AddTeamMember(ctx, engine.MemberOptions{TeamID: teamID, AgentName: agent, Role: role, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&agent, "agent", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "member", "role within the team")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func teamTaskCmd() *cobra.Command {
	var teamID, taskType, title, input string
	var phase int
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create a team task (idempotent on team, type, title)",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseJSONFlag("input", input)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, _ string, e engine.Engine) error {
				task, created, err := e.CreateTeamTask(ctx, engine.TeamTaskOptions{
					TeamID: teamID, TaskType: taskType, Title: title, PhaseNumber: phase, Input: in, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				if !created && !v.GetBool("json") {
					fmt.Println("task already exists")
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().IntVar(&phase, "phase", 0, "phase number")
	cmd.Flags().StringVar(&input, "input", "", "task input as a JSON object")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// --- candidates ---

func candidateCmd() *cobra.Command {
	c := &cobra.Command{Use: "candidate", Short: "Manage strategy and deliverable candidates"}
	c.AddCommand(candidateCreateCmd())
	c.AddCommand(candidateListCmd())
	c.AddCommand(candidateShowCmd())
	c.AddCommand(candidateSubmitCmd())
	c.AddCommand(candidateApproveCmd())
	c.AddCommand(candidatePromoteCmd())
	return c
}

func candidateCreateCmd() *cobra.Command {
	var kind, name, teamID, params string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a candidate at the first stage of its lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseJSONFlag("params", params)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				c, err := e.CreateCandidate(ctx, engine.CandidateOptions{
					ProjectID: projectID, Kind: domain.Kind(kind), Name: name, Params: p, TeamID: teamID, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindStrategy), "strategy or deliverable")
	cmd.Flags().StringVar(&name, "name", "", "candidate name")
	cmd.Flags().StringVar(&teamID, "team", "", "owning team id")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func candidateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				items, err := e.ListCandidates(ctx, projectID, domain.Status(status))
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				renderCandidates(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func candidateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a candidate with approvals and transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCandidate(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCandidate(ctx, args[0])
				if err != nil {
					return err
				}
				approvals, err := e.Approvals(ctx, c.ID, "")
				if err != nil {
					return err
				}
				transitions, err := e.Repo.ListTransitions(ctx, c.ProjectID, c.ID, 0)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"candidate": c, "approvals": approvals, "transitions": transitions})
				}
				renderCandidates([]domain.Candidate{c})
				renderApprovals(approvals)
				tw := newTable()
				tw.AppendHeader(table.Row{"From", "To", "Reason", "Actor", "At"})
				for _, t := range transitions {
					tw.AppendRow(table.Row{t.FromStage, t.ToStage, t.Reason, t.ActorID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func candidateSubmitCmd() *cobra.Command {
	var stageName, artifact string
	var risk, ret, drawdown, sharpe float64
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a stage for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseJSONFlag("artifact", artifact)
			if err != nil {
				return err
			}
			var m domain.StageMetrics
			flags := cmd.Flags()
			if flags.Changed("risk-score") {
				m.RiskScore = &risk
			}
			if flags.Changed("expected-return") {
				m.ExpectedReturn = &ret
			}
			if flags.Changed("max-drawdown") {
				m.MaxDrawdown = &drawdown
			}
			if flags.Changed("sharpe") {
				m.Sharpe = &sharpe
			}
			return withCandidate(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				c, err := e.SubmitStage(ctx, engine.SubmitOptions{
					CandidateID: args[0], Stage: stageName, Artifact: a, Metrics: m, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "stage to submit")
	cmd.Flags().StringVar(&artifact, "artifact", "", "stage artifact as a JSON object")
	cmd.Flags().Float64Var(&risk, "risk-score", 0, "risk score")
	cmd.Flags().Float64Var(&ret, "expected-return", 0, "expected return")
	cmd.Flags().Float64Var(&drawdown, "max-drawdown", 0, "max drawdown")
	cmd.Flags().Float64Var(&sharpe, "sharpe", 0, "sharpe ratio")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func candidateApproveCmd() *cobra.Command {
	var stageName, role, feedback string
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record a role's decision for the stage under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCandidate(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveStage(ctx, engine.ApproveOptions{
					CandidateID: args[0], Stage: stageName, Role: domain.Role(role),
					Approved: !reject, Feedback: feedback, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "stage under review")
	cmd.Flags().StringVar(&role, "role", "", "approver role (ceo, user)")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func candidatePromoteCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Promote a candidate to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCandidate(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				res, err := e.PromoteCandidate(ctx, engine.PromoteOptions{CandidateID: args[0], TargetStage: target, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- trading ---

func orderCmd() *cobra.Command {
	var o engine.OrderOptions
	var status string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record an internally tracked order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				o.ProjectID = projectID
				o.Status = domain.OrderStatus(status)
				o.ActorID = actorID()
				order, err := e.RecordOrder(ctx, o)
				if err != nil {
					return err
				}
				return printJSONOrTable(order)
			})
		},
	}
	record.Flags().StringVar(&o.StrategyID, "strategy", "", "strategy id")
	record.Flags().StringVar(&o.Symbol, "symbol", "", "symbol")
	record.Flags().StringVar(&o.Side, "side", "buy", "buy or sell")
	record.Flags().Float64Var(&o.Quantity, "qty", 0, "quantity")
	record.Flags().StringVar(&status, "status", "", "order status (default pending_approval)")
	record.Flags().StringVar(&o.Broker, "broker", "", "broker provider")
	record.Flags().StringVar(&o.BrokerOrderID, "broker-order-id", "", "broker order id")
	_ = record.MarkFlagRequired("symbol")
	cmd := &cobra.Command{Use: "order", Short: "Manage orders"}
	cmd.AddCommand(record)
	return cmd
}

func executionCmd() *cobra.Command {
	var x engine.ExecutionOptions
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a fill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				x.ProjectID = projectID
				x.ActorID = actorID()
				exec, err := e.RecordExecution(ctx, x)
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	record.Flags().StringVar(&x.StrategyID, "strategy", "", "strategy id")
	record.Flags().StringVar(&x.OrderID, "order", "", "order id")
	record.Flags().StringVar(&x.Symbol, "symbol", "", "symbol")
	record.Flags().Float64Var(&x.Quantity, "qty", 0, "quantity")
	record.Flags().Float64Var(&x.Price, "price", 0, "fill price")
	record.Flags().Float64Var(&x.RealizedPnL, "pnl", 0, "realized PnL")
	record.Flags().StringVar(&x.ExecutedAt, "at", "", "execution time (RFC3339)")
	_ = record.MarkFlagRequired("symbol")
	cmd := &cobra.Command{Use: "execution", Short: "Manage executions"}
	cmd.AddCommand(record)
	return cmd
}

// --- worker ---

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run background jobs"}
	w.AddCommand(workerRunCmd())
	w.AddCommand(workerLoopCmd())
	w.AddCommand(workerTriggerCmd())
	return w
}

func workerOptions(jobTypes []string, phase int) (jobs.Options, error) {
	types, err := jobs.ParseJobTypes(jobTypes)
	if err != nil {
		return jobs.Options{}, err
	}
	opts := jobs.Options{JobTypes: types, ActorID: actorID()}
	if phase > 0 {
		opts.PhaseNumber = &phase
	}
	return opts, nil
}

func workerRunCmd() *cobra.Command {
	var jobTypes []string
	var phase int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := workerOptions(jobTypes, phase)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt app.Runtime) error {
				projectID, e, err := projectEngine(ctx, rt)
				if err != nil {
					return err
				}
				summaries, err := rt.Runner(e).Run(ctx, projectID, opts)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(summaries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Job", "Status", "Run", "Error"})
				for _, s := range summaries {
					tw.AppendRow(table.Row{s.JobType, s.Status, s.JobRunID, s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&jobTypes, "jobs", nil, "job types to run (default all)")
	cmd.Flags().IntVar(&phase, "phase", 0, "phase for task generation (default current)")
	return cmd
}

func workerLoopCmd() *cobra.Command {
	var jobTypes []string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run job batches on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := workerOptions(jobTypes, 0)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				interval = settings.WorkerInterval
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt app.Runtime) error {
				projectID, e, err := projectEngine(ctx, rt)
				if err != nil {
					return err
				}
				zap.S().Named("worker").Infow("worker loop started", "project_id", projectID, "interval", interval)
				return rt.Runner(e).Loop(ctx, projectID, interval, opts)
			})
		},
	}
	cmd.Flags().StringSliceVar(&jobTypes, "jobs", nil, "job types to run (default all)")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "time between batches")
	return cmd
}

func workerTriggerCmd() *cobra.Command {
	var baseURL, token string
	var jobTypes []string
	var phase int
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running server to run a batch of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := v.GetString("project")
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			client := forgesdk.New(baseURL, projectID)
			client.BearerToken = token
			client.ActorID = actorID()
			var p *int
			if phase > 0 {
				p = &phase
			}
			summaries, err := client.RunWorkerJobs(cmd.Context(), jobTypes, p)
			if err != nil {
				return err
			}
			return printJSON(summaries)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("FORGE_TOKEN"), "bearer token")
	cmd.Flags().StringSliceVar(&jobTypes, "jobs", nil, "job types to run (default all)")
	cmd.Flags().IntVar(&phase, "phase", 0, "phase for task generation")
	return cmd
}

// --- dashboard, log, serve ---

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show teams, candidates, approvals, risk and PnL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt app.Runtime) error {
				projectID, err := app.ResolveProject(ctx, repo.Repo{DB: rt.DB}, v.GetString("project"))
				if err != nil {
					return err
				}
				d, err := dashboard.Build(ctx, rt.DB, projectID)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(d)
				}
				renderDashboard(d)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, projectID string, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(tail)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.JWTSecret == "" {
				return fmt.Errorf("FORGE_JWT_SECRET is required for bearer auth")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt app.Runtime) error {
				handler, err := server.New(server.Config{
					Runtime:  rt,
					BasePath: basePath,
					Logger:   zap.L(),
					Auth: server.AuthConfig{
						JWTSecret:              settings.JWTSecret,
						AllowLegacyActorHeader: settings.AllowLegacyActorHeader,
						DevLogin:               settings.DevLogin,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				zap.S().Named("server").Infow("serving AgentForge API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, app.Runtime) error) error {
	conn, err := db.Open(db.Config{Workspace: settings.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	rt, err := app.NewRuntime(ctx, conn, settings)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func projectEngine(ctx context.Context, rt app.Runtime) (string, engine.Engine, error) {
	projectID, err := app.ResolveProject(ctx, repo.Repo{DB: rt.DB}, v.GetString("project"))
	if err != nil {
		return "", engine.Engine{}, err
	}
	e, err := rt.Engine(ctx, projectID)
	return projectID, e, err
}

func withProject(ctx context.Context, fn func(context.Context, string, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt app.Runtime) error {
		projectID, e, err := projectEngine(ctx, rt)
		if err != nil {
			return err
		}
		return fn(ctx, projectID, e)
	})
}

// withCandidate builds the engine of the project that owns candidateID.
func withCandidate(ctx context.Context, candidateID string, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt app.Runtime) error {
		c, err := repo.Repo{DB: rt.DB}.GetCandidate(ctx, candidateID)
		if err != nil {
			return fmt.Errorf("candidate %s: %w", candidateID, err)
		}
		e, err := rt.Engine(ctx, c.ProjectID)
		if err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func parseJSONFlag(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return out, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderCandidates(items []domain.Candidate) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Stage", "Review", "Status"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.Kind, c.Name, c.CurrentStage, optional(c.ReviewStage), c.Status})
	}
	tw.Render()
}

func renderApprovals(items []domain.Approval) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Candidate", "Stage", "Role", "Status", "Approver", "Feedback"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.CandidateID, a.Stage, a.Role, a.Status, a.ApproverID, a.Feedback})
	}
	tw.Render()
}

func renderDashboard(d dashboard.Dashboard) {
	fmt.Printf("%s (%s) phase %d\n", d.Project.Name, d.Project.ID, d.Project.CurrentPhase)
	tw := newTable()
	tw.SetTitle("Teams")
	tw.AppendHeader(table.Row{"ID", "Type", "Name", "Members"})
	for _, t := range d.Teams {
		tw.AppendRow(table.Row{t.ID, t.TeamType, t.Name, t.Members})
	}
	tw.Render()
	renderCandidates(d.Candidates)
	renderApprovals(d.PendingApprovals)

	risk := newTable()
	risk.SetTitle("Risk and PnL")
	risk.AppendRows([]table.Row{
		{"open orders", d.Risk.OpenOrders},
		{"unreconciled orders", d.Risk.MismatchedOrders},
		{"avg risk score", optionalFloat(d.Risk.AvgRiskScore)},
		{"worst drawdown", optionalFloat(d.Risk.WorstDrawdown)},
		{"total pnl", fmt.Sprintf("%.2f", d.PnL.Total)},
		{"executions", d.PnL.Executions},
	})
	risk.Render()
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *f)
}

func printJSONOrTable(v any) error {
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
