package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"agentforge/internal/app"
	"agentforge/internal/approval"
	"agentforge/internal/broker"
	"agentforge/internal/dashboard"
	"agentforge/internal/domain"
	"agentforge/internal/engine"
	"agentforge/internal/jobs"
	"agentforge/internal/logging"
	"agentforge/internal/repo"
	"agentforge/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  app.Runtime
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approval_incomplete"`
	Message string         `json:"message" example:"backtest requires ceo approval before promotion"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing_roles\":[\"ceo\"]}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T `json:"body"`
}

func respond[T any](body T) *response[T] {
	return &response[T]{Body: body}
}

type handlers struct {
	rt   app.Runtime
	auth AuthConfig
	now  func() time.Time
}

// New returns an HTTP handler exposing the AgentForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Runtime.DB == nil {
		return nil, errors.New("server: runtime database is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, logging.HTTP(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("AgentForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := handlers{rt: cfg.Runtime, auth: cfg.Auth, now: cfg.Now}
	if a.now == nil {
		a.now = time.Now
	}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerProjects(group)
	a.registerTeams(group)
	a.registerCandidates(group)
	a.registerTrading(group)
	a.registerJobs(group)
	a.registerDashboard(group)
	a.registerEvents(group)
	if cfg.Auth.DevLogin {
		a.registerDevAuth(group)
	}
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the API error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var incomplete approval.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		return newAPIError(http.StatusUnprocessableEntity, "approval_incomplete", msg,
			map[string]any{"stage": incomplete.Stage, "missing_roles": incomplete.Missing})
	case errors.Is(err, approval.ErrApprovalNotFound):
		return newAPIError(http.StatusUnprocessableEntity, "approval_not_found", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrSubmissionConflict):
		return newAPIError(http.StatusConflict, "submission_conflict", msg, nil)
	case errors.Is(err, engine.ErrCandidateRejected):
		return newAPIError(http.StatusConflict, "candidate_rejected", msg, nil)
	case errors.Is(err, engine.ErrInvalidStageTransition):
		return newAPIError(http.StatusBadRequest, "invalid_stage_transition", msg, nil)
	case errors.Is(err, engine.ErrInvalidPromotionPath):
		return newAPIError(http.StatusBadRequest, "invalid_promotion_path", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, stage.ErrInvalidStage),
		errors.Is(err, stage.ErrInvalidRole),
		errors.Is(err, stage.ErrUnknownKind):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, broker.ErrExternalSystem):
		return newAPIError(http.StatusBadGateway, "external_system", msg, nil)
	default:
		zap.S().Named("server").Errorw("unhandled error", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AgentForge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

// projectEngine returns the engine for an existing project.
func (a handlers) projectEngine(ctx context.Context, projectID string) (engine.Engine, error) {
	if _, err := (repo.Repo{DB: a.rt.DB}).GetProject(ctx, projectID); err != nil {
		return engine.Engine{}, err
	}
	return a.rt.Engine(ctx, projectID)
}

func (a handlers) candidateEngine(ctx context.Context, candidateID string) (engine.Engine, error) {
	c, err := (repo.Repo{DB: a.rt.DB}).GetCandidate(ctx, candidateID)
	if err != nil {
		return engine.Engine{}, err
	}
	return a.rt.Engine(ctx, c.ProjectID)
}

func (a handlers) teamEngine(ctx context.Context, teamID string) (engine.Engine, error) {
	t, err := (repo.Repo{DB: a.rt.DB}).GetTeam(ctx, teamID)
	if err != nil {
		return engine.Engine{}, err
	}
	return a.rt.Engine(ctx, t.ProjectID)
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func (a handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*response[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		e, err := a.rt.Engine(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.InitProject(ctx, engine.ProjectOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*response[domain.Project], error) {
		p, err := (repo.Repo{DB: a.rt.DB}).GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase",
		Summary:     "Move the project to another configured phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      SetPhaseRequest `json:"body"`
	}) (*response[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetProjectPhase(ctx, input.ProjectID, input.Body.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})
}

func (a handlers) registerTeams(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTeamRequest `json:"body"`
	}) (*response[domain.Team], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTeam(ctx, engine.TeamOptions{
			ProjectID: input.ProjectID,
			TeamType:  input.Body.TeamType,
			Name:      input.Body.Name,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/members",
		Summary:       "Add an agent to a team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string           `path:"team_id"`
		Body   AddMemberRequest `json:"body"`
	}) (*response[domain.TeamMember], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.teamEngine(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddTeamMember(ctx, engine.MemberOptions{
			TeamID:    input.TeamID,
			AgentName: input.Body.AgentName,
			Role:      input.Body.Role,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-team-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks",
		Summary:     "Create a team task; an identical task is returned instead of duplicated",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string                `path:"team_id"`
		Body   CreateTeamTaskRequest `json:"body"`
	}) (*response[domain.TeamTask], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.teamEngine(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		task, _, err := e.CreateTeamTask(ctx, engine.TeamTaskOptions{
			TeamID:      input.TeamID,
			TaskType:    input.Body.TaskType,
			Title:       input.Body.Title,
			PhaseNumber: input.Body.PhaseNumber,
			Input:       input.Body.Input,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(task), nil
	})
}

func (a handlers) registerCandidates(api huma.API) {
	type candidatePath struct {
		CandidateID string `path:"candidate_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-candidate",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/candidates",
		Summary:       "Register a strategy or deliverable candidate",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateCandidateRequest `json:"body"`
	}) (*response[domain.Candidate], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateCandidate(ctx, engine.CandidateOptions{
			ProjectID: input.ProjectID,
			Kind:      input.Body.Kind,
			Name:      input.Body.Name,
			Params:    input.Body.Params,
			TeamID:    input.Body.TeamID,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/candidates",
		Summary:     "List candidates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"draft,in_review,approved,rejected,deployed"`
	}) (*response[[]domain.Candidate], error) {
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListCandidates(ctx, input.ProjectID, domain.Status(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-candidate",
		Method:      http.MethodGet,
		Path:        "/candidates/{candidate_id}",
		Summary:     "Get a candidate with its approvals and transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *candidatePath) (*response[CandidateResponse], error) {
		r := repo.Repo{DB: a.rt.DB}
		c, err := r.GetCandidate(ctx, input.CandidateID)
		if err != nil {
			return nil, handleError(err)
		}
		approvals, err := approval.Ledger{}.List(ctx, a.rt.DB, c.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		transitions, err := r.ListTransitions(ctx, c.ProjectID, c.ID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(CandidateResponse{
			Candidate:   c,
			Approvals:   nonNilSlice(approvals),
			Transitions: nonNilSlice(transitions),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/candidates/{candidate_id}/submit",
		Summary:     "Submit a stage for review",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CandidateID string             `path:"candidate_id"`
		Body        SubmitStageRequest `json:"body"`
	}) (*response[domain.Candidate], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.candidateEngine(ctx, input.CandidateID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.SubmitStage(ctx, engine.SubmitOptions{
			CandidateID: input.CandidateID,
			Stage:       input.Body.Stage,
			Artifact:    input.Body.Artifact,
			Metrics:     input.Body.Metrics,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-stage",
		Method:      http.MethodPost,
		Path:        "/candidates/{candidate_id}/approve",
		Summary:     "Record one role's decision for the stage under review",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CandidateID string              `path:"candidate_id"`
		Body        ApproveStageRequest `json:"body"`
	}) (*response[engine.ApproveResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.candidateEngine(ctx, input.CandidateID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ApproveStage(ctx, engine.ApproveOptions{
			CandidateID: input.CandidateID,
			Stage:       input.Body.Stage,
			Role:        domain.Role(input.Body.Role),
			Approved:    input.Body.Approved,
			Feedback:    input.Body.Feedback,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-candidate",
		Method:      http.MethodPost,
		Path:        "/candidates/{candidate_id}/promote",
		Summary:     "Promote a candidate to the next stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CandidateID string         `path:"candidate_id"`
		Body        PromoteRequest `json:"body"`
	}) (*response[engine.PromoteResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.candidateEngine(ctx, input.CandidateID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.PromoteCandidate(ctx, engine.PromoteOptions{
			CandidateID: input.CandidateID,
			TargetStage: input.Body.TargetStage,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func (a handlers) registerTrading(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-order",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/orders",
		Summary:       "Record an internally tracked order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      RecordOrderRequest `json:"body"`
	}) (*response[domain.Order], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := e.RecordOrder(ctx, engine.OrderOptions{
			ProjectID:     input.ProjectID,
			StrategyID:    input.Body.StrategyID,
			Symbol:        input.Body.Symbol,
			Side:          input.Body.Side,
			Quantity:      input.Body.Quantity,
			Status:        input.Body.Status,
			Broker:        input.Body.Broker,
			BrokerOrderID: input.Body.BrokerOrderID,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-execution",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/executions",
		Summary:       "Record a fill",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      RecordExecutionRequest `json:"body"`
	}) (*response[domain.Execution], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.projectEngine(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		x, err := e.RecordExecution(ctx, engine.ExecutionOptions{
			ProjectID:   input.ProjectID,
			StrategyID:  input.Body.StrategyID,
			OrderID:     input.Body.OrderID,
			Symbol:      input.Body.Symbol,
			Quantity:    input.Body.Quantity,
			Price:       input.Body.Price,
			RealizedPnL: input.Body.RealizedPnL,
			ExecutedAt:  input.Body.ExecutedAt,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(x), nil
	})
}

func (a handlers) runJobs(ctx context.Context, projectID string, opts jobs.Options) (*response[WorkerRunResponse], error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	e, err := a.projectEngine(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	opts.ActorID = actorID
	summaries, err := a.rt.Runner(e).Run(ctx, projectID, opts)
	if err != nil {
		return nil, handleError(err)
	}
	return respond(WorkerRunResponse{Jobs: nonNilSlice(summaries)}), nil
}

func (a handlers) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-phase-tasks",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase-tasks",
		Summary:     "Generate the task set for a phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      PhaseTasksRequest `json:"body" required:"false"`
	}) (*response[WorkerRunResponse], error) {
		return a.runJobs(ctx, input.ProjectID, jobs.Options{
			PhaseNumber: input.Body.PhaseNumber,
			JobTypes:    []domain.JobType{domain.JobPhaseTaskGeneration},
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-worker-jobs",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/worker-runs",
		Summary:     "Run a batch of worker jobs now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      WorkerRunRequest `json:"body" required:"false"`
	}) (*response[WorkerRunResponse], error) {
		types, err := jobs.ParseJobTypes(input.Body.JobTypes)
		if err != nil {
			return nil, handleError(err)
		}
		return a.runJobs(ctx, input.ProjectID, jobs.Options{
			PhaseNumber: input.Body.PhaseNumber,
			JobTypes:    types,
		})
	})
}

func (a handlers) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dashboard",
		Summary:     "Live rollup of teams, candidates, approvals, risk and PnL",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*response[dashboard.Dashboard], error) {
		d, err := dashboard.Build(ctx, a.rt.DB, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})
}

func (a handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,team,team_task,candidate,strategy,order,execution,job_run"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := (repo.Repo{DB: a.rt.DB}).LatestEvents(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})
}

func (a handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*response[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(a.auth.JWTSecret, actor, input.Body.Roles, a.now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
