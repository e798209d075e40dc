package forgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AgentForge HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers
	// accept it only with legacy actor headers enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	CurrentPhase int    `json:"current_phase"`
}

type Team struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TeamType  string `json:"team_type"`
	Name      string `json:"name"`
}

// Candidate represents the API candidate model (partial).
type Candidate struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Kind         string  `json:"kind"`
	Name         string  `json:"name"`
	CurrentStage string  `json:"current_stage"`
	ReviewStage  *string `json:"review_stage,omitempty"`
	Status       string  `json:"status"`
	StrategyID   *string `json:"strategy_id,omitempty"`
}

type Approval struct {
	CandidateID string `json:"candidate_id"`
	Stage       string `json:"stage"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	ApproverID  string `json:"approver_id,omitempty"`
}

type Transition struct {
	ID        int64  `json:"id"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at"`
}

type ApproveResult struct {
	Candidate   Candidate `json:"candidate"`
	Approval    Approval  `json:"approval"`
	AllApproved bool      `json:"all_approved"`
}

type PromoteResult struct {
	Candidate  Candidate  `json:"candidate"`
	Transition Transition `json:"transition"`
	StrategyID *string    `json:"strategy_id,omitempty"`
}

// JobSummary is the outcome of one worker job.
type JobSummary struct {
	JobRunID string         `json:"job_run_id"`
	JobType  string         `json:"job_type"`
	Status   string         `json:"status"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates the client's project.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{"id": c.ProjectID, "name": name, "description": description}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

func (c *Client) CreateTeam(ctx context.Context, teamType, name string) (Team, error) {
	var resp Team
	err := c.do(ctx, http.MethodPost, c.projectPath("teams"), map[string]any{"team_type": teamType, "name": name}, &resp)
	return resp, err
}

// CreateCandidate registers a strategy or deliverable candidate.
func (c *Client) CreateCandidate(ctx context.Context, kind, name string, params map[string]any) (Candidate, error) {
	body := map[string]any{"kind": kind, "name": name}
	if params != nil {
		body["params"] = params
	}
	var resp Candidate
	err := c.do(ctx, http.MethodPost, c.projectPath("candidates"), body, &resp)
	return resp, err
}

// SubmitStage puts a stage under review with its artifact.
func (c *Client) SubmitStage(ctx context.Context, candidateID, stage string, artifact map[string]any) (Candidate, error) {
	body := map[string]any{"stage": stage}
	if artifact != nil {
		body["artifact"] = artifact
	}
	var resp Candidate
	err := c.do(ctx, http.MethodPost, candidatePath(candidateID, "submit"), body, &resp)
	return resp, err
}

// ApproveStage records a decision for role on the stage under review.
func (c *Client) ApproveStage(ctx context.Context, candidateID, stage, role string, approved bool, feedback string) (ApproveResult, error) {
	body := map[string]any{"stage": stage, "role": role, "approved": approved, "feedback": feedback}
	var resp ApproveResult
	err := c.do(ctx, http.MethodPost, candidatePath(candidateID, "approve"), body, &resp)
	return resp, err
}

func (c *Client) PromoteCandidate(ctx context.Context, candidateID, targetStage string) (PromoteResult, error) {
	var resp PromoteResult
	err := c.do(ctx, http.MethodPost, candidatePath(candidateID, "promote"), map[string]any{"target_stage": targetStage}, &resp)
	return resp, err
}

// GeneratePhaseTasks runs phase task generation; a nil phase uses the
// project's current phase.
func (c *Client) GeneratePhaseTasks(ctx context.Context, phase *int) ([]JobSummary, error) {
	body := map[string]any{}
	if phase != nil {
		body["phase_number"] = *phase
	}
	var resp struct {
		Jobs []JobSummary `json:"jobs"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("phase-tasks"), body, &resp)
	return resp.Jobs, err
}

// RunWorkerJobs triggers a worker batch. No job types runs every job.
func (c *Client) RunWorkerJobs(ctx context.Context, jobTypes []string, phase *int) ([]JobSummary, error) {
	body := map[string]any{}
	if len(jobTypes) > 0 {
		body["job_types"] = jobTypes
	}
	if phase != nil {
		body["phase_number"] = *phase
	}
	var resp struct {
		Jobs []JobSummary `json:"jobs"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("worker-runs"), body, &resp)
	return resp.Jobs, err
}

// Dashboard returns the raw dashboard document.
func (c *Client) Dashboard(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.projectPath("dashboard"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func candidatePath(id, action string) string {
	return fmt.Sprintf("v0/candidates/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
