package shiplinesdk

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

// Client is a minimal Shipline HTTP API client.
type Client struct {
	BaseURL   string
	BasePath  string
	ProjectID string
	// UserID is sent as X-User-Id when the server runs without a JWT secret.
	UserID      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// Modifier is a key/value qualifier on an intent.
type Modifier struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Intent is an inferred or caller-built intent.
type Intent struct {
	Name           string     `json:"intent"`
	Target         string     `json:"target,omitempty"`
	Modifiers      []Modifier `json:"modifiers,omitempty"`
	Confidence     float64    `json:"confidence"`
	Explanation    string     `json:"explanation,omitempty"`
	Clarifications []string   `json:"clarifications,omitempty"`
	Method         string     `json:"method,omitempty"`
}

// RiskAssessment is the policy verdict for an intent.
type RiskAssessment struct {
	Level                string   `json:"level"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	Explanation          string   `json:"explanation"`
	ImpactDescription    string   `json:"impact_description"`
	Concerns             []string `json:"concerns"`
}

// PhaseResult is one protocol step of a run.
type PhaseResult struct {
	AgentType string         `json:"agent_type"`
	Phase     string         `json:"phase"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Execution is a recorded run (partial).
type Execution struct {
	ExecutionID   string          `json:"execution_id"`
	ProjectID     string          `json:"project_id"`
	UserID        string          `json:"user_id"`
	Intent        Intent          `json:"intent"`
	OverallStatus string          `json:"overall_status"`
	Summary       string          `json:"summary"`
	DurationMS    int64           `json:"duration_ms"`
	Results       []PhaseResult   `json:"results"`
	Assessment    *RiskAssessment `json:"assessment,omitempty"`
	StartedAt     string          `json:"started_at"`
}

// RunResult is returned by Run. Execution is nil when the command needs clarification.
type RunResult struct {
	Intent     Intent         `json:"intent"`
	Assessment RiskAssessment `json:"assessment"`
	Execution  *Execution     `json:"execution,omitempty"`
}

// ProjectState represents lifecycle state (partial).
type ProjectState struct {
	ProjectID          string         `json:"project_id"`
	Phase              string         `json:"phase"`
	RiskLevel          string         `json:"risk_level"`
	RiskScore          float64        `json:"risk_score"`
	TestCoverage       *float64       `json:"test_coverage,omitempty"`
	OpenIssues         int            `json:"open_issues"`
	TotalIssues        int            `json:"total_issues"`
	LastDeploymentTime string         `json:"last_deployment_time,omitempty"`
	ReleaseReadiness   float64        `json:"release_readiness"`
	CustomMetrics      map[string]any `json:"custom_metrics,omitempty"`
}

// Readiness is a release readiness assessment.
type Readiness struct {
	ProjectID       string   `json:"project_id"`
	Score           float64  `json:"score"`
	Status          string   `json:"status"`
	ReadyFactors    []string `json:"ready_factors"`
	BlockingFactors []string `json:"blocking_factors"`
}

// Metrics carries a partial metrics update; nil fields are left unchanged.
type Metrics struct {
	TestCoverage       *float64   `json:"test_coverage,omitempty"`
	OpenIssues         *int       `json:"open_issues,omitempty"`
	TotalIssues        *int       `json:"total_issues,omitempty"`
	LastDeploymentTime *time.Time `json:"last_deployment_time,omitempty"`
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
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NeedsConfirmation reports whether the server declined a run pending confirmation.
func (e *APIError) NeedsConfirmation() bool {
	return e.StatusCode == http.StatusPreconditionRequired
}

// InferIntent asks the server what command means.
func (c *Client) InferIntent(ctx context.Context, command string) (Intent, error) {
	body := map[string]any{"command": command, "project_id": c.ProjectID}
	var resp Intent
	err := c.do(ctx, http.MethodPost, "intents/infer", body, &resp)
	return resp, err
}

// AssessRisk rates an intent against the client's project.
func (c *Client) AssessRisk(ctx context.Context, in Intent) (RiskAssessment, error) {
	body := map[string]any{
		"intent":     map[string]any{"intent": in.Name, "target": in.Target, "modifiers": in.Modifiers},
		"project_id": c.ProjectID,
	}
	var resp RiskAssessment
	err := c.do(ctx, http.MethodPost, "risk/assess", body, &resp)
	return resp, err
}

// Run infers, assesses and executes command. Risky commands fail with a 428 APIError
// unless confirmed is true.
func (c *Client) Run(ctx context.Context, command string, confirmed bool) (RunResult, error) {
	body := map[string]any{"command": command, "confirmed": confirmed}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, c.projectPath("run"), body, &resp)
	return resp, err
}

// InitProject starts tracking the client's project.
func (c *Client) InitProject(ctx context.Context) (ProjectState, error) {
	var resp ProjectState
	err := c.do(ctx, http.MethodPost, c.projectPath(""), nil, &resp)
	return resp, err
}

// GetState returns the current lifecycle state.
func (c *Client) GetState(ctx context.Context) (ProjectState, error) {
	var resp ProjectState
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// TransitionTo moves the project to an adjacent phase.
func (c *Client) TransitionTo(ctx context.Context, phase string) (ProjectState, error) {
	var resp ProjectState
	err := c.do(ctx, http.MethodPost, c.projectPath("transition"), map[string]any{"phase": phase}, &resp)
	return resp, err
}

// UpdateMetrics applies a partial metrics update.
func (c *Client) UpdateMetrics(ctx context.Context, m Metrics) (ProjectState, error) {
	var resp ProjectState
	err := c.do(ctx, http.MethodPatch, c.projectPath("metrics"), m, &resp)
	return resp, err
}

// Readiness returns the release readiness assessment.
func (c *Client) Readiness(ctx context.Context) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, c.projectPath("readiness"), nil, &resp)
	return resp, err
}

// Executions lists recent runs for the project.
func (c *Client) Executions(ctx context.Context, limit int) ([]Execution, error) {
	endpoint := c.projectPath("executions")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
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
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return fmt.Sprintf("projects/%s", project)
	}
	return fmt.Sprintf("projects/%s/%s", project, p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
