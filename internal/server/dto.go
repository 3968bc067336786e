package server

import (
	"strings"
	"time"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/sdlc"
)

// Request payloads

type InferIntentRequest struct {
	Command   string            `json:"command" minLength:"1" example:"release production"`
	ProjectID string            `json:"project_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

type IntentRequest struct {
	Name       string            `json:"intent" minLength:"1" example:"release"`
	Target     string            `json:"target,omitempty" example:"production"`
	Modifiers  []domain.Modifier `json:"modifiers,omitempty"`
	Confidence *float64          `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

func (r IntentRequest) intent() domain.Intent {
	in := domain.Intent{
		Name:       strings.ToLower(strings.TrimSpace(r.Name)),
		Target:     strings.ToLower(strings.TrimSpace(r.Target)),
		Modifiers:  r.Modifiers,
		Confidence: 1,
	}
	if r.Confidence != nil {
		in.Confidence = *r.Confidence
	}
	return in
}

type AssessRiskRequest struct {
	Intent    IntentRequest `json:"intent"`
	ProjectID string        `json:"project_id,omitempty"`
}

type ExecuteRequest struct {
	Intent         IntentRequest  `json:"intent"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" minimum:"0"`
	Confirmed      bool           `json:"confirmed,omitempty"`
}

type RunRequest struct {
	Command        string            `json:"command" minLength:"1" example:"analyze security"`
	Context        map[string]string `json:"context,omitempty"`
	Params         map[string]any    `json:"params,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" minimum:"0"`
	Confirmed      bool              `json:"confirmed,omitempty"`
}

func (r RunRequest) engineRequest(userID, projectID string) engine.RunRequest {
	return engine.RunRequest{
		Command:   r.Command,
		UserID:    userID,
		ProjectID: projectID,
		Context:   r.Context,
		Params:    r.Params,
		Timeout:   time.Duration(r.TimeoutSeconds) * time.Second,
		Confirmed: r.Confirmed,
	}
}

type TransitionRequest struct {
	Phase string `json:"phase" enum:"PLANNING,DEVELOPMENT,TESTING,STAGING,PRODUCTION"`
}

type MetricsRequest struct {
	TestCoverage       *float64   `json:"test_coverage,omitempty" minimum:"0" maximum:"1"`
	OpenIssues         *int       `json:"open_issues,omitempty" minimum:"0"`
	TotalIssues        *int       `json:"total_issues,omitempty" minimum:"0"`
	LastDeploymentTime *time.Time `json:"last_deployment_time,omitempty"`
}

func (r MetricsRequest) update() sdlc.MetricsUpdate {
	return sdlc.MetricsUpdate{
		TestCoverage:       r.TestCoverage,
		OpenIssues:         r.OpenIssues,
		TotalIssues:        r.TotalIssues,
		LastDeploymentTime: r.LastDeploymentTime,
	}
}

type CustomMetricRequest struct {
	Value any `json:"value"`
}

type RegisterIntentRequest struct {
	Name         string   `json:"name" minLength:"1" example:"rollback"`
	Description  string   `json:"description,omitempty"`
	ValidTargets []string `json:"valid_targets,omitempty"`
	Synonyms     []string `json:"synonyms,omitempty"`
	DefaultRisk  string   `json:"default_risk,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Examples     []string `json:"examples,omitempty"`
}

func (r RegisterIntentRequest) definition() domain.IntentDefinition {
	return domain.IntentDefinition{
		Name:         r.Name,
		Description:  r.Description,
		ValidTargets: r.ValidTargets,
		Synonyms:     r.Synonyms,
		DefaultRisk:  domain.RiskLevel(r.DefaultRisk),
		Examples:     r.Examples,
	}
}

// Responses

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type executionList struct {
	Items []domain.ExecutionResult `json:"items"`
}

type intentList struct {
	Items []domain.IntentDefinition `json:"items"`
}
