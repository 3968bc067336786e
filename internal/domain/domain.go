package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ClarificationThreshold is the confidence below which an intent needs clarification.
const ClarificationThreshold = 0.7

type Modifier struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Intent struct {
	Name           string          `json:"intent"`
	Target         string          `json:"target,omitempty"`
	Modifiers      []Modifier      `json:"modifiers,omitempty"`
	Confidence     float64         `json:"confidence" minimum:"0" maximum:"1"`
	Explanation    string          `json:"explanation,omitempty"`
	Clarifications []string        `json:"clarifications,omitempty"`
	Method         InferenceMethod `json:"method,omitempty" enum:"template,llm,template-fallback,template-with-clarification"`
}

func (i Intent) NeedsClarification() bool {
	return len(i.Clarifications) > 0 || i.Confidence < ClarificationThreshold
}

// Modifier returns the first modifier value stored under key.
func (i Intent) Modifier(key string) (string, bool) {
	for _, m := range i.Modifiers {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// String renders the intent as "<name> <target>".
func (i Intent) String() string {
	if i.Target == "" {
		return i.Name
	}
	return i.Name + " " + i.Target
}

type ProjectState struct {
	ProjectID          string         `json:"project_id"`
	Phase              Phase          `json:"phase" enum:"PLANNING,DEVELOPMENT,TESTING,STAGING,PRODUCTION"`
	RiskLevel          RiskLevel      `json:"risk_level" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	RiskScore          float64        `json:"risk_score"`
	TestCoverage       *float64       `json:"test_coverage,omitempty"`
	OpenIssues         int            `json:"open_issues"`
	TotalIssues        int            `json:"total_issues"`
	LastDeploymentTime *time.Time     `json:"last_deployment_time,omitempty"`
	ReleaseReadiness   float64        `json:"release_readiness"`
	CustomMetrics      map[string]any `json:"custom_metrics,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy that shares no pointers or maps with s.
func (s ProjectState) Clone() ProjectState {
	out := s
	if s.TestCoverage != nil {
		v := *s.TestCoverage
		out.TestCoverage = &v
	}
	if s.LastDeploymentTime != nil {
		v := *s.LastDeploymentTime
		out.LastDeploymentTime = &v
	}
	if s.CustomMetrics != nil {
		out.CustomMetrics = make(map[string]any, len(s.CustomMetrics))
		for k, v := range s.CustomMetrics {
			out.CustomMetrics[k] = v
		}
	}
	return out
}

type RiskAssessment struct {
	Level                RiskLevel `json:"level" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Explanation          string    `json:"explanation"`
	ImpactDescription    string    `json:"impact_description"`
	Concerns             []string  `json:"concerns"`
}

type PhaseResult struct {
	AgentType   string         `json:"agent_type"`
	Phase       AgentPhase     `json:"phase" enum:"PLAN,ACT,OBSERVE,REFLECT"`
	Status      Status         `json:"status" enum:"SUCCESS,FAILURE,PARTIAL,SKIPPED"`
	Data        map[string]any `json:"data,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at" format:"date-time"`
	CompletedAt time.Time      `json:"completed_at" format:"date-time"`
}

func (r PhaseResult) IsFailure() bool { return r.Status == StatusFailure }

type ExecutionResult struct {
	ExecutionID   string          `json:"execution_id"`
	ProjectID     string          `json:"project_id"`
	UserID        string          `json:"user_id"`
	Intent        Intent          `json:"intent"`
	OverallStatus Status          `json:"overall_status" enum:"SUCCESS,FAILURE,PARTIAL,SKIPPED"`
	Summary       string          `json:"summary"`
	DurationMS    int64           `json:"duration_ms"`
	Results       []PhaseResult   `json:"results"`
	Assessment    *RiskAssessment `json:"assessment,omitempty"`
	StartedAt     time.Time       `json:"started_at" format:"date-time"`
}

type ReadinessAssessment struct {
	ProjectID       string          `json:"project_id"`
	Score           float64         `json:"score"`
	Status          ReadinessStatus `json:"status" enum:"READY,ALMOST_READY,NOT_READY,BLOCKED"`
	ReadyFactors    []string        `json:"ready_factors"`
	BlockingFactors []string        `json:"blocking_factors"`
	AssessedAt      time.Time       `json:"assessed_at" format:"date-time"`
}

// IntentDefinition is a registry entry describing one supported intent.
type IntentDefinition struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ValidTargets []string  `json:"valid_targets,omitempty"`
	Synonyms     []string  `json:"synonyms,omitempty"`
	DefaultRisk  RiskLevel `json:"default_risk,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Examples     []string  `json:"examples,omitempty"`
}

// AcceptsTarget reports whether target is allowed. An empty target is always allowed,
// as is any target for intents without a declared list.
func (d IntentDefinition) AcceptsTarget(target string) bool {
	if target == "" || len(d.ValidTargets) == 0 {
		return true
	}
	for _, t := range d.ValidTargets {
		if strings.EqualFold(t, target) {
			return true
		}
	}
	return false
}

// ExecutionFilter narrows execution history queries.
type ExecutionFilter struct {
	ProjectID string
	UserID    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
