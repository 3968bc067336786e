// Package sdlc tracks the lifecycle phase of each project and derives its risk and
// release readiness scores.
package sdlc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"shipline/internal/domain"
)

// ErrNotFound matches every not-found error returned by the machine.
var ErrNotFound = domain.ErrNotFound

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrInvalidMetric     = errors.New("invalid metric")
)

type NotFoundError struct {
	ProjectID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("project %s not found", e.ProjectID) }

func (e *NotFoundError) Unwrap() error { return domain.ErrNotFound }

// InvalidTransitionError is returned when a phase change skips a step.
type InvalidTransitionError struct {
	ProjectID string
	From      domain.Phase
	To        domain.Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition for project %s: %s -> %s", e.ProjectID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Store persists project states. Update must run fn and persist its result as one
// atomic read-modify-write per project.
type Store interface {
	Get(ctx context.Context, projectID string) (domain.ProjectState, error)
	// Create stores state unless a state with the same id exists, and returns the stored state.
	Create(ctx context.Context, state domain.ProjectState) (domain.ProjectState, error)
	Update(ctx context.Context, projectID string, fn func(*domain.ProjectState) error) (domain.ProjectState, error)
}

// MetricsUpdate carries the metrics to overwrite. Nil fields are left unchanged.
type MetricsUpdate struct {
	TestCoverage       *float64   `json:"test_coverage,omitempty" minimum:"0" maximum:"1"`
	OpenIssues         *int       `json:"open_issues,omitempty" minimum:"0"`
	TotalIssues        *int       `json:"total_issues,omitempty" minimum:"0"`
	LastDeploymentTime *time.Time `json:"last_deployment_time,omitempty" format:"date-time"`
}

func (u MetricsUpdate) validate() error {
	if u.TestCoverage != nil && (*u.TestCoverage < 0 || *u.TestCoverage > 1) {
		return fmt.Errorf("%w: test coverage %v outside [0,1]", ErrInvalidMetric, *u.TestCoverage)
	}
	if u.OpenIssues != nil && *u.OpenIssues < 0 {
		return fmt.Errorf("%w: open issues must be >= 0", ErrInvalidMetric)
	}
	if u.TotalIssues != nil && *u.TotalIssues < 0 {
		return fmt.Errorf("%w: total issues must be >= 0", ErrInvalidMetric)
	}
	return nil
}

type Machine struct {
	Store Store
	Log   *zap.Logger
	Now   func() time.Time
}

func New(store Store, logger *zap.Logger) Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Machine{Store: store, Log: logger, Now: time.Now}
}

func (m Machine) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m Machine) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

// CanTransition reports whether a project in phase from may move to phase to.
func CanTransition(from, to domain.Phase) bool {
	fi, ti := from.Index(), to.Index()
	if fi < 0 || ti < 0 {
		return false
	}
	d := ti - fi
	return d >= -1 && d <= 1
}

func (m Machine) GetCurrentState(ctx context.Context, projectID string) (domain.ProjectState, error) {
	st, err := m.Store.Get(ctx, projectID)
	if err != nil {
		return domain.ProjectState{}, m.wrap(projectID, err)
	}
	return st, nil
}

// InitializeProject creates the project in PLANNING. Calling it again returns the existing
// state unchanged.
func (m Machine) InitializeProject(ctx context.Context, projectID string) (domain.ProjectState, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.ProjectState{}, errors.New("project id is required")
	}
	zero := 0.0
	st, err := m.Store.Create(ctx, domain.ProjectState{
		ProjectID:        projectID,
		Phase:            domain.PhasePlanning,
		RiskLevel:        domain.RiskLow,
		TestCoverage:     &zero,
		ReleaseReadiness: 0,
		CustomMetrics:    map[string]any{},
		UpdatedAt:        m.now(),
	})
	if err != nil {
		return domain.ProjectState{}, err
	}
	return st, nil
}

func (m Machine) TransitionTo(ctx context.Context, projectID string, to domain.Phase) (domain.ProjectState, error) {
	if !to.Valid() {
		return domain.ProjectState{}, fmt.Errorf("unknown phase %q", to)
	}
	var from domain.Phase
	st, err := m.Store.Update(ctx, projectID, func(s *domain.ProjectState) error {
		from = s.Phase
		if !CanTransition(s.Phase, to) {
			return &InvalidTransitionError{ProjectID: projectID, From: s.Phase, To: to}
		}
		s.Phase = to
		Recompute(s, m.now())
		return nil
	})
	if err != nil {
		return domain.ProjectState{}, m.wrap(projectID, err)
	}
	if from != to {
		m.log().Info("project phase changed",
			zap.String("project_id", projectID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("risk_level", string(st.RiskLevel)))
	}
	return st, nil
}

func (m Machine) UpdateMetrics(ctx context.Context, projectID string, update MetricsUpdate) (domain.ProjectState, error) {
	if err := update.validate(); err != nil {
		return domain.ProjectState{}, err
	}
	st, err := m.Store.Update(ctx, projectID, func(s *domain.ProjectState) error {
		if update.TestCoverage != nil {
			v := *update.TestCoverage
			s.TestCoverage = &v
		}
		if update.OpenIssues != nil {
			s.OpenIssues = *update.OpenIssues
		}
		if update.TotalIssues != nil {
			s.TotalIssues = *update.TotalIssues
		}
		if update.LastDeploymentTime != nil {
			v := update.LastDeploymentTime.UTC()
			s.LastDeploymentTime = &v
		}
		Recompute(s, m.now())
		return nil
	})
	if err != nil {
		return domain.ProjectState{}, m.wrap(projectID, err)
	}
	return st, nil
}

// AddCustomMetric stores a custom metric. Keys prefixed with risk_ or readiness_ feed the scores
// and trigger a recompute.
func (m Machine) AddCustomMetric(ctx context.Context, projectID, key string, value any) (domain.ProjectState, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ProjectState{}, fmt.Errorf("%w: metric key is required", ErrInvalidMetric)
	}
	scored := strings.HasPrefix(key, RiskMetricPrefix) || strings.HasPrefix(key, ReadinessMetricPrefix)
	if scored {
		if _, ok := Numeric(value); !ok {
			return domain.ProjectState{}, fmt.Errorf("%w: %s must be numeric", ErrInvalidMetric, key)
		}
	}
	st, err := m.Store.Update(ctx, projectID, func(s *domain.ProjectState) error {
		if s.CustomMetrics == nil {
			s.CustomMetrics = map[string]any{}
		}
		s.CustomMetrics[key] = value
		if scored {
			Recompute(s, m.now())
		} else {
			s.UpdatedAt = m.now()
		}
		return nil
	})
	if err != nil {
		return domain.ProjectState{}, m.wrap(projectID, err)
	}
	return st, nil
}

func (m Machine) CalculateReadiness(ctx context.Context, projectID string) (domain.ReadinessAssessment, error) {
	st, err := m.GetCurrentState(ctx, projectID)
	if err != nil {
		return domain.ReadinessAssessment{}, err
	}
	return AssessReadiness(st, m.now()), nil
}

func (m Machine) wrap(projectID string, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	if errors.Is(err, domain.ErrNotFound) {
		return &NotFoundError{ProjectID: projectID}
	}
	return err
}
