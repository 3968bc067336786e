package orchestrator

import (
	"time"

	"shipline/internal/domain"
)

// ExecutionContext is the read-only state of one run. WithResult returns a new context;
// no method modifies the receiver, so a context may be shared between goroutines.
type ExecutionContext struct {
	executionID string
	userID      string
	projectID   string
	intent      domain.Intent
	state       domain.ProjectState
	assessment  *domain.RiskAssessment
	params      map[string]any
	results     []domain.PhaseResult
	deadline    time.Time
}

type ContextParams struct {
	ExecutionID string
	UserID      string
	ProjectID   string
	Intent      domain.Intent
	State       domain.ProjectState
	Assessment  *domain.RiskAssessment
	Params      map[string]any
	// Deadline is optional; the zero value means no deadline.
	Deadline time.Time
}

func NewExecutionContext(p ContextParams) ExecutionContext {
	ec := ExecutionContext{
		executionID: p.ExecutionID,
		userID:      p.UserID,
		projectID:   p.ProjectID,
		intent:      cloneIntent(p.Intent),
		state:       p.State.Clone(),
		params:      make(map[string]any, len(p.Params)),
		deadline:    p.Deadline,
	}
	for k, v := range p.Params {
		ec.params[k] = v
	}
	if p.Assessment != nil {
		a := *p.Assessment
		a.Concerns = append([]string(nil), p.Assessment.Concerns...)
		ec.assessment = &a
	}
	return ec
}

func (c ExecutionContext) ExecutionID() string { return c.executionID }
func (c ExecutionContext) UserID() string      { return c.userID }
func (c ExecutionContext) ProjectID() string   { return c.projectID }
func (c ExecutionContext) Intent() domain.Intent {
	return cloneIntent(c.intent)
}

// ProjectState returns a copy of the state snapshot taken when the run started.
func (c ExecutionContext) ProjectState() domain.ProjectState { return c.state.Clone() }

func (c ExecutionContext) Assessment() (domain.RiskAssessment, bool) {
	if c.assessment == nil {
		return domain.RiskAssessment{}, false
	}
	a := *c.assessment
	a.Concerns = append([]string(nil), c.assessment.Concerns...)
	return a, true
}

func (c ExecutionContext) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

func (c ExecutionContext) Params() map[string]any {
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// PriorResults returns the phase results accumulated so far, in order.
func (c ExecutionContext) PriorResults() []domain.PhaseResult {
	out := make([]domain.PhaseResult, len(c.results))
	copy(out, c.results)
	return out
}

func (c ExecutionContext) LastResult() (domain.PhaseResult, bool) {
	if len(c.results) == 0 {
		return domain.PhaseResult{}, false
	}
	return c.results[len(c.results)-1], true
}

// ResultFor returns the most recent result recorded for phase.
func (c ExecutionContext) ResultFor(phase domain.AgentPhase) (domain.PhaseResult, bool) {
	for i := len(c.results) - 1; i >= 0; i-- {
		if c.results[i].Phase == phase {
			return c.results[i], true
		}
	}
	return domain.PhaseResult{}, false
}

func (c ExecutionContext) HasFailure() bool {
	for _, r := range c.results {
		if r.IsFailure() {
			return true
		}
	}
	return false
}

func (c ExecutionContext) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

func (c ExecutionContext) IsExpired() bool { return c.ExpiredAt(time.Now()) }

func (c ExecutionContext) ExpiredAt(now time.Time) bool {
	return !c.deadline.IsZero() && !now.Before(c.deadline)
}

// WithResult returns a copy of c with r appended to the prior results.
func (c ExecutionContext) WithResult(r domain.PhaseResult) ExecutionContext {
	next := c
	next.results = make([]domain.PhaseResult, len(c.results), len(c.results)+1)
	copy(next.results, c.results)
	next.results = append(next.results, r)
	return next
}

func cloneIntent(in domain.Intent) domain.Intent {
	in.Modifiers = append([]domain.Modifier(nil), in.Modifiers...)
	in.Clarifications = append([]string(nil), in.Clarifications...)
	return in
}
