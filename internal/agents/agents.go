// Package agents holds the built-in agents that run intents against the SDLC state machine.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/llm"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

// Lifecycle is the part of the state machine agents act on. sdlc.Machine implements it.
type Lifecycle interface {
	GetCurrentState(ctx context.Context, projectID string) (domain.ProjectState, error)
	TransitionTo(ctx context.Context, projectID string, to domain.Phase) (domain.ProjectState, error)
	UpdateMetrics(ctx context.Context, projectID string, update sdlc.MetricsUpdate) (domain.ProjectState, error)
	CalculateReadiness(ctx context.Context, projectID string) (domain.ReadinessAssessment, error)
}

// Defaults returns the built-in agents in registration order.
func Defaults(lc Lifecycle, completer llm.Completer, logger *zap.Logger) []orchestrator.Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []orchestrator.Agent{
		Status{Lifecycle: lc},
		Analyze{Lifecycle: lc},
		Test{Lifecycle: lc},
		Release{Lifecycle: lc},
		Assistant{Completer: completer, Log: logger.Named("assistant")},
	}
}

// handles reports whether the run's intent is one of names.
func handles(ec orchestrator.ExecutionContext, names ...string) bool {
	in := ec.Intent().Name
	for _, n := range names {
		if in == n {
			return true
		}
	}
	return false
}

// afterFailure returns a SKIPPED result for phase when an earlier phase of the run failed.
// Phases that build on earlier output or change project state check it first.
func afterFailure(agentType string, phase domain.AgentPhase, ec orchestrator.ExecutionContext) (domain.PhaseResult, bool) {
	if !ec.HasFailure() {
		return domain.PhaseResult{}, false
	}
	return orchestrator.Skipped(agentType, phase, "an earlier phase failed"), true
}

// currentState reads the live state, falling back to the run's snapshot when the project is
// not persisted.
func currentState(ctx context.Context, lc Lifecycle, ec orchestrator.ExecutionContext) (domain.ProjectState, error) {
	if lc == nil {
		return ec.ProjectState(), nil
	}
	st, err := lc.GetCurrentState(ctx, ec.ProjectID())
	if errors.Is(err, domain.ErrNotFound) {
		return ec.ProjectState(), nil
	}
	return st, err
}

// floatParam reads key from the run parameters, then from the intent modifiers.
func floatParam(ec orchestrator.ExecutionContext, key string) (float64, bool, error) {
	if v, ok := ec.Param(key); ok {
		if s, isString := v.(string); isString {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return 0, true, fmt.Errorf("%s: %w", key, err)
			}
			return f, true, nil
		}
		f, ok := sdlc.Numeric(v)
		if !ok {
			return 0, true, fmt.Errorf("%s: not a number", key)
		}
		return f, true, nil
	}
	if v, ok := ec.Intent().Modifier(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return f, true, nil
	}
	return 0, false, nil
}

func percent(v float64) string { return fmt.Sprintf("%.0f%%", v*100) }
