package orchestrator

import (
	"context"
	"sort"

	"shipline/internal/domain"
)

// Wildcard is the type of an agent that accepts any intent.
const Wildcard = "*"

// Agent runs the four protocol phases for the intents it can handle. Phase methods report
// expected failures as FAILURE results instead of panicking.
type Agent interface {
	Type() string
	CanHandle(ec ExecutionContext) bool
	Plan(ctx context.Context, ec ExecutionContext) domain.PhaseResult
	Act(ctx context.Context, ec ExecutionContext) domain.PhaseResult
	Observe(ctx context.Context, ec ExecutionContext) domain.PhaseResult
	Reflect(ctx context.Context, ec ExecutionContext) domain.PhaseResult
}

// Rank orders agents so that specific agents come before wildcard ones, keeping
// registration order within each group.
func Rank(agents []Agent) []Agent {
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if a != nil {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type() != Wildcard && out[j].Type() == Wildcard
	})
	return out
}

// Select returns the first ranked agent that can handle ec.
func Select(ranked []Agent, ec ExecutionContext) (Agent, bool) {
	for _, a := range ranked {
		if a.CanHandle(ec) {
			return a, true
		}
	}
	return nil, false
}

func Success(agentType string, phase domain.AgentPhase, reasoning string, data map[string]any) domain.PhaseResult {
	return domain.PhaseResult{AgentType: agentType, Phase: phase, Status: domain.StatusSuccess, Reasoning: reasoning, Data: data}
}

func Failure(agentType string, phase domain.AgentPhase, errMsg, reasoning string, data map[string]any) domain.PhaseResult {
	return domain.PhaseResult{AgentType: agentType, Phase: phase, Status: domain.StatusFailure, Error: errMsg, Reasoning: reasoning, Data: data}
}

func Partial(agentType string, phase domain.AgentPhase, reasoning string, data map[string]any) domain.PhaseResult {
	return domain.PhaseResult{AgentType: agentType, Phase: phase, Status: domain.StatusPartial, Reasoning: reasoning, Data: data}
}

func Skipped(agentType string, phase domain.AgentPhase, reasoning string) domain.PhaseResult {
	return domain.PhaseResult{AgentType: agentType, Phase: phase, Status: domain.StatusSkipped, Reasoning: reasoning}
}
