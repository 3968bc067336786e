package orchestrator

import (
	"context"
	"fmt"

	"shipline/internal/domain"
)

// Keys of the REFLECT result data.
const (
	DataAnalysis        = "analysis"
	DataInsights        = "insights"
	DataRecoveryActions = "recoveryActions"
	DataRecommendations = "recommendations"
	DataFailureType     = "failureType"
)

const (
	FailureTypeTimeout = "timeout"
	FailureTypeAgent   = "agent"
)

type Analysis struct {
	OverallOutcome domain.Status     `json:"overallOutcome"`
	FailurePhase   domain.AgentPhase `json:"failurePhase,omitempty"`
	FailingAgent   string            `json:"failingAgent,omitempty"`
	PrimaryError   string            `json:"primaryError,omitempty"`
	FailureType    string            `json:"failureType,omitempty"`
	PhasesExecuted int               `json:"phasesExecuted"`
	PhasesFailed   int               `json:"phasesFailed"`
}

// Aggregate derives the overall status of a run from its phase results. A failure is
// final unless a later non-REFLECT phase succeeded; a run where every phase succeeded is
// a success; anything else is partial.
func Aggregate(results []domain.PhaseResult) domain.Status {
	var work []domain.PhaseResult
	var reflect []domain.PhaseResult
	for _, r := range results {
		if r.Phase == domain.AgentReflect {
			reflect = append(reflect, r)
			continue
		}
		work = append(work, r)
	}
	if len(work) == 0 {
		return domain.StatusFailure
	}
	lastFailure := -1
	for i, r := range work {
		if r.IsFailure() {
			lastFailure = i
		}
	}
	if lastFailure >= 0 {
		for _, r := range work[lastFailure+1:] {
			if r.Status == domain.StatusSuccess {
				return domain.StatusPartial
			}
		}
		return domain.StatusFailure
	}
	successes, skipped := 0, 0
	for _, r := range work {
		switch r.Status {
		case domain.StatusSuccess:
			successes++
		case domain.StatusSkipped:
			skipped++
		}
	}
	if skipped == len(work) {
		return domain.StatusSkipped
	}
	if successes < len(work) || successes < 3 {
		return domain.StatusPartial
	}
	for _, r := range reflect {
		if r.Status != domain.StatusSuccess {
			return domain.StatusPartial
		}
	}
	return domain.StatusSuccess
}

// Analyze inspects the results that precede REFLECT.
func Analyze(results []domain.PhaseResult) Analysis {
	var work []domain.PhaseResult
	for _, r := range results {
		if r.Phase != domain.AgentReflect {
			work = append(work, r)
		}
	}
	a := Analysis{OverallOutcome: Aggregate(work), PhasesExecuted: len(work)}
	for _, r := range work {
		if !r.IsFailure() {
			continue
		}
		a.PhasesFailed++
		if a.FailurePhase != "" {
			continue
		}
		a.FailurePhase = r.Phase
		a.FailingAgent = r.AgentType
		a.PrimaryError = r.Error
		if a.PrimaryError == "" {
			a.PrimaryError = r.Reasoning
		}
		a.FailureType = FailureTypeAgent
		if ft, ok := r.Data[DataFailureType].(string); ok && ft != "" {
			a.FailureType = ft
		}
	}
	return a
}

// Reflect builds the default REFLECT result for ec. Agents without a specialised
// reflection delegate to it.
func Reflect(agentType string, ec ExecutionContext) domain.PhaseResult {
	prior := ec.PriorResults()
	a := Analyze(prior)
	in := ec.Intent()
	state := ec.ProjectState()

	insights := []string{}
	recovery := []string{}
	recommendations := []string{}

	if a.FailurePhase != "" {
		if a.FailureType == FailureTypeTimeout {
			insights = append(insights, fmt.Sprintf("Execution deadline expired at the %s phase of '%s'", a.FailurePhase, in.String()))
			recovery = append(recovery, "Retry with a longer deadline or a narrower target")
		} else {
			insights = append(insights, fmt.Sprintf("%s phase failed in agent '%s': %s", a.FailurePhase, a.FailingAgent, a.PrimaryError))
		}
		switch a.FailurePhase {
		case domain.AgentPlan:
			recovery = append(recovery, "Check that the project state and intent target are valid, then retry")
		case domain.AgentAct:
			recovery = append(recovery,
				"Inspect the partial effects of the failed action and revert them if needed",
				"Fix the reported cause and rerun the command")
		case domain.AgentObserve:
			recovery = append(recovery, "Verify the outcome of the action manually before relying on it")
		}
	} else {
		insights = append(insights, fmt.Sprintf("All %d phases of '%s' completed with outcome %s", a.PhasesExecuted, in.String(), a.OverallOutcome))
		recovery = append(recovery, "No recovery needed")
	}
	for _, r := range prior {
		if r.Status == domain.StatusPartial || r.Status == domain.StatusSkipped {
			insights = append(insights, fmt.Sprintf("%s phase was %s: %s", r.Phase, r.Status, r.Reasoning))
		}
	}

	if state.TestCoverage != nil && *state.TestCoverage < 0.8 {
		recommendations = append(recommendations, fmt.Sprintf("Raise test coverage from %.0f%% to at least 80%%", *state.TestCoverage*100))
	}
	if state.RiskLevel.AtLeast(domain.RiskHigh) {
		recommendations = append(recommendations, fmt.Sprintf("Reduce project risk (currently %s) before risky operations", state.RiskLevel))
	}
	if a.FailurePhase != "" {
		recommendations = append(recommendations, "Run 'status' to review the project before retrying")
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "Keep running 'analyze' regularly to catch regressions early")
	}

	reasoning := fmt.Sprintf("reflected on %d phase results", len(prior))
	return Success(agentType, domain.AgentReflect, reasoning, map[string]any{
		DataAnalysis:        a,
		DataInsights:        insights,
		DataRecoveryActions: recovery,
		DataRecommendations: recommendations,
	})
}

// DefaultReflector is a dedicated reflection agent used when an earlier phase failed.
type DefaultReflector struct{}

func (DefaultReflector) Type() string                   { return "reflection" }
func (DefaultReflector) CanHandle(ExecutionContext) bool { return false }
func (r DefaultReflector) Plan(_ context.Context, _ ExecutionContext) domain.PhaseResult {
	return Skipped(r.Type(), domain.AgentPlan, "reflection agent only reflects")
}
func (r DefaultReflector) Act(_ context.Context, _ ExecutionContext) domain.PhaseResult {
	return Skipped(r.Type(), domain.AgentAct, "reflection agent only reflects")
}
func (r DefaultReflector) Observe(_ context.Context, _ ExecutionContext) domain.PhaseResult {
	return Skipped(r.Type(), domain.AgentObserve, "reflection agent only reflects")
}
func (r DefaultReflector) Reflect(_ context.Context, ec ExecutionContext) domain.PhaseResult {
	return Reflect(r.Type(), ec)
}

// complete reports whether r carries every field a REFLECT result must have.
func complete(r domain.PhaseResult) bool {
	if r.IsFailure() {
		return false
	}
	if _, ok := r.Data[DataAnalysis].(Analysis); !ok {
		return false
	}
	for _, key := range []string{DataInsights, DataRecoveryActions, DataRecommendations} {
		list, ok := r.Data[key].([]string)
		if !ok || len(list) == 0 {
			return false
		}
	}
	return true
}
