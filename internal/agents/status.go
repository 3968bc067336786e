package agents

import (
	"context"
	"fmt"

	"shipline/internal/domain"
	"shipline/internal/orchestrator"
)

// Status reports the project's phase, risk and readiness. It never changes state.
type Status struct {
	Lifecycle Lifecycle
}

func (Status) Type() string { return "status" }

func (Status) CanHandle(ec orchestrator.ExecutionContext) bool { return handles(ec, "status") }

func (a Status) Plan(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Success(a.Type(), domain.AgentPlan,
		fmt.Sprintf("read the current state of project %s", ec.ProjectID()), nil)
}

func (a Status) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentAct, ec); skip {
		return r
	}
	st, err := currentState(ctx, a.Lifecycle, ec)
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "could not read project state", nil)
	}
	data := map[string]any{
		"phase":       string(st.Phase),
		"riskLevel":   string(st.RiskLevel),
		"riskScore":   st.RiskScore,
		"readiness":   st.ReleaseReadiness,
		"openIssues":  st.OpenIssues,
		"totalIssues": st.TotalIssues,
	}
	if st.TestCoverage != nil {
		data["testCoverage"] = *st.TestCoverage
	}
	if a.Lifecycle != nil {
		if ra, err := a.Lifecycle.CalculateReadiness(ctx, ec.ProjectID()); err == nil {
			data["readinessStatus"] = string(ra.Status)
			data["blockingFactors"] = ra.BlockingFactors
		}
	}
	return orchestrator.Success(a.Type(), domain.AgentAct,
		fmt.Sprintf("project is in %s with %s risk", st.Phase, st.RiskLevel), data)
}

func (a Status) Observe(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentObserve, ec); skip {
		return r
	}
	act, ok := ec.ResultFor(domain.AgentAct)
	if !ok || act.Data["phase"] == nil {
		return orchestrator.Failure(a.Type(), domain.AgentObserve, "no status report", "ACT produced no report", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentObserve, "status report complete", nil)
}

func (a Status) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Reflect(a.Type(), ec)
}
