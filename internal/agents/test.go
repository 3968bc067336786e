package agents

import (
	"context"
	"fmt"

	"shipline/internal/domain"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

// Test checks test coverage against the release target. A "coverage" parameter or modifier
// is recorded on the project before the check.
type Test struct {
	Lifecycle Lifecycle
}

func (Test) Type() string { return "test" }

func (Test) CanHandle(ec orchestrator.ExecutionContext) bool { return handles(ec, "test") }

func (a Test) Plan(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	cov, given, err := floatParam(ec, "coverage")
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentPlan, err.Error(), "invalid coverage value", nil)
	}
	if given && (cov < 0 || cov > 1) {
		return orchestrator.Failure(a.Type(), domain.AgentPlan,
			fmt.Sprintf("coverage %v outside [0,1]", cov), "invalid coverage value", nil)
	}
	scope := ec.Intent().Target
	if scope == "" {
		scope = "all"
	}
	data := map[string]any{"scope": scope, "recordCoverage": given}
	if given {
		data["coverage"] = cov
	}
	return orchestrator.Success(a.Type(), domain.AgentPlan,
		fmt.Sprintf("check %s test coverage against %s", scope, percent(sdlc.CoverageTarget)), data)
}

func (a Test) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentAct, ec); skip {
		return r
	}
	plan, _ := ec.ResultFor(domain.AgentPlan)
	var (
		st  domain.ProjectState
		err error
	)
	if rec, _ := plan.Data["recordCoverage"].(bool); rec && a.Lifecycle != nil {
		cov, _ := plan.Data["coverage"].(float64)
		st, err = a.Lifecycle.UpdateMetrics(ctx, ec.ProjectID(), sdlc.MetricsUpdate{TestCoverage: &cov})
	} else {
		st, err = currentState(ctx, a.Lifecycle, ec)
	}
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "could not update project metrics", nil)
	}
	if st.TestCoverage == nil {
		return orchestrator.Partial(a.Type(), domain.AgentAct, "test coverage has not been reported", nil)
	}
	cov := *st.TestCoverage
	data := map[string]any{"coverage": cov, "target": sdlc.CoverageTarget, "gap": max(0, sdlc.CoverageTarget-cov)}
	if cov < sdlc.CoverageTarget {
		return orchestrator.Partial(a.Type(), domain.AgentAct,
			fmt.Sprintf("coverage %s is below the %s target", percent(cov), percent(sdlc.CoverageTarget)), data)
	}
	return orchestrator.Success(a.Type(), domain.AgentAct,
		fmt.Sprintf("coverage %s meets the %s target", percent(cov), percent(sdlc.CoverageTarget)), data)
}

func (a Test) Observe(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentObserve, ec); skip {
		return r
	}
	act, _ := ec.ResultFor(domain.AgentAct)
	want, ok := act.Data["coverage"].(float64)
	if !ok {
		return orchestrator.Skipped(a.Type(), domain.AgentObserve, "no coverage to verify")
	}
	st, err := currentState(ctx, a.Lifecycle, ec)
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentObserve, err.Error(), "could not re-read project state", nil)
	}
	if st.TestCoverage == nil || *st.TestCoverage != want {
		return orchestrator.Failure(a.Type(), domain.AgentObserve,
			"stored coverage differs from the checked value", "project metrics changed during the run", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentObserve,
		fmt.Sprintf("coverage %s confirmed, readiness now %.2f", percent(want), st.ReleaseReadiness), nil)
}

func (a Test) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Reflect(a.Type(), ec)
}
