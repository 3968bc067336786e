package agents

import (
	"context"
	"fmt"
	"time"

	"shipline/internal/domain"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

// Release moves a project one phase toward its release target and records the deployment
// once the target phase is reached. A BLOCKED readiness fails the plan.
type Release struct {
	Lifecycle Lifecycle
	Now       func() time.Time
}

func (Release) Type() string { return "release" }

func (Release) CanHandle(ec orchestrator.ExecutionContext) bool { return handles(ec, "release") }

func (a Release) targetPhase(ec orchestrator.ExecutionContext) (domain.Phase, error) {
	switch ec.Intent().Target {
	case "", "staging":
		return domain.PhaseStaging, nil
	case "production":
		return domain.PhaseProduction, nil
	default:
		return "", fmt.Errorf("unknown release target %q", ec.Intent().Target)
	}
}

func (a Release) Plan(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if a.Lifecycle == nil {
		return orchestrator.Failure(a.Type(), domain.AgentPlan, "no project lifecycle configured", "cannot release", nil)
	}
	to, err := a.targetPhase(ec)
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentPlan, err.Error(), "cannot release", nil)
	}
	st, err := a.Lifecycle.GetCurrentState(ctx, ec.ProjectID())
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentPlan, err.Error(), "could not read project state", nil)
	}
	ra, err := a.Lifecycle.CalculateReadiness(ctx, ec.ProjectID())
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentPlan, err.Error(), "could not assess readiness", nil)
	}
	next := nextStep(st.Phase, to)
	data := map[string]any{
		"from":            string(st.Phase),
		"to":              string(to),
		"next":            string(next),
		"readiness":       ra.Score,
		"readinessStatus": string(ra.Status),
		"blockingFactors": ra.BlockingFactors,
	}
	if ra.Status == domain.ReadinessBlocked {
		return orchestrator.Failure(a.Type(), domain.AgentPlan,
			fmt.Sprintf("release blocked: readiness %.2f", ra.Score),
			fmt.Sprintf("%d blocking factor(s)", len(ra.BlockingFactors)), data)
	}
	return orchestrator.Success(a.Type(), domain.AgentPlan,
		fmt.Sprintf("move from %s to %s on the way to %s", st.Phase, next, to), data)
}

func (a Release) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentAct, ec); skip {
		return r
	}
	plan, _ := ec.ResultFor(domain.AgentPlan)
	next := domain.Phase(fmt.Sprint(plan.Data["next"]))
	to := domain.Phase(fmt.Sprint(plan.Data["to"]))
	st, err := a.Lifecycle.TransitionTo(ctx, ec.ProjectID(), next)
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "phase transition rejected", nil)
	}
	data := map[string]any{"phase": string(st.Phase)}
	if st.Phase != to {
		return orchestrator.Partial(a.Type(), domain.AgentAct,
			fmt.Sprintf("advanced to %s; %s is still ahead", st.Phase, to), data)
	}
	now := a.now()
	st, err = a.Lifecycle.UpdateMetrics(ctx, ec.ProjectID(), sdlc.MetricsUpdate{LastDeploymentTime: &now})
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "could not record the deployment", data)
	}
	data["deployedAt"] = now
	return orchestrator.Success(a.Type(), domain.AgentAct, fmt.Sprintf("released to %s", st.Phase), data)
}

func (a Release) Observe(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentObserve, ec); skip {
		return r
	}
	act, _ := ec.ResultFor(domain.AgentAct)
	want := domain.Phase(fmt.Sprint(act.Data["phase"]))
	st, err := a.Lifecycle.GetCurrentState(ctx, ec.ProjectID())
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentObserve, err.Error(), "could not re-read project state", nil)
	}
	if st.Phase != want {
		return orchestrator.Failure(a.Type(), domain.AgentObserve,
			fmt.Sprintf("project is in %s, expected %s", st.Phase, want), "phase changed during the run", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentObserve,
		fmt.Sprintf("project confirmed in %s with readiness %.2f", st.Phase, st.ReleaseReadiness),
		map[string]any{"riskLevel": string(st.RiskLevel)})
}

func (a Release) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Reflect(a.Type(), ec)
}

func (a Release) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now()
}

// nextStep returns the phase adjacent to from in the direction of to.
func nextStep(from, to domain.Phase) domain.Phase {
	switch {
	case from.Index() < to.Index():
		next, _ := from.Next()
		return next
	case from.Index() > to.Index():
		prev, _ := from.Prev()
		return prev
	}
	return from
}
