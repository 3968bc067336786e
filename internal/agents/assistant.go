package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/llm"
	"shipline/internal/orchestrator"
)

const assistantSystem = "You are a software delivery assistant. Answer with short, concrete, numbered steps."

// Assistant handles any intent without a dedicated agent by asking the completion service
// for a plan and next actions. It only advises; project state is never changed.
type Assistant struct {
	Completer llm.Completer
	Log       *zap.Logger
}

func (Assistant) Type() string { return orchestrator.Wildcard }

func (Assistant) CanHandle(orchestrator.ExecutionContext) bool { return true }

func (a Assistant) Plan(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if !llm.IsAvailable(a.Completer) {
		return orchestrator.Skipped(a.Type(), domain.AgentPlan, "no completion service is available")
	}
	text, err := a.Completer.Complete(ctx, assistantPrompt(ec, "Outline a plan for the request."), llm.Options{System: assistantSystem})
	if err != nil {
		a.log().Warn("plan completion failed", zap.String("execution_id", ec.ExecutionID()), zap.Error(err))
		return orchestrator.Failure(a.Type(), domain.AgentPlan, err.Error(), "completion service failed", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentPlan, "plan drafted", map[string]any{"plan": strings.TrimSpace(text)})
}

func (a Assistant) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentAct, ec); skip {
		return r
	}
	plan, _ := ec.ResultFor(domain.AgentPlan)
	if plan.Status == domain.StatusSkipped {
		return orchestrator.Skipped(a.Type(), domain.AgentAct, "nothing was planned")
	}
	prompt := assistantPrompt(ec, fmt.Sprintf("Plan:\n%v\n\nList the concrete actions to carry it out.", plan.Data["plan"]))
	text, err := a.Completer.Complete(ctx, prompt, llm.Options{System: assistantSystem})
	if err != nil {
		a.log().Warn("act completion failed", zap.String("execution_id", ec.ExecutionID()), zap.Error(err))
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "completion service failed", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentAct, "actions proposed", map[string]any{"actions": strings.TrimSpace(text)})
}

func (a Assistant) Observe(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentObserve, ec); skip {
		return r
	}
	act, _ := ec.ResultFor(domain.AgentAct)
	if act.Status == domain.StatusSkipped {
		return orchestrator.Skipped(a.Type(), domain.AgentObserve, "no actions to observe")
	}
	if s, _ := act.Data["actions"].(string); s == "" {
		return orchestrator.Partial(a.Type(), domain.AgentObserve, "the completion service proposed no actions", nil)
	}
	return orchestrator.Success(a.Type(), domain.AgentObserve, "advice delivered; project state is unchanged", nil)
}

func (a Assistant) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Reflect(a.Type(), ec)
}

func (a Assistant) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

func assistantPrompt(ec orchestrator.ExecutionContext, task string) string {
	in := ec.Intent()
	st := ec.ProjectState()
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", in.String())
	for _, m := range in.Modifiers {
		fmt.Fprintf(&b, "  %s=%s\n", m.Key, m.Value)
	}
	fmt.Fprintf(&b, "Project %s is in %s with %s risk (score %.2f) and readiness %.2f.\n",
		ec.ProjectID(), st.Phase, st.RiskLevel, st.RiskScore, st.ReleaseReadiness)
	if st.TestCoverage != nil {
		fmt.Fprintf(&b, "Test coverage: %s. Open issues: %d of %d.\n", percent(*st.TestCoverage), st.OpenIssues, st.TotalIssues)
	}
	keys := make([]string, 0, len(st.CustomMetrics))
	for k := range st.CustomMetrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, st.CustomMetrics[k])
	}
	b.WriteString("\n")
	b.WriteString(task)
	return b.String()
}
