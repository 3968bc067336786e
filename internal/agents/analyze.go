package agents

import (
	"context"
	"fmt"
	"time"

	"shipline/internal/domain"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

var analysisTargets = []string{"security", "performance", "quality", "dependencies"}

// Analyze derives findings for one analysis target from the project's metrics. Critical
// findings fail the ACT phase.
type Analyze struct {
	Lifecycle Lifecycle
	Now       func() time.Time
}

func (Analyze) Type() string { return "analyze" }

func (Analyze) CanHandle(ec orchestrator.ExecutionContext) bool { return handles(ec, "analyze") }

func (a Analyze) target(ec orchestrator.ExecutionContext) string {
	if t := ec.Intent().Target; t != "" {
		return t
	}
	return "quality"
}

func (a Analyze) Plan(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	target := a.target(ec)
	for _, t := range analysisTargets {
		if t == target {
			return orchestrator.Success(a.Type(), domain.AgentPlan,
				fmt.Sprintf("analyze %s from project metrics", target), map[string]any{"target": target})
		}
	}
	return orchestrator.Failure(a.Type(), domain.AgentPlan,
		fmt.Sprintf("unsupported analysis target %q", target), "nothing to analyze", nil)
}

func (a Analyze) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentAct, ec); skip {
		return r
	}
	st, err := currentState(ctx, a.Lifecycle, ec)
	if err != nil {
		return orchestrator.Failure(a.Type(), domain.AgentAct, err.Error(), "could not read project state", nil)
	}
	target := a.target(ec)
	findings := Findings(target, st, a.now())
	critical := 0
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			critical++
		}
	}
	data := map[string]any{"target": target, "findings": findings}
	if critical > 0 {
		return orchestrator.Failure(a.Type(), domain.AgentAct,
			fmt.Sprintf("%s analysis found %d critical issue(s)", target, critical),
			"critical findings must be resolved first", data)
	}
	return orchestrator.Success(a.Type(), domain.AgentAct,
		fmt.Sprintf("%s analysis produced %d finding(s)", target, len(findings)), data)
}

func (a Analyze) Observe(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if r, skip := afterFailure(a.Type(), domain.AgentObserve, ec); skip {
		return r
	}
	act, _ := ec.ResultFor(domain.AgentAct)
	findings, _ := act.Data["findings"].([]Finding)
	warnings := 0
	for _, f := range findings {
		if f.Severity == SeverityWarning {
			warnings++
		}
	}
	if warnings > 0 {
		return orchestrator.Partial(a.Type(), domain.AgentObserve,
			fmt.Sprintf("%d warning(s) need attention", warnings), map[string]any{"warnings": warnings})
	}
	return orchestrator.Success(a.Type(), domain.AgentObserve, "no issues need attention", nil)
}

func (a Analyze) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return orchestrator.Reflect(a.Type(), ec)
}

func (a Analyze) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now()
}

// Findings lists what the metrics of st say about target.
func Findings(target string, st domain.ProjectState, now time.Time) []Finding {
	var out []Finding
	add := func(sev Severity, format string, args ...any) {
		out = append(out, Finding{Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if v, ok := sdlc.Numeric(st.CustomMetrics[sdlc.RiskMetricPrefix+target]); ok {
		switch {
		case v >= 0.75:
			add(SeverityCritical, "%s risk factor is %.2f", target, v)
		case v >= 0.5:
			add(SeverityWarning, "%s risk factor is %.2f", target, v)
		default:
			add(SeverityInfo, "%s risk factor is %.2f", target, v)
		}
	}

	switch target {
	case "security":
		if st.RiskLevel == domain.RiskCritical {
			add(SeverityCritical, "project risk level is %s", st.RiskLevel)
		}
	case "quality":
		switch {
		case st.TestCoverage == nil:
			add(SeverityWarning, "test coverage has not been reported")
		case *st.TestCoverage < 0.5:
			add(SeverityCritical, "test coverage is only %s", percent(*st.TestCoverage))
		case *st.TestCoverage < sdlc.CoverageTarget:
			add(SeverityWarning, "test coverage is %s, below the %s target", percent(*st.TestCoverage), percent(sdlc.CoverageTarget))
		}
		if st.TotalIssues > 0 && float64(st.OpenIssues)/float64(st.TotalIssues) > 0.5 {
			add(SeverityWarning, "%d of %d issues are still open", st.OpenIssues, st.TotalIssues)
		}
	case "dependencies":
		if st.LastDeploymentTime == nil {
			add(SeverityInfo, "no deployment recorded yet")
		} else if days := int(now.Sub(*st.LastDeploymentTime).Hours() / 24); days > 30 {
			add(SeverityWarning, "last deployment was %d days ago; dependencies may be stale", days)
		}
	}
	if len(out) == 0 {
		add(SeverityInfo, "no %s issues detected", target)
	}
	return out
}
