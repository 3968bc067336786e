// Package policy classifies the risk of running an intent against a project and
// decides whether explicit confirmation is required.
package policy

import (
	"fmt"
	"strings"

	"shipline/internal/domain"
)

const DefaultCoverageThreshold = 0.70

var (
	DefaultDestructiveKeywords = []string{"delete", "reset", "destroy", "remove"}
	DefaultReadOnlyIntents     = []string{"status", "analyze", "test"}
)

type Options struct {
	DestructiveKeywords []string
	ReadOnlyIntents     []string
	CoverageThreshold   float64
}

// Engine evaluates risk rules. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	destructive       []string
	readOnly          map[string]struct{}
	coverageThreshold float64
}

func New(opts Options) Engine {
	e := Engine{
		destructive:       DefaultDestructiveKeywords,
		coverageThreshold: DefaultCoverageThreshold,
	}
	if len(opts.DestructiveKeywords) > 0 {
		e.destructive = lowerAll(opts.DestructiveKeywords)
	}
	readOnly := DefaultReadOnlyIntents
	if len(opts.ReadOnlyIntents) > 0 {
		readOnly = opts.ReadOnlyIntents
	}
	e.readOnly = make(map[string]struct{}, len(readOnly))
	for _, name := range lowerAll(readOnly) {
		e.readOnly[name] = struct{}{}
	}
	if opts.CoverageThreshold > 0 {
		e.coverageThreshold = opts.CoverageThreshold
	}
	return e
}

// Default returns an engine with the built-in rule set.
func Default() Engine { return New(Options{}) }

// IsDestructive reports whether the intent name contains a destructive keyword.
func (e Engine) IsDestructive(name string) bool {
	name = strings.ToLower(name)
	for _, kw := range e.destructive {
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// AssessRisk applies the rules in precedence order. The first matching rule sets the
// base level and later rules can only raise it. state may be nil.
func (e Engine) AssessRisk(intent domain.Intent, state *domain.ProjectState) domain.RiskAssessment {
	name := strings.ToLower(strings.TrimSpace(intent.Name))
	target := strings.ToLower(strings.TrimSpace(intent.Target))
	production := target == "production"
	destructive := e.IsDestructive(name)

	level := domain.RiskLow
	matched := false
	var reasons []string
	concerns := []string{}
	raise := func(to domain.RiskLevel, reason string) {
		level = domain.MaxRisk(level, to)
		matched = true
		reasons = append(reasons, reason)
	}

	if production {
		raise(domain.RiskHigh, "targets the production environment")
		concerns = append(concerns, "Action targets production; users may be affected immediately")
	}
	if destructive {
		raise(domain.RiskHigh, fmt.Sprintf("intent %q is destructive", name))
		concerns = append(concerns, "Destructive operation may cause irreversible loss of data or configuration")
	}
	if name == "release" {
		raise(domain.RiskHigh, "releases change what is deployed")
	}
	if target == "staging" && !destructive {
		raise(domain.RiskMedium, "targets the staging environment")
	}
	if name == "improve" || name == "prepare" {
		raise(domain.RiskMedium, fmt.Sprintf("intent %q modifies code or configuration", name))
	}
	if !matched {
		if _, ok := e.readOnly[name]; ok {
			reasons = append(reasons, fmt.Sprintf("intent %q is read-only", name))
		} else {
			reasons = append(reasons, "no elevated-risk rule matched")
		}
	}

	if state != nil {
		if state.RiskLevel.AtLeast(domain.RiskHigh) {
			if !level.AtLeast(domain.RiskMedium) {
				level = domain.RiskMedium
			}
			reasons = append(reasons, fmt.Sprintf("project %s is at %s risk", state.ProjectID, state.RiskLevel))
			concerns = append(concerns, fmt.Sprintf("Project risk level is %s", state.RiskLevel))
		}
		if state.TestCoverage != nil && *state.TestCoverage < e.coverageThreshold {
			concerns = append(concerns, fmt.Sprintf("Test coverage is low (%.0f%%, threshold %.0f%%)",
				*state.TestCoverage*100, e.coverageThreshold*100))
		}
		if name == "release" && state.OpenIssues > 0 {
			concerns = append(concerns, fmt.Sprintf("%d open issues remain", state.OpenIssues))
		}
	}

	return domain.RiskAssessment{
		Level:                level,
		RequiresConfirmation: level.Rank() > domain.RiskMedium.Rank() || production || destructive,
		Explanation:          fmt.Sprintf("%s risk: %s.", level, strings.Join(reasons, "; ")),
		ImpactDescription:    impactFor(level, target),
		Concerns:             concerns,
	}
}

func impactFor(level domain.RiskLevel, target string) string {
	var impact string
	switch level {
	case domain.RiskCritical:
		impact = "Could cause a production outage or data loss that is hard to reverse."
	case domain.RiskHigh:
		impact = "May affect running systems or data; a failure could require a rollback."
	case domain.RiskMedium:
		impact = "May change code or configuration outside production; changes are reversible."
	default:
		impact = "Read-only or low-impact operation; no change to running systems is expected."
	}
	if target != "" {
		impact += fmt.Sprintf(" Target: %s.", target)
	}
	return impact
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
