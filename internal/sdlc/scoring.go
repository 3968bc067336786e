package sdlc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"shipline/internal/domain"
)

const (
	RiskMetricPrefix      = "risk_"
	ReadinessMetricPrefix = "readiness_"

	// CoverageTarget is the coverage a release is expected to reach.
	CoverageTarget = 0.80

	deploymentWindowDays = 30.0
)

// RiskScore computes the weighted project risk in [0,1]. Missing coverage and missing
// deployment history contribute their full weight.
func RiskScore(s domain.ProjectState, now time.Time) float64 {
	coverageTerm := 0.4
	if s.TestCoverage != nil {
		coverageTerm = 0.4 * (1 - clamp01(*s.TestCoverage))
	}
	issueTerm := 0.0
	if s.TotalIssues > 0 {
		issueTerm = 0.3 * clamp01(float64(s.OpenIssues)/float64(s.TotalIssues))
	}
	deployTerm := 0.2
	if s.LastDeploymentTime != nil {
		deployTerm = 0.2 * deploymentAge(*s.LastDeploymentTime, now)
	}
	customTerm := 0.1 * customAverage(s.CustomMetrics, RiskMetricPrefix)
	return clamp01(coverageTerm + issueTerm + deployTerm + customTerm)
}

// ReadinessScore computes the weighted release readiness in [0,1].
func ReadinessScore(s domain.ProjectState, now time.Time) float64 {
	coverageTerm := 0.0
	if s.TestCoverage != nil {
		coverageTerm = 0.4 * clamp01(*s.TestCoverage)
	}
	issueTerm := 0.0
	switch {
	case s.OpenIssues <= 0:
		issueTerm = 0.3
	case s.TotalIssues > 0:
		issueTerm = 0.3 * (1 - clamp01(float64(s.OpenIssues)/float64(s.TotalIssues)))
	}
	deployTerm := 0.0
	if s.LastDeploymentTime != nil {
		deployTerm = 0.2 * (1 - deploymentAge(*s.LastDeploymentTime, now))
	}
	customTerm := 0.1 * customAverage(s.CustomMetrics, ReadinessMetricPrefix)
	return clamp01(coverageTerm + issueTerm + deployTerm + customTerm)
}

// Recompute refreshes the derived risk and readiness fields of s.
func Recompute(s *domain.ProjectState, now time.Time) {
	s.RiskScore = RiskScore(*s, now)
	s.RiskLevel = domain.ClassifyRisk(s.RiskScore)
	s.ReleaseReadiness = ReadinessScore(*s, now)
	s.UpdatedAt = now
}

// AssessReadiness scores s and explains the result as ready and blocking factors.
func AssessReadiness(s domain.ProjectState, now time.Time) domain.ReadinessAssessment {
	score := ReadinessScore(s, now)
	out := domain.ReadinessAssessment{
		ProjectID:       s.ProjectID,
		Score:           score,
		Status:          domain.ClassifyReadiness(score),
		ReadyFactors:    []string{},
		BlockingFactors: []string{},
		AssessedAt:      now,
	}
	ready := func(format string, args ...any) {
		out.ReadyFactors = append(out.ReadyFactors, fmt.Sprintf(format, args...))
	}
	blocking := func(format string, args ...any) {
		out.BlockingFactors = append(out.BlockingFactors, fmt.Sprintf(format, args...))
	}

	switch {
	case s.TestCoverage == nil:
		blocking("Test coverage has not been reported (target: %.0f%%)", CoverageTarget*100)
	case *s.TestCoverage >= CoverageTarget:
		ready("Test coverage is %.0f%% (target: %.0f%%)", *s.TestCoverage*100, CoverageTarget*100)
	default:
		blocking("Test coverage is only %.0f%% (target: %.0f%%)", *s.TestCoverage*100, CoverageTarget*100)
	}

	if s.OpenIssues <= 0 {
		ready("No open issues")
	} else {
		blocking("%d of %d issues still open", s.OpenIssues, s.TotalIssues)
	}

	switch {
	case s.LastDeploymentTime == nil:
		blocking("No deployment history")
	default:
		days := int(math.Floor(daysBetween(*s.LastDeploymentTime, now)))
		if float64(days) <= deploymentWindowDays {
			ready("Last deployment was %d days ago", days)
		} else {
			blocking("Last deployment was %d days ago (more than %d days)", days, int(deploymentWindowDays))
		}
	}

	if s.Phase.Index() >= domain.PhaseStaging.Index() {
		ready("Project is in %s phase", s.Phase)
	} else {
		blocking("Project is in %s phase; releases start from %s", s.Phase, domain.PhaseStaging)
	}

	for _, key := range sortedKeys(s.CustomMetrics, ReadinessMetricPrefix) {
		v, ok := Numeric(s.CustomMetrics[key])
		if !ok {
			continue
		}
		name := strings.TrimPrefix(key, ReadinessMetricPrefix)
		if v >= 0.5 {
			ready("%s is %.2f", name, v)
		} else {
			blocking("%s is only %.2f", name, v)
		}
	}
	return out
}

func deploymentAge(last, now time.Time) float64 {
	return math.Min(1, daysBetween(last, now)/deploymentWindowDays)
}

func daysBetween(from, to time.Time) float64 {
	d := to.Sub(from).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// customAverage averages the numeric metrics whose key has prefix. Non-numeric values are ignored.
func customAverage(metrics map[string]any, prefix string) float64 {
	var sum float64
	var n int
	for k, v := range metrics {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		f, ok := Numeric(v)
		if !ok {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp01(sum / float64(n))
}

// Numeric converts the numeric types a decoded metric may carry to float64. NaN and
// infinities are rejected.
func Numeric(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func sortedKeys(metrics map[string]any, prefix string) []string {
	var keys []string
	for k := range metrics {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
