package domain

import (
	"fmt"
	"strings"
)

// Phase is a step of the linear SDLC lifecycle.
type Phase string

const (
	PhasePlanning    Phase = "PLANNING"
	PhaseDevelopment Phase = "DEVELOPMENT"
	PhaseTesting     Phase = "TESTING"
	PhaseStaging     Phase = "STAGING"
	PhaseProduction  Phase = "PRODUCTION"
)

var phaseOrder = []Phase{PhasePlanning, PhaseDevelopment, PhaseTesting, PhaseStaging, PhaseProduction}

// Phases returns the lifecycle phases in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Index returns the position of p in the lifecycle, or -1 when p is unknown.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Index() >= 0 }

// Next returns the following phase. PRODUCTION has none.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	if idx < 0 || idx == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[idx+1], true
}

// Prev returns the preceding phase. PLANNING has none.
func (p Phase) Prev() (Phase, bool) {
	idx := p.Index()
	if idx <= 0 {
		return "", false
	}
	return phaseOrder[idx-1], true
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// RiskLevel is an ordered severity classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels; unknown levels rank below LOW.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

func (l RiskLevel) AtLeast(other RiskLevel) bool { return l.Rank() >= other.Rank() }

// MaxRisk returns the more severe of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if l.Rank() == 0 {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// ClassifyRisk maps a risk score in [0,1] to a level.
func ClassifyRisk(score float64) RiskLevel {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.50:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ReadinessStatus classifies a release readiness score.
type ReadinessStatus string

const (
	ReadinessReady       ReadinessStatus = "READY"
	ReadinessAlmostReady ReadinessStatus = "ALMOST_READY"
	ReadinessNotReady    ReadinessStatus = "NOT_READY"
	ReadinessBlocked     ReadinessStatus = "BLOCKED"
)

func ClassifyReadiness(score float64) ReadinessStatus {
	switch {
	case score >= 0.9:
		return ReadinessReady
	case score >= 0.7:
		return ReadinessAlmostReady
	case score >= 0.5:
		return ReadinessNotReady
	default:
		return ReadinessBlocked
	}
}

// AgentPhase is one step of the PLAN, ACT, OBSERVE, REFLECT protocol.
type AgentPhase string

const (
	AgentPlan    AgentPhase = "PLAN"
	AgentAct     AgentPhase = "ACT"
	AgentObserve AgentPhase = "OBSERVE"
	AgentReflect AgentPhase = "REFLECT"
)

// ProtocolPhases lists the agent phases in execution order.
var ProtocolPhases = []AgentPhase{AgentPlan, AgentAct, AgentObserve, AgentReflect}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPartial Status = "PARTIAL"
	StatusSkipped Status = "SKIPPED"
)

type InferenceMethod string

const (
	MethodTemplate                  InferenceMethod = "template"
	MethodLLM                       InferenceMethod = "llm"
	MethodTemplateFallback          InferenceMethod = "template-fallback"
	MethodTemplateWithClarification InferenceMethod = "template-with-clarification"
)
