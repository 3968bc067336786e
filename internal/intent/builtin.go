package intent

import (
	"context"
	"strings"

	"shipline/internal/domain"
)

// Builtins returns the default intent definitions.
func Builtins() []domain.IntentDefinition {
	return []domain.IntentDefinition{
		{
			Name:        "status",
			Description: "Report the current lifecycle phase, risk, and readiness of a project",
			Synonyms:    []string{"show", "report"},
			DefaultRisk: domain.RiskLow,
			Examples:    []string{"sdlc status project", "show status"},
		},
		{
			Name:         "analyze",
			Description:  "Analyze one quality dimension of the project",
			ValidTargets: []string{"security", "performance", "quality", "dependencies"},
			Synonyms:     []string{"check", "scan", "examine", "inspect", "audit", "review"},
			DefaultRisk:  domain.RiskLow,
			Examples:     []string{"analyze security", "scan dependencies"},
		},
		{
			Name:         "improve",
			Description:  "Improve one quality dimension of the project",
			ValidTargets: []string{"performance", "reliability", "security", "quality"},
			Synonyms:     []string{"optimize", "enhance", "fix", "boost", "harden"},
			DefaultRisk:  domain.RiskMedium,
			Examples:     []string{"improve performance", "optimize reliability"},
		},
		{
			Name:         "test",
			Description:  "Run or evaluate a test suite",
			ValidTargets: []string{"unit", "integration", "e2e", "coverage"},
			Synonyms:     []string{"verify", "validate"},
			DefaultRisk:  domain.RiskLow,
			Examples:     []string{"test unit", "verify coverage"},
		},
		{
			Name:        "debug",
			Description: "Investigate a failure",
			Synonyms:    []string{"diagnose", "troubleshoot", "investigate"},
			DefaultRisk: domain.RiskLow,
			Examples:    []string{"debug login-timeout"},
		},
		{
			Name:        "prepare",
			Description: "Prepare the project for the next lifecycle step",
			Synonyms:    []string{"setup", "bootstrap"},
			DefaultRisk: domain.RiskMedium,
			Examples:    []string{"prepare release"},
		},
		{
			Name:         "release",
			Description:  "Promote the project to an environment",
			ValidTargets: []string{"staging", "production"},
			Synonyms:     []string{"deploy", "ship", "publish", "promote"},
			DefaultRisk:  domain.RiskHigh,
			Examples:     []string{"release staging", "deploy production"},
		},
		{
			Name:         "refactor",
			Description:  "Restructure code without changing behavior",
			ValidTargets: []string{"code", "architecture", "design", "structure"},
			Synonyms:     []string{"restructure", "cleanup", "reorganize", "rewrite"},
			DefaultRisk:  domain.RiskMedium,
			Examples:     []string{"refactor code"},
		},
	}
}

// Registry supplies intent definitions from an external source.
type Registry interface {
	Definitions(ctx context.Context) ([]domain.IntentDefinition, error)
}

// StaticRegistry serves a fixed list of definitions.
type StaticRegistry []domain.IntentDefinition

func (r StaticRegistry) Definitions(context.Context) ([]domain.IntentDefinition, error) {
	out := make([]domain.IntentDefinition, len(r))
	copy(out, r)
	return out, nil
}

// Merge overlays overrides on base by intent name. Non-empty fields of an override replace
// the base entry's; unknown names are appended in order.
func Merge(base []domain.IntentDefinition, overrides ...[]domain.IntentDefinition) []domain.IntentDefinition {
	out := make([]domain.IntentDefinition, 0, len(base))
	index := map[string]int{}
	add := func(def domain.IntentDefinition) {
		def.Name = strings.ToLower(strings.TrimSpace(def.Name))
		if def.Name == "" {
			return
		}
		i, ok := index[def.Name]
		if !ok {
			index[def.Name] = len(out)
			out = append(out, def)
			return
		}
		cur := out[i]
		if def.Description != "" {
			cur.Description = def.Description
		}
		if len(def.ValidTargets) > 0 {
			cur.ValidTargets = def.ValidTargets
		}
		if len(def.Synonyms) > 0 {
			cur.Synonyms = def.Synonyms
		}
		if def.DefaultRisk != "" {
			cur.DefaultRisk = def.DefaultRisk
		}
		if len(def.Examples) > 0 {
			cur.Examples = def.Examples
		}
		out[i] = cur
	}
	for _, def := range base {
		add(def)
	}
	for _, list := range overrides {
		for _, def := range list {
			add(def)
		}
	}
	return out
}

// Load merges the built-in definitions with every registry in order.
func Load(ctx context.Context, registries ...Registry) ([]domain.IntentDefinition, error) {
	defs := Builtins()
	for _, r := range registries {
		if r == nil {
			continue
		}
		more, err := r.Definitions(ctx)
		if err != nil {
			return nil, err
		}
		defs = Merge(defs, more)
	}
	return defs, nil
}
