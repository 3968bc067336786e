package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/llm"
	"shipline/internal/orchestrator"
)

// Reflection is the REFLECT agent for failed runs. It extends the default analysis with a
// recommendation from the completion service when one is available.
type Reflection struct {
	orchestrator.DefaultReflector
	Completer llm.Completer
	Log       *zap.Logger
}

func (r Reflection) Reflect(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	res := orchestrator.Reflect(r.Type(), ec)
	if !llm.IsAvailable(r.Completer) {
		return res
	}
	a, _ := res.Data[orchestrator.DataAnalysis].(orchestrator.Analysis)
	prompt := assistantPrompt(ec, "The "+string(a.FailurePhase)+" phase failed with: "+a.PrimaryError+
		"\nSuggest one recovery step in a single sentence.")
	text, err := r.Completer.Complete(ctx, prompt, llm.Options{System: assistantSystem, MaxTokens: 128})
	if err != nil {
		if r.Log != nil {
			r.Log.Warn("reflection completion failed", zap.String("execution_id", ec.ExecutionID()), zap.Error(err))
		}
		return res
	}
	if text = strings.TrimSpace(text); text != "" {
		recs := res.Data[orchestrator.DataRecommendations].([]string)
		res.Data[orchestrator.DataRecommendations] = append(recs, text)
	}
	return res
}
