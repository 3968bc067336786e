// Package intent turns free-form commands into structured intents using pattern
// templates, a language model fallback, and clarification questions.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/llm"
)

var ErrInference = errors.New("intent inference failed")

// InferenceError is returned when no strategy produced a usable intent.
type InferenceError struct {
	RawCommand string
	Reason     string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("cannot infer intent from %q: %s", e.RawCommand, e.Reason)
}

func (e *InferenceError) Is(target error) bool { return target == ErrInference }

var inferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shipline",
	Subsystem: "intent",
	Name:      "inferences_total",
	Help:      "Intent inferences by resolution method.",
}, []string{"method"})

const defaultLLMTimeout = 15 * time.Second

type Service struct {
	rules      atomic.Pointer[Ruleset]
	completer  llm.Completer
	log        *zap.Logger
	llmTimeout time.Duration
}

func NewService(rs *Ruleset, completer llm.Completer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{completer: completer, log: logger, llmTimeout: defaultLLMTimeout}
	s.rules.Store(rs)
	return s
}

// NewDefaultService builds a service over the built-in definitions.
func NewDefaultService(completer llm.Completer, logger *zap.Logger) (*Service, error) {
	rs, err := NewRuleset(Builtins())
	if err != nil {
		return nil, fmt.Errorf("compile built-in intents: %w", err)
	}
	return NewService(rs, completer, logger), nil
}

func (s *Service) Ruleset() *Ruleset { return s.rules.Load() }

// Reload compiles defs over the built-ins and swaps the active ruleset. In-flight
// inferences keep the ruleset they started with.
func (s *Service) Reload(defs []domain.IntentDefinition) error {
	rs, err := NewRuleset(Merge(Builtins(), defs))
	if err != nil {
		return err
	}
	s.rules.Store(rs)
	s.log.Info("intent ruleset reloaded", zap.Int("intents", len(rs.order)))
	return nil
}

func (s *Service) InferIntent(ctx context.Context, rawCommand, userID, projectID string, contextMap map[string]string) (domain.Intent, error) {
	if strings.TrimSpace(rawCommand) == "" {
		inferencesTotal.WithLabelValues("failed").Inc()
		return domain.Intent{}, &InferenceError{RawCommand: rawCommand, Reason: "empty command"}
	}
	log := s.log.With(zap.String("user_id", userID), zap.String("project_id", projectID))
	rs := s.rules.Load()

	tmpl, matched := rs.Match(rawCommand)
	if matched && tmpl.Confidence > domain.ClarificationThreshold {
		return s.done(tmpl, domain.MethodTemplate), nil
	}

	if llm.IsAvailable(s.completer) {
		in, err := s.inferWithLLM(ctx, rs, rawCommand, contextMap)
		if err == nil {
			return s.done(in, domain.MethodLLM), nil
		}
		log.Warn("language model inference failed", zap.String("command", rawCommand), zap.Error(err))
		if matched && llm.IsTransient(err) {
			return s.done(tmpl, domain.MethodTemplateFallback), nil
		}
	}

	if matched {
		tmpl.Clarifications = append(tmpl.Clarifications,
			fmt.Sprintf("Did you mean '%s'?", tmpl.String()),
			"Could you describe what you want to do in more detail?")
		return s.done(tmpl, domain.MethodTemplateWithClarification), nil
	}

	inferencesTotal.WithLabelValues("failed").Inc()
	return domain.Intent{}, &InferenceError{RawCommand: rawCommand, Reason: "no template matched and the language model gave no usable answer"}
}

func (s *Service) inferWithLLM(ctx context.Context, rs *Ruleset, raw string, contextMap map[string]string) (domain.Intent, error) {
	if _, ok := ctx.Deadline(); !ok && s.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.llmTimeout)
		defer cancel()
	}
	reply, err := s.completer.Complete(ctx, buildPrompt(rs, raw, contextMap), llm.Options{
		System:      systemPrompt,
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		return domain.Intent{}, err
	}
	return parseReply(rs, reply)
}

func (s *Service) done(in domain.Intent, method domain.InferenceMethod) domain.Intent {
	in.Method = method
	in.Confidence = clamp01(in.Confidence)
	inferencesTotal.WithLabelValues(string(method)).Inc()
	return in
}
