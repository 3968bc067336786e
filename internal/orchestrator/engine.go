package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shipline/internal/domain"
	"shipline/internal/policy"
)

var ErrNoIntent = errors.New("no intent supplied")

// Audit entry types.
const (
	AuditConfirmationRequired = "confirmation.required"
	AuditConfirmationGranted  = "confirmation.granted"
	AuditConfirmationDenied   = "confirmation.denied"
	AuditExecutionCompleted   = "execution.completed"
)

const FailureTypeCancelled = "cancelled"

const defaultReflectTimeout = 30 * time.Second

// HistoryStore receives every finished execution. Writes are keyed by execution id.
type HistoryStore interface {
	SaveExecution(ctx context.Context, res domain.ExecutionResult) error
}

type AuditEntry struct {
	Type        string
	ExecutionID string
	UserID      string
	ProjectID   string
	Intent      domain.Intent
	Assessment  *domain.RiskAssessment
	Status      domain.Status
	Summary     string
	At          time.Time
}

type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

type Assessor interface {
	AssessRisk(intent domain.Intent, state *domain.ProjectState) domain.RiskAssessment
}

type ConfirmationRequest struct {
	ExecutionID string
	UserID      string
	ProjectID   string
	Intent      domain.Intent
	Assessment  domain.RiskAssessment
}

// Confirmer asks a human to approve a run whose assessment requires confirmation.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

type ConfirmerFunc func(ctx context.Context, req ConfirmationRequest) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmationRequest) (bool, error) {
	return f(ctx, req)
}

type Config struct {
	Agents []Agent
	// Reflector handles REFLECT when an earlier phase failed. Nil keeps the chosen agent.
	Reflector Agent
	Policy    Assessor
	History   HistoryStore
	Audit     AuditSink
	Confirmer Confirmer
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string

	DefaultTimeout time.Duration
	ReflectTimeout time.Duration
	MaxParallel    int
}

// Engine drives runs through PLAN, ACT, OBSERVE and REFLECT. It keeps no per-run state;
// concurrent Execute calls are independent.
type Engine struct {
	agents []Agent
	cfg    Config
	log    *zap.Logger
}

func New(cfg Config) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.ReflectTimeout <= 0 {
		cfg.ReflectTimeout = defaultReflectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{agents: Rank(cfg.Agents), cfg: cfg, log: log.Named("orchestrator")}
}

// Agents returns the registered agents in selection order.
func (e *Engine) Agents() []Agent {
	return append([]Agent(nil), e.agents...)
}

type runOptions struct {
	deadline   time.Time
	timeout    time.Duration
	params     map[string]any
	confirmed  bool
	assessment *domain.RiskAssessment
}

type RunOption func(*runOptions)

func WithDeadline(t time.Time) RunOption { return func(o *runOptions) { o.deadline = t } }

func WithTimeout(d time.Duration) RunOption { return func(o *runOptions) { o.timeout = d } }

func WithParams(params map[string]any) RunOption {
	return func(o *runOptions) {
		if o.params == nil {
			o.params = map[string]any{}
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}

// WithConfirmed marks the run as already approved by the caller.
func WithConfirmed() RunOption { return func(o *runOptions) { o.confirmed = true } }

// WithAssessment reuses an assessment computed by the caller instead of asking the policy.
func WithAssessment(a domain.RiskAssessment) RunOption {
	return func(o *runOptions) { o.assessment = &a }
}

// Execute runs intent against state. Agent failures, missing handlers and denied
// confirmations are reported in the result; only a missing intent is an error.
func (e *Engine) Execute(ctx context.Context, intent domain.Intent, state domain.ProjectState, userID, projectID string, opts ...RunOption) (domain.ExecutionResult, error) {
	if strings.TrimSpace(intent.Name) == "" {
		return domain.ExecutionResult{}, ErrNoIntent
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := e.cfg.Now()
	deadline := o.deadline
	if deadline.IsZero() {
		switch {
		case o.timeout > 0:
			deadline = start.Add(o.timeout)
		case e.cfg.DefaultTimeout > 0:
			deadline = start.Add(e.cfg.DefaultTimeout)
		}
	}

	var assessment domain.RiskAssessment
	if o.assessment != nil {
		assessment = *o.assessment
	} else {
		st := state.Clone()
		assessment = e.cfg.Policy.AssessRisk(intent, &st)
	}

	res := domain.ExecutionResult{
		ExecutionID: e.cfg.NewID(),
		ProjectID:   projectID,
		UserID:      userID,
		Intent:      intent,
		Results:     []domain.PhaseResult{},
		Assessment:  &assessment,
		StartedAt:   start,
	}
	log := e.log.With(
		zap.String("execution_id", res.ExecutionID),
		zap.String("project_id", projectID),
		zap.String("intent", intent.String()))

	if assessment.RequiresConfirmation && !o.confirmed {
		if !e.confirm(ctx, log, res, assessment) {
			res.OverallStatus = domain.StatusSkipped
			res.Summary = "Confirmation required: " + assessment.Explanation
			return e.finish(ctx, log, res), nil
		}
	}

	ec := NewExecutionContext(ContextParams{
		ExecutionID: res.ExecutionID,
		UserID:      userID,
		ProjectID:   projectID,
		Intent:      intent,
		State:       state,
		Assessment:  &assessment,
		Params:      o.params,
		Deadline:    deadline,
	})
	agent, ok := Select(e.agents, ec)
	if !ok {
		res.OverallStatus = domain.StatusFailure
		res.Summary = fmt.Sprintf("No handler found for intent '%s'", intent.Name)
		log.Info("no agent can handle intent")
		return e.finish(ctx, log, res), nil
	}

	runCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	ec = e.runProtocol(runCtx, ctx, agent, ec)
	res.Results = ec.PriorResults()
	res.OverallStatus = Aggregate(res.Results)
	res.Summary = summarize(intent, agent.Type(), res.OverallStatus, res.Results)
	return e.finish(ctx, log, res), nil
}

func (e *Engine) confirm(ctx context.Context, log *zap.Logger, res domain.ExecutionResult, a domain.RiskAssessment) bool {
	entry := AuditEntry{
		Type:        AuditConfirmationRequired,
		ExecutionID: res.ExecutionID,
		UserID:      res.UserID,
		ProjectID:   res.ProjectID,
		Intent:      res.Intent,
		Assessment:  &a,
		At:          e.cfg.Now(),
	}
	e.audit(ctx, log, entry)

	approved := false
	if e.cfg.Confirmer != nil {
		ok, err := e.cfg.Confirmer.Confirm(ctx, ConfirmationRequest{
			ExecutionID: res.ExecutionID,
			UserID:      res.UserID,
			ProjectID:   res.ProjectID,
			Intent:      res.Intent,
			Assessment:  a,
		})
		if err != nil {
			log.Warn("confirmation failed", zap.Error(err))
		}
		approved = ok && err == nil
	}
	entry.At = e.cfg.Now()
	if approved {
		entry.Type = AuditConfirmationGranted
	} else {
		entry.Type = AuditConfirmationDenied
	}
	e.audit(ctx, log, entry)
	return approved
}

// runProtocol runs PLAN, ACT and OBSERVE in order, then always runs REFLECT. A failed
// phase does not stop the sequence: later phases see it in the context and may skip.
// Only an expired deadline or a cancelled run jumps straight to REFLECT, which gets its
// own budget detached from the caller's cancellation.
func (e *Engine) runProtocol(ctx, parent context.Context, agent Agent, ec ExecutionContext) ExecutionContext {
	for _, phase := range domain.ProtocolPhases[:3] {
		if r, stop := e.interrupted(ctx, agent, phase, ec); stop {
			ec = ec.WithResult(r)
			break
		}
		ec = ec.WithResult(e.runPhase(ctx, agent, phase, ec))
	}

	reflector := agent
	if ec.HasFailure() && e.cfg.Reflector != nil {
		reflector = e.cfg.Reflector
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.ReflectTimeout)
	defer cancel()
	r := e.runPhase(rctx, reflector, domain.AgentReflect, ec)
	return ec.WithResult(ensureReflection(reflector.Type(), ec, r))
}

func (e *Engine) interrupted(ctx context.Context, agent Agent, phase domain.AgentPhase, ec ExecutionContext) (domain.PhaseResult, bool) {
	now := e.cfg.Now()
	var r domain.PhaseResult
	switch {
	case ec.ExpiredAt(now) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r = Failure(agent.Type(), phase, "execution deadline exceeded",
			fmt.Sprintf("deadline expired before %s started", phase),
			map[string]any{DataFailureType: FailureTypeTimeout})
	case ctx.Err() != nil:
		r = Failure(agent.Type(), phase, ctx.Err().Error(),
			fmt.Sprintf("run cancelled before %s started", phase),
			map[string]any{DataFailureType: FailureTypeCancelled})
	default:
		return domain.PhaseResult{}, false
	}
	r.StartedAt, r.CompletedAt = now, now
	return r, true
}

func (e *Engine) runPhase(ctx context.Context, agent Agent, phase domain.AgentPhase, ec ExecutionContext) (r domain.PhaseResult) {
	started := e.cfg.Now()
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("agent panicked",
				zap.String("execution_id", ec.ExecutionID()),
				zap.String("agent", agent.Type()),
				zap.String("phase", string(phase)),
				zap.Any("panic", p))
			r = Failure(agent.Type(), phase, fmt.Sprintf("agent panicked: %v", p), "phase aborted", nil)
		}
		r.Phase = phase
		if r.AgentType == "" {
			r.AgentType = agent.Type()
		}
		if r.Status == "" {
			r.Status = domain.StatusFailure
			r.Error = "agent returned no status"
		}
		r.StartedAt = started
		r.CompletedAt = e.cfg.Now()
		phaseDuration.WithLabelValues(string(phase)).Observe(r.CompletedAt.Sub(started).Seconds())
	}()
	switch phase {
	case domain.AgentPlan:
		return agent.Plan(ctx, ec)
	case domain.AgentAct:
		return agent.Act(ctx, ec)
	case domain.AgentObserve:
		return agent.Observe(ctx, ec)
	default:
		return agent.Reflect(ctx, ec)
	}
}

// ensureReflection fills whatever the agent's REFLECT left out from the default analysis.
func ensureReflection(agentType string, ec ExecutionContext, r domain.PhaseResult) domain.PhaseResult {
	if complete(r) {
		return r
	}
	def := Reflect(agentType, ec)
	def.StartedAt, def.CompletedAt = r.StartedAt, r.CompletedAt
	if r.IsFailure() {
		insights := def.Data[DataInsights].([]string)
		def.Data[DataInsights] = append(insights, fmt.Sprintf("REFLECT phase failed in agent '%s': %s", r.AgentType, r.Error))
		def.AgentType = r.AgentType
		return def
	}
	data := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		data[k] = v
	}
	if _, ok := data[DataAnalysis].(Analysis); !ok {
		data[DataAnalysis] = def.Data[DataAnalysis]
	}
	for _, key := range []string{DataInsights, DataRecoveryActions, DataRecommendations} {
		if list, ok := data[key].([]string); !ok || len(list) == 0 {
			data[key] = def.Data[key]
		}
	}
	r.Data = data
	if r.Reasoning == "" {
		r.Reasoning = def.Reasoning
	}
	return r
}

func (e *Engine) finish(ctx context.Context, log *zap.Logger, res domain.ExecutionResult) domain.ExecutionResult {
	res.DurationMS = e.cfg.Now().Sub(res.StartedAt).Milliseconds()
	runsTotal.WithLabelValues(res.Intent.Name, string(res.OverallStatus)).Inc()

	if e.cfg.History != nil {
		e.bestEffort(log, "history", func() error {
			return e.cfg.History.SaveExecution(context.WithoutCancel(ctx), res)
		})
	}
	e.audit(ctx, log, AuditEntry{
		Type:        AuditExecutionCompleted,
		ExecutionID: res.ExecutionID,
		UserID:      res.UserID,
		ProjectID:   res.ProjectID,
		Intent:      res.Intent,
		Assessment:  res.Assessment,
		Status:      res.OverallStatus,
		Summary:     res.Summary,
		At:          e.cfg.Now(),
	})
	log.Info("execution finished",
		zap.String("status", string(res.OverallStatus)),
		zap.Int64("duration_ms", res.DurationMS))
	return res
}

func (e *Engine) audit(ctx context.Context, log *zap.Logger, entry AuditEntry) {
	if e.cfg.Audit == nil {
		return
	}
	e.bestEffort(log.With(zap.String("audit_type", entry.Type)), "audit", func() error {
		return e.cfg.Audit.Record(context.WithoutCancel(ctx), entry)
	})
}

// bestEffort runs a side call whose failure must never reach the caller.
func (e *Engine) bestEffort(log *zap.Logger, kind string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			sideEffectFailures.WithLabelValues(kind).Inc()
			log.Warn(kind+" write panicked", zap.Any("panic", p))
		}
	}()
	if err := fn(); err != nil {
		sideEffectFailures.WithLabelValues(kind).Inc()
		log.Warn(kind+" write failed", zap.Error(err))
	}
}

func summarize(intent domain.Intent, agentType string, status domain.Status, results []domain.PhaseResult) string {
	a := Analyze(results)
	switch status {
	case domain.StatusSuccess:
		return fmt.Sprintf("Completed '%s' with agent '%s'", intent.String(), agentType)
	case domain.StatusFailure:
		if a.FailureType == FailureTypeTimeout {
			return fmt.Sprintf("'%s' timed out before %s", intent.String(), a.FailurePhase)
		}
		return fmt.Sprintf("'%s' failed at %s: %s", intent.String(), a.FailurePhase, a.PrimaryError)
	case domain.StatusSkipped:
		return fmt.Sprintf("'%s' was skipped by agent '%s'", intent.String(), agentType)
	default:
		return fmt.Sprintf("'%s' partially completed with agent '%s'", intent.String(), agentType)
	}
}

type Request struct {
	Intent    domain.Intent
	State     domain.ProjectState
	UserID    string
	ProjectID string
	Options   []RunOption
}

// ExecuteBatch runs independent requests concurrently, at most MaxParallel at a time.
// Results are returned in request order.
func (e *Engine) ExecuteBatch(ctx context.Context, reqs []Request) ([]domain.ExecutionResult, error) {
	for i, req := range reqs {
		if strings.TrimSpace(req.Intent.Name) == "" {
			return nil, fmt.Errorf("request %d: %w", i, ErrNoIntent)
		}
	}
	out := make([]domain.ExecutionResult, len(reqs))
	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for i, req := range reqs {
		g.Go(func() error {
			res, err := e.Execute(ctx, req.Intent, req.State, req.UserID, req.ProjectID, req.Options...)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
