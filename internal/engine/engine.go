package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"shipline/internal/agents"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/intent"
	"shipline/internal/llm"
	"shipline/internal/orchestrator"
	"shipline/internal/policy"
	"shipline/internal/repo"
	"shipline/internal/sdlc"
)

type Options struct {
	// Completer backs LLM inference and the assistant agents. Nil disables them.
	Completer llm.Completer
	// Confirmer approves runs that need confirmation. Nil rejects them.
	Confirmer orchestrator.Confirmer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Engine wires inference, risk policy, the project lifecycle and the orchestrator over one
// workspace database.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Config       *config.Config
	Intents      *intent.Service
	Policy       policy.Engine
	Machine      sdlc.Machine
	Orchestrator *orchestrator.Engine
	Log          *zap.Logger
}

// New wires an engine over db. The configured intent definitions are compiled over the
// built-ins here, so a bad definition is reported before any command runs.
func New(db *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		cfg = config.Default("default")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	completer := opts.Completer
	if completer == nil {
		completer = llm.Unavailable{}
	}
	rs, err := intent.NewRuleset(intent.Merge(intent.Builtins(), cfg.IntentDefinitions()))
	if err != nil {
		return Engine{}, fmt.Errorf("intent definitions: %w", err)
	}
	r := repo.Repo{DB: db, Events: events.Writer{Now: now}, Now: now}
	pol := policy.New(cfg.PolicyOptions())
	machine := sdlc.New(r.States(), log.Named("sdlc"))
	machine.Now = now
	orch := orchestrator.New(orchestrator.Config{
		Agents:         agents.Defaults(machine, completer, log),
		Reflector:      agents.Reflection{Completer: completer, Log: log.Named("reflection")},
		Policy:         pol,
		History:        r.History(),
		Audit:          events.Audit{DB: db, Writer: r.Events},
		Confirmer:      opts.Confirmer,
		Logger:         log,
		Now:            now,
		DefaultTimeout: cfg.Orchestrator.DefaultTimeout.Std(),
		MaxParallel:    cfg.Orchestrator.MaxParallel,
	})
	return Engine{
		DB:           db,
		Repo:         r,
		Config:       cfg,
		Intents:      intent.NewService(rs, completer, log.Named("intent")),
		Policy:       pol,
		Machine:      machine,
		Orchestrator: orch,
		Log:          log,
	}, nil
}

// LoadIntents compiles the configured and registered intent definitions over the built-ins.
// Registered definitions win over configured ones with the same name.
func (e Engine) LoadIntents(ctx context.Context) error {
	stored, err := e.Repo.Intents().Definitions(ctx)
	if err != nil {
		return fmt.Errorf("load intent definitions: %w", err)
	}
	return e.Intents.Reload(intent.Merge(e.Config.IntentDefinitions(), stored))
}

func (e Engine) InferIntent(ctx context.Context, command, userID, projectID string, contextMap map[string]string) (domain.Intent, error) {
	return e.Intents.InferIntent(ctx, command, userID, projectID, contextMap)
}

// AssessRisk rates in against the stored state of projectID. An unknown project is assessed
// on the intent alone.
func (e Engine) AssessRisk(ctx context.Context, in domain.Intent, projectID string) (domain.RiskAssessment, error) {
	if projectID == "" {
		return e.Policy.AssessRisk(in, nil), nil
	}
	st, err := e.Machine.GetCurrentState(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.Policy.AssessRisk(in, nil), nil
	}
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	return e.Policy.AssessRisk(in, &st), nil
}

// Execute runs an already inferred intent. The project must exist.
func (e Engine) Execute(ctx context.Context, in domain.Intent, userID, projectID string, opts ...orchestrator.RunOption) (domain.ExecutionResult, error) {
	ctx = events.WithActor(ctx, userID)
	st, err := e.Machine.GetCurrentState(ctx, projectID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return e.Orchestrator.Execute(ctx, in, st, userID, projectID, opts...)
}

type RunRequest struct {
	Command   string
	UserID    string
	ProjectID string
	Context   map[string]string
	Params    map[string]any
	Timeout   time.Duration
	Confirmed bool
}

type RunResult struct {
	Intent     domain.Intent           `json:"intent"`
	Assessment domain.RiskAssessment   `json:"assessment"`
	Execution  *domain.ExecutionResult `json:"execution,omitempty"`
}

// Run infers the intent behind req.Command, assesses it and executes it. When the intent needs
// clarification nothing is executed and the result carries the questions.
func (e Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx = events.WithActor(ctx, req.UserID)
	st, err := e.Machine.GetCurrentState(ctx, req.ProjectID)
	if err != nil {
		return RunResult{}, err
	}
	in, err := e.Intents.InferIntent(ctx, req.Command, req.UserID, req.ProjectID, req.Context)
	if err != nil {
		return RunResult{}, err
	}
	out := RunResult{Intent: in, Assessment: e.Policy.AssessRisk(in, &st)}
	if in.NeedsClarification() {
		e.Log.Info("intent needs clarification",
			zap.String("project_id", req.ProjectID),
			zap.String("intent", in.String()),
			zap.Float64("confidence", in.Confidence))
		return out, nil
	}
	opts := []orchestrator.RunOption{orchestrator.WithAssessment(out.Assessment)}
	if req.Timeout > 0 {
		opts = append(opts, orchestrator.WithTimeout(req.Timeout))
	}
	if len(req.Params) > 0 {
		opts = append(opts, orchestrator.WithParams(req.Params))
	}
	if req.Confirmed {
		opts = append(opts, orchestrator.WithConfirmed())
	}
	res, err := e.Orchestrator.Execute(ctx, in, st, req.UserID, req.ProjectID, opts...)
	if err != nil {
		return RunResult{}, err
	}
	out.Execution = &res
	return out, nil
}

func (e Engine) InitializeProject(ctx context.Context, projectID, actorID string) (domain.ProjectState, error) {
	return e.Machine.InitializeProject(events.WithActor(ctx, actorID), projectID)
}

func (e Engine) GetCurrentState(ctx context.Context, projectID string) (domain.ProjectState, error) {
	return e.Machine.GetCurrentState(ctx, projectID)
}

func (e Engine) TransitionTo(ctx context.Context, projectID string, to domain.Phase, actorID string) (domain.ProjectState, error) {
	return e.Machine.TransitionTo(events.WithActor(ctx, actorID), projectID, to)
}

func (e Engine) UpdateMetrics(ctx context.Context, projectID string, update sdlc.MetricsUpdate, actorID string) (domain.ProjectState, error) {
	return e.Machine.UpdateMetrics(events.WithActor(ctx, actorID), projectID, update)
}

func (e Engine) AddCustomMetric(ctx context.Context, projectID, key string, value any, actorID string) (domain.ProjectState, error) {
	return e.Machine.AddCustomMetric(events.WithActor(ctx, actorID), projectID, key, value)
}

func (e Engine) CalculateReadiness(ctx context.Context, projectID string) (domain.ReadinessAssessment, error) {
	return e.Machine.CalculateReadiness(ctx, projectID)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.ProjectState, error) {
	return e.Repo.States().List(ctx)
}

func (e Engine) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.ExecutionResult, error) {
	return e.Repo.History().ListExecutions(ctx, f)
}

func (e Engine) GetExecution(ctx context.Context, id string) (domain.ExecutionResult, error) {
	return e.Repo.History().GetExecution(ctx, id)
}

// Events returns the newest events, optionally for one project and type, older than cursor.
func (e Engine) Events(ctx context.Context, projectID, evtType string, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, projectID, evtType)
}

// RegisterIntent persists def and swaps the active ruleset. The ruleset is compiled first so an
// invalid definition is never stored.
func (e Engine) RegisterIntent(ctx context.Context, def domain.IntentDefinition, actorID string) (domain.IntentDefinition, error) {
	def.Name = strings.ToLower(strings.TrimSpace(def.Name))
	if def.Name == "" {
		return domain.IntentDefinition{}, errors.New("intent name is required")
	}
	if def.DefaultRisk != "" {
		lvl, err := domain.ParseRiskLevel(string(def.DefaultRisk))
		if err != nil {
			return domain.IntentDefinition{}, err
		}
		def.DefaultRisk = lvl
	}
	stored, err := e.Repo.Intents().Definitions(ctx)
	if err != nil {
		return domain.IntentDefinition{}, err
	}
	defs := intent.Merge(e.Config.IntentDefinitions(), stored, []domain.IntentDefinition{def})
	if _, err := intent.NewRuleset(intent.Merge(intent.Builtins(), defs)); err != nil {
		return domain.IntentDefinition{}, err
	}
	if err := e.Repo.Intents().Upsert(events.WithActor(ctx, actorID), def); err != nil {
		return domain.IntentDefinition{}, err
	}
	if err := e.Intents.Reload(defs); err != nil {
		return domain.IntentDefinition{}, err
	}
	return def, nil
}

// IntentDefinitions lists the active ruleset.
func (e Engine) IntentDefinitions() []domain.IntentDefinition {
	return e.Intents.Ruleset().Definitions()
}
