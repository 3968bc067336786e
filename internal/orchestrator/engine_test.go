package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"shipline/internal/domain"
	"shipline/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted is a test agent whose phase statuses are fixed up front.
type scripted struct {
	typ      string
	intents  []string
	statuses map[domain.AgentPhase]domain.Status
	panicAt  domain.AgentPhase
	onAct    func(ctx context.Context, ec orchestrator.ExecutionContext)

	mu      sync.Mutex
	seen    map[domain.AgentPhase]orchestrator.ExecutionContext
	reflect func(ec orchestrator.ExecutionContext) domain.PhaseResult
}

func (s *scripted) Type() string { return s.typ }

func (s *scripted) CanHandle(ec orchestrator.ExecutionContext) bool {
	if s.typ == orchestrator.Wildcard {
		return true
	}
	for _, name := range s.intents {
		if name == ec.Intent().Name {
			return true
		}
	}
	return false
}

func (s *scripted) record(phase domain.AgentPhase, ec orchestrator.ExecutionContext) domain.PhaseResult {
	s.mu.Lock()
	if s.seen == nil {
		s.seen = map[domain.AgentPhase]orchestrator.ExecutionContext{}
	}
	s.seen[phase] = ec
	s.mu.Unlock()
	if s.panicAt == phase {
		panic("boom")
	}
	switch s.statuses[phase] {
	case domain.StatusFailure:
		return orchestrator.Failure(s.typ, phase, "scan found 3 critical issues", "security gate failed", nil)
	case domain.StatusPartial:
		return orchestrator.Partial(s.typ, phase, "half done", nil)
	case domain.StatusSkipped:
		return orchestrator.Skipped(s.typ, phase, "nothing to do")
	}
	return orchestrator.Success(s.typ, phase, string(phase)+" ok", map[string]any{"phase": string(phase)})
}

func (s *scripted) Plan(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return s.record(domain.AgentPlan, ec)
}

func (s *scripted) Act(ctx context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	if s.onAct != nil {
		s.onAct(ctx, ec)
	}
	return s.record(domain.AgentAct, ec)
}

func (s *scripted) Observe(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	return s.record(domain.AgentObserve, ec)
}

func (s *scripted) Reflect(_ context.Context, ec orchestrator.ExecutionContext) domain.PhaseResult {
	r := s.record(domain.AgentReflect, ec)
	if s.reflect != nil {
		return s.reflect(ec)
	}
	if r.Status == domain.StatusSuccess {
		return orchestrator.Reflect(s.typ, ec)
	}
	return r
}

func (s *scripted) contextAt(phase domain.AgentPhase) (orchestrator.ExecutionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.seen[phase]
	return ec, ok
}

type memHistory struct {
	mu   sync.Mutex
	runs map[string]domain.ExecutionResult
	err  error
}

func (h *memHistory) SaveExecution(_ context.Context, res domain.ExecutionResult) error {
	if h.err != nil {
		return h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runs == nil {
		h.runs = map[string]domain.ExecutionResult{}
	}
	h.runs[res.ExecutionID] = res
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []orchestrator.AuditEntry
}

func (a *memAudit) Record(_ context.Context, e orchestrator.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Type)
	}
	return out
}

func analyzeIntent() domain.Intent {
	return domain.Intent{Name: "analyze", Target: "security", Confidence: 0.9, Method: domain.MethodTemplate}
}

func lowRiskState(id string) domain.ProjectState {
	cov := 0.85
	return domain.ProjectState{ProjectID: id, Phase: domain.PhaseDevelopment, RiskLevel: domain.RiskLow, TestCoverage: &cov}
}

func TestSuccessfulRunRunsAllFourPhases(t *testing.T) {
	agent := &scripted{typ: "analyze", intents: []string{"analyze"}}
	hist := &memHistory{}
	eng := orchestrator.New(orchestrator.Config{
		Agents:  []orchestrator.Agent{agent},
		History: hist,
		Logger:  zaptest.NewLogger(t),
	})

	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.OverallStatus)
	require.Len(t, res.Results, 4)
	for i, phase := range domain.ProtocolPhases {
		assert.Equal(t, phase, res.Results[i].Phase)
	}
	assert.NotEmpty(t, res.ExecutionID)
	assert.Contains(t, hist.runs, res.ExecutionID)

	planCtx, _ := agent.contextAt(domain.AgentPlan)
	assert.Empty(t, planCtx.PriorResults(), "contexts handed to earlier phases never grow")
	obsCtx, _ := agent.contextAt(domain.AgentObserve)
	assert.Len(t, obsCtx.PriorResults(), 2)
}

func TestActFailureStillReflects(t *testing.T) {
	agent := &scripted{
		typ:     "analyze",
		intents: []string{"analyze"},
		statuses: map[domain.AgentPhase]domain.Status{
			domain.AgentAct:     domain.StatusFailure,
			domain.AgentObserve: domain.StatusSkipped,
		},
	}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}, Logger: zaptest.NewLogger(t)})

	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, res.OverallStatus)

	reflectCtx, ok := agent.contextAt(domain.AgentReflect)
	require.True(t, ok, "REFLECT must run after ACT failed")
	prior := reflectCtx.PriorResults()
	require.Len(t, prior, 3)
	assert.True(t, reflectCtx.HasFailure())
	obsCtx, observed := agent.contextAt(domain.AgentObserve)
	require.True(t, observed, "OBSERVE still runs after ACT failed")
	assert.True(t, obsCtx.HasFailure())
	assert.Len(t, obsCtx.PriorResults(), 2)

	last := res.Results[len(res.Results)-1]
	require.Equal(t, domain.AgentReflect, last.Phase)
	analysis, ok := last.Data[orchestrator.DataAnalysis].(orchestrator.Analysis)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailure, analysis.OverallOutcome)
	assert.Equal(t, domain.AgentAct, analysis.FailurePhase)
	assert.Equal(t, "analyze", analysis.FailingAgent)
	assert.Equal(t, "scan found 3 critical issues", analysis.PrimaryError)

	insights := last.Data[orchestrator.DataInsights].([]string)
	require.NotEmpty(t, insights)
	assert.Contains(t, insights[0], "ACT phase failed")
	assert.Contains(t, insights[0], "scan found 3 critical issues")
	assert.NotEmpty(t, last.Data[orchestrator.DataRecoveryActions])
	assert.NotEmpty(t, last.Data[orchestrator.DataRecommendations])
}

func TestLaterSuccessAfterActFailureIsPartial(t *testing.T) {
	agent := &scripted{
		typ:      "analyze",
		intents:  []string{"analyze"},
		statuses: map[domain.AgentPhase]domain.Status{domain.AgentAct: domain.StatusFailure},
	}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})

	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	phases := []domain.AgentPhase{}
	for _, r := range res.Results {
		phases = append(phases, r.Phase)
	}
	assert.Equal(t, domain.ProtocolPhases, phases)
	assert.True(t, res.Results[1].IsFailure())
	assert.Equal(t, domain.StatusSuccess, res.Results[2].Status)
	assert.Equal(t, domain.StatusPartial, res.OverallStatus)

	analysis := res.Results[3].Data[orchestrator.DataAnalysis].(orchestrator.Analysis)
	assert.Equal(t, domain.AgentAct, analysis.FailurePhase)
	assert.Equal(t, 1, analysis.PhasesFailed)
}

func TestDedicatedReflectorHandlesFailures(t *testing.T) {
	agent := &scripted{
		typ:      "analyze",
		intents:  []string{"analyze"},
		statuses: map[domain.AgentPhase]domain.Status{domain.AgentPlan: domain.StatusFailure},
	}
	eng := orchestrator.New(orchestrator.Config{
		Agents:    []orchestrator.Agent{agent},
		Reflector: orchestrator.DefaultReflector{},
	})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	require.Len(t, res.Results, 4)
	assert.Equal(t, "reflection", res.Results[3].AgentType)
	_, acted := agent.contextAt(domain.AgentAct)
	assert.True(t, acted)
	_, ok := agent.contextAt(domain.AgentReflect)
	assert.False(t, ok)
}

func TestIncompleteReflectionIsFilledIn(t *testing.T) {
	agent := &scripted{
		typ:     "analyze",
		intents: []string{"analyze"},
		reflect: func(ec orchestrator.ExecutionContext) domain.PhaseResult {
			return orchestrator.Success("analyze", domain.AgentReflect, "", map[string]any{
				orchestrator.DataInsights: []string{"custom insight"},
			})
		},
	}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	last := res.Results[3]
	assert.Equal(t, []string{"custom insight"}, last.Data[orchestrator.DataInsights])
	assert.NotEmpty(t, last.Data[orchestrator.DataRecoveryActions])
	assert.NotEmpty(t, last.Data[orchestrator.DataRecommendations])
	assert.IsType(t, orchestrator.Analysis{}, last.Data[orchestrator.DataAnalysis])
}

func TestNoHandlerIsBusinessFailure(t *testing.T) {
	audit := &memAudit{}
	eng := orchestrator.New(orchestrator.Config{
		Agents: []orchestrator.Agent{&scripted{typ: "status", intents: []string{"status"}}},
		Audit:  audit,
	})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, res.OverallStatus)
	assert.Equal(t, "No handler found for intent 'analyze'", res.Summary)
	assert.Empty(t, res.Results)
	assert.Equal(t, []string{orchestrator.AuditExecutionCompleted}, audit.types())
}

func TestMissingIntentIsAnError(t *testing.T) {
	eng := orchestrator.New(orchestrator.Config{})
	_, err := eng.Execute(context.Background(), domain.Intent{}, lowRiskState("p1"), "u1", "p1")
	assert.ErrorIs(t, err, orchestrator.ErrNoIntent)
}

func TestSpecificAgentBeatsWildcard(t *testing.T) {
	wild := &scripted{typ: orchestrator.Wildcard}
	specific := &scripted{typ: "analyze", intents: []string{"analyze"}}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{wild, specific}})

	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "analyze", res.Results[0].AgentType)

	res, err = eng.Execute(context.Background(), domain.Intent{Name: "debug"}, lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Wildcard, res.Results[0].AgentType)

	types := []string{}
	for _, a := range eng.Agents() {
		types = append(types, a.Type())
	}
	assert.Equal(t, []string{"analyze", orchestrator.Wildcard}, types)
}

func TestExpiredDeadlineShortCircuitsToReflect(t *testing.T) {
	agent := &scripted{typ: "analyze", intents: []string{"analyze"}}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})

	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1",
		orchestrator.WithDeadline(time.Now().Add(-time.Second)))
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, domain.AgentPlan, res.Results[0].Phase)
	assert.Equal(t, orchestrator.FailureTypeTimeout, res.Results[0].Data[orchestrator.DataFailureType])
	assert.Equal(t, domain.AgentReflect, res.Results[1].Phase)
	assert.Equal(t, domain.StatusFailure, res.OverallStatus)
	assert.Contains(t, res.Summary, "timed out")

	_, planned := agent.contextAt(domain.AgentPlan)
	assert.False(t, planned)
	_, reflected := agent.contextAt(domain.AgentReflect)
	assert.True(t, reflected)
}

func TestDeadlineExpiringDuringActFailsObserve(t *testing.T) {
	agent := &scripted{
		typ:     "analyze",
		intents: []string{"analyze"},
		onAct: func(ctx context.Context, _ orchestrator.ExecutionContext) {
			<-ctx.Done()
		},
	}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1",
		orchestrator.WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	phases := []domain.AgentPhase{}
	for _, r := range res.Results {
		phases = append(phases, r.Phase)
	}
	assert.Equal(t, []domain.AgentPhase{domain.AgentPlan, domain.AgentAct, domain.AgentObserve, domain.AgentReflect}, phases)
	assert.Equal(t, domain.StatusSuccess, res.Results[1].Status)
	assert.True(t, res.Results[2].IsFailure())
	assert.Equal(t, domain.StatusFailure, res.OverallStatus)
}

func TestPanickingAgentBecomesFailure(t *testing.T) {
	agent := &scripted{
		typ:      "analyze",
		intents:  []string{"analyze"},
		panicAt:  domain.AgentAct,
		statuses: map[domain.AgentPhase]domain.Status{domain.AgentObserve: domain.StatusSkipped},
	}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, res.OverallStatus)
	require.Len(t, res.Results, 4)
	assert.Contains(t, res.Results[1].Error, "boom")
	assert.Equal(t, domain.AgentReflect, res.Results[3].Phase)
}

func TestHistoryFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	eng := orchestrator.New(orchestrator.Config{
		Agents:  []orchestrator.Agent{&scripted{typ: "analyze", intents: []string{"analyze"}}},
		History: &memHistory{err: errors.New("disk full")},
		Logger:  zap.New(core),
	})
	res, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.OverallStatus)

	entries := logs.FilterMessage("history write failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, res.ExecutionID, fields["execution_id"])
	assert.Equal(t, "p1", fields["project_id"])
	assert.Equal(t, "disk full", fields["error"])
}

func TestProductionRunNeedsConfirmation(t *testing.T) {
	release := &scripted{typ: "release", intents: []string{"release"}}
	in := domain.Intent{Name: "release", Target: "production", Confidence: 0.9}

	t.Run("denied without confirmer", func(t *testing.T) {
		audit := &memAudit{}
		hist := &memHistory{}
		eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{release}, Audit: audit, History: hist})
		res, err := eng.Execute(context.Background(), in, lowRiskState("p1"), "u1", "p1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSkipped, res.OverallStatus)
		assert.Contains(t, res.Summary, "Confirmation required")
		require.NotNil(t, res.Assessment)
		assert.True(t, res.Assessment.RequiresConfirmation)
		assert.Empty(t, res.Results)
		assert.Equal(t, []string{
			orchestrator.AuditConfirmationRequired,
			orchestrator.AuditConfirmationDenied,
			orchestrator.AuditExecutionCompleted,
		}, audit.types())
		assert.Contains(t, hist.runs, res.ExecutionID)
	})

	t.Run("granted by confirmer", func(t *testing.T) {
		audit := &memAudit{}
		var asked orchestrator.ConfirmationRequest
		eng := orchestrator.New(orchestrator.Config{
			Agents: []orchestrator.Agent{release},
			Audit:  audit,
			Confirmer: orchestrator.ConfirmerFunc(func(_ context.Context, req orchestrator.ConfirmationRequest) (bool, error) {
				asked = req
				return true, nil
			}),
		})
		res, err := eng.Execute(context.Background(), in, lowRiskState("p1"), "u1", "p1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccess, res.OverallStatus)
		assert.Equal(t, domain.RiskHigh, asked.Assessment.Level)
		assert.Equal(t, "u1", asked.UserID)
		assert.Equal(t, orchestrator.AuditConfirmationGranted, audit.types()[1])
	})

	t.Run("pre-confirmed", func(t *testing.T) {
		audit := &memAudit{}
		eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{release}, Audit: audit})
		res, err := eng.Execute(context.Background(), in, lowRiskState("p1"), "u1", "p1", orchestrator.WithConfirmed())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccess, res.OverallStatus)
		assert.Equal(t, []string{orchestrator.AuditExecutionCompleted}, audit.types())
	})
}

func TestParamsReachAgents(t *testing.T) {
	var got any
	agent := &scripted{typ: "analyze", intents: []string{"analyze"}, onAct: func(_ context.Context, ec orchestrator.ExecutionContext) {
		got, _ = ec.Param("depth")
	}}
	eng := orchestrator.New(orchestrator.Config{Agents: []orchestrator.Agent{agent}})
	_, err := eng.Execute(context.Background(), analyzeIntent(), lowRiskState("p1"), "u1", "p1",
		orchestrator.WithParams(map[string]any{"depth": 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestParallelRunsAreIndependent(t *testing.T) {
	hist := &memHistory{}
	eng := orchestrator.New(orchestrator.Config{
		Agents:      []orchestrator.Agent{&scripted{typ: "analyze", intents: []string{"analyze"}}},
		History:     hist,
		MaxParallel: 4,
	})
	reqs := make([]orchestrator.Request, 0, 8)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("p%d", i)
		reqs = append(reqs, orchestrator.Request{Intent: analyzeIntent(), State: lowRiskState(id), UserID: "u", ProjectID: id})
	}
	out, err := eng.ExecuteBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, 8)
	ids := map[string]bool{}
	for i, res := range out {
		assert.Equal(t, fmt.Sprintf("p%d", i), res.ProjectID)
		assert.Equal(t, domain.StatusSuccess, res.OverallStatus)
		ids[res.ExecutionID] = true
	}
	assert.Len(t, ids, 8)
	assert.Len(t, hist.runs, 8)
}

func TestExecuteBatchRejectsMissingIntent(t *testing.T) {
	eng := orchestrator.New(orchestrator.Config{})
	_, err := eng.ExecuteBatch(context.Background(), []orchestrator.Request{{ProjectID: "p1"}})
	assert.ErrorIs(t, err, orchestrator.ErrNoIntent)
}
