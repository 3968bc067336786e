package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/migrate"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	opts.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng, err := engine.New(conn, config.Default("proj-1"), opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.LoadIntents(ctx); err != nil {
		t.Fatalf("load intents: %v", err)
	}
	if _, err := eng.InitializeProject(ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestRunStatusRecordsHistory(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	out, err := env.Engine.Run(env.Ctx, engine.RunRequest{Command: "status", UserID: "alice", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Intent.Name != "status" || out.Execution == nil {
		t.Fatalf("unexpected run result: %+v", out)
	}
	if out.Execution.OverallStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s: %s", out.Execution.OverallStatus, out.Execution.Summary)
	}
	if out.Assessment.Level != domain.RiskLow {
		t.Fatalf("expected LOW risk for status, got %s", out.Assessment.Level)
	}
	got, err := env.Engine.GetExecution(env.Ctx, out.Execution.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if len(got.Results) != 4 || got.UserID != "alice" {
		t.Fatalf("stored execution mismatch: %+v", got)
	}
	list, err := env.Engine.ListExecutions(env.Ctx, domain.ExecutionFilter{ProjectID: "proj-1"})
	if err != nil || len(list) != 1 {
		t.Fatalf("list executions: %v (%d)", err, len(list))
	}
	evts, err := env.Engine.Events(env.Ctx, "proj-1", orchestrator.AuditExecutionCompleted, 10, 0)
	if err != nil || len(evts) != 1 || evts[0].ActorID != "alice" {
		t.Fatalf("expected one execution.completed event by alice, got %+v (%v)", evts, err)
	}
}

func TestRunReleaseNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	out, err := env.Engine.Run(env.Ctx, engine.RunRequest{Command: "release staging", UserID: "alice", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Assessment.RequiresConfirmation {
		t.Fatalf("expected release to require confirmation: %+v", out.Assessment)
	}
	if out.Execution.OverallStatus != domain.StatusSkipped {
		t.Fatalf("expected skipped run, got %s", out.Execution.OverallStatus)
	}
	st, err := env.Engine.GetCurrentState(env.Ctx, "proj-1")
	if err != nil || st.Phase != domain.PhasePlanning {
		t.Fatalf("project should stay in planning: %+v %v", st, err)
	}
}

func TestRunWithConfirmerAdvancesProject(t *testing.T) {
	var asked int
	env := newTestEnv(t, engine.Options{Confirmer: orchestrator.ConfirmerFunc(func(context.Context, orchestrator.ConfirmationRequest) (bool, error) {
		asked++
		return true, nil
	})})
	cov, open, total := 0.9, 0, 10
	deployed := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	if _, err := env.Engine.UpdateMetrics(env.Ctx, "proj-1", sdlc.MetricsUpdate{
		TestCoverage: &cov, OpenIssues: &open, TotalIssues: &total, LastDeploymentTime: &deployed,
	}, "tester"); err != nil {
		t.Fatalf("update metrics: %v", err)
	}
	for _, p := range []domain.Phase{domain.PhaseDevelopment, domain.PhaseTesting} {
		if _, err := env.Engine.TransitionTo(env.Ctx, "proj-1", p, "tester"); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	out, err := env.Engine.Run(env.Ctx, engine.RunRequest{Command: "release staging", UserID: "alice", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if asked != 1 {
		t.Fatalf("expected one confirmation prompt, got %d", asked)
	}
	if out.Execution.OverallStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s: %s", out.Execution.OverallStatus, out.Execution.Summary)
	}
	st, _ := env.Engine.GetCurrentState(env.Ctx, "proj-1")
	if st.Phase != domain.PhaseStaging {
		t.Fatalf("expected staging, got %s", st.Phase)
	}
}

func TestRunUnknownProject(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	_, err := env.Engine.Run(env.Ctx, engine.RunRequest{Command: "status", UserID: "alice", ProjectID: "ghost"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStateOperations(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	if _, err := env.Engine.TransitionTo(env.Ctx, "proj-1", domain.PhaseTesting, "tester"); !errors.Is(err, sdlc.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	cov := 0.9
	st, err := env.Engine.UpdateMetrics(env.Ctx, "proj-1", sdlc.MetricsUpdate{TestCoverage: &cov}, "tester")
	if err != nil || st.TestCoverage == nil || *st.TestCoverage != 0.9 {
		t.Fatalf("update metrics: %+v %v", st, err)
	}
	st, err = env.Engine.AddCustomMetric(env.Ctx, "proj-1", "risk_security", 0.1, "tester")
	if err != nil || st.CustomMetrics["risk_security"] == nil {
		t.Fatalf("custom metric: %+v %v", st, err)
	}
	ra, err := env.Engine.CalculateReadiness(env.Ctx, "proj-1")
	if err != nil || ra.ProjectID != "proj-1" {
		t.Fatalf("readiness: %+v %v", ra, err)
	}
	evts, err := env.Engine.Events(env.Ctx, "proj-1", events.ProjectStateUpdated, 0, 0)
	if err != nil || len(evts) != 2 {
		t.Fatalf("expected two state updates, got %d (%v)", len(evts), err)
	}
	if evts[0].ActorID != "tester" {
		t.Fatalf("expected actor tester, got %s", evts[0].ActorID)
	}
}

func TestRegisterIntent(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	if _, err := env.Engine.RegisterIntent(env.Ctx, domain.IntentDefinition{Name: "two words"}, "tester"); err == nil {
		t.Fatalf("expected invalid name to be rejected")
	}
	def, err := env.Engine.RegisterIntent(env.Ctx, domain.IntentDefinition{
		Name:         "Rollback",
		Synonyms:     []string{"revert"},
		ValidTargets: []string{"staging", "production"},
		DefaultRisk:  "high",
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if def.Name != "rollback" || def.DefaultRisk != domain.RiskHigh {
		t.Fatalf("definition not normalized: %+v", def)
	}
	in, err := env.Engine.InferIntent(env.Ctx, "revert production", "tester", "proj-1", nil)
	if err != nil || in.Name != "rollback" || in.Target != "production" {
		t.Fatalf("expected rollback production, got %+v (%v)", in, err)
	}
	a, err := env.Engine.AssessRisk(env.Ctx, in, "proj-1")
	if err != nil || !a.Level.AtLeast(domain.RiskHigh) {
		t.Fatalf("expected at least HIGH risk, got %+v (%v)", a, err)
	}

	// a fresh engine over the same database sees the definition
	other, err := engine.New(env.Engine.DB, env.Engine.Config, engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := other.LoadIntents(env.Ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := other.Intents.Ruleset().Lookup("rollback"); !ok {
		t.Fatalf("registered intent not loaded")
	}
}

func TestNewRejectsBadIntentDefinition(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default("proj-1")
	cfg.Intents.Definitions = []config.IntentDefinition{{Name: "Roll Back"}}
	if _, err := engine.New(conn, cfg, engine.Options{}); err == nil {
		t.Fatalf("expected an error for an invalid intent name")
	}
}
