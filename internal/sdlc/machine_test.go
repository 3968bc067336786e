package sdlc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shipline/internal/domain"
	"shipline/internal/sdlc"
)

func newMachine(t *testing.T) sdlc.Machine {
	t.Helper()
	m := sdlc.New(sdlc.NewMemoryStore(), zaptest.NewLogger(t))
	m.Now = func() time.Time { return now }
	return m
}

func TestInitializeProjectDefaults(t *testing.T) {
	m := newMachine(t)
	st, err := m.InitializeProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanning, st.Phase)
	assert.Equal(t, domain.RiskLow, st.RiskLevel)
	require.NotNil(t, st.TestCoverage)
	assert.Equal(t, 0.0, *st.TestCoverage)
	assert.Equal(t, 0.0, st.ReleaseReadiness)
	assert.Zero(t, st.OpenIssues)
}

func TestInitializeProjectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	first, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	again, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("second initialize changed state (-first +again):\n%s", diff)
	}

	_, err = m.UpdateMetrics(ctx, "p1", sdlc.MetricsUpdate{TestCoverage: ptr(0.8), OpenIssues: ptr(1), TotalIssues: ptr(4)})
	require.NoError(t, err)
	again, err = m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, *again.TestCoverage)
	assert.Equal(t, 1, again.OpenIssues)
}

func TestTransitionsFromDevelopment(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	_, err = m.TransitionTo(ctx, "p1", domain.PhaseDevelopment)
	require.NoError(t, err)

	for _, skip := range []domain.Phase{domain.PhaseStaging, domain.PhaseProduction} {
		_, err = m.TransitionTo(ctx, "p1", skip)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sdlc.ErrInvalidTransition))
		var ite *sdlc.InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, domain.PhaseDevelopment, ite.From)
		assert.Equal(t, skip, ite.To)
	}
	st, err := m.GetCurrentState(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDevelopment, st.Phase, "rejected transitions must not mutate state")

	st, err = m.TransitionTo(ctx, "p1", domain.PhaseTesting)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTesting, st.Phase)

	_, err = m.TransitionTo(ctx, "p1", domain.PhaseDevelopment)
	require.NoError(t, err)
	st, err = m.TransitionTo(ctx, "p1", domain.PhasePlanning)
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanning, st.Phase)
}

func TestTransitionRecomputesScores(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	st, err := m.TransitionTo(ctx, "p1", domain.PhasePlanning)
	require.NoError(t, err)
	// coverage 0, no deployment: 0.4 + 0.2
	assert.InDelta(t, 0.6, st.RiskScore, 1e-9)
	assert.Equal(t, domain.RiskHigh, st.RiskLevel)
	assert.InDelta(t, 0.3, st.ReleaseReadiness, 1e-9)
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.GetCurrentState(ctx, "ghost")
	assert.True(t, errors.Is(err, sdlc.ErrNotFound))
	_, err = m.TransitionTo(ctx, "ghost", domain.PhaseDevelopment)
	assert.True(t, errors.Is(err, sdlc.ErrNotFound))
	_, err = m.UpdateMetrics(ctx, "ghost", sdlc.MetricsUpdate{OpenIssues: ptr(1)})
	assert.True(t, errors.Is(err, sdlc.ErrNotFound))
	_, err = m.AddCustomMetric(ctx, "ghost", "risk_x", 0.2)
	var nf *sdlc.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ghost", nf.ProjectID)
	_, err = m.CalculateReadiness(ctx, "ghost")
	assert.True(t, errors.Is(err, sdlc.ErrNotFound))
}

func TestUpdateMetricsValidation(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	_, err = m.UpdateMetrics(ctx, "p1", sdlc.MetricsUpdate{TestCoverage: ptr(1.5)})
	assert.True(t, errors.Is(err, sdlc.ErrInvalidMetric))
	_, err = m.UpdateMetrics(ctx, "p1", sdlc.MetricsUpdate{OpenIssues: ptr(-1)})
	assert.True(t, errors.Is(err, sdlc.ErrInvalidMetric))
}

func TestCustomMetricRecomputesOnlyForScoredKeys(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)

	st, err := m.AddCustomMetric(ctx, "p1", "owner", "team-a")
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.RiskScore)
	assert.Equal(t, "team-a", st.CustomMetrics["owner"])

	st, err = m.AddCustomMetric(ctx, "p1", "risk_security", 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, st.RiskScore, 1e-9)
	assert.Equal(t, domain.RiskHigh, st.RiskLevel)

	_, err = m.AddCustomMetric(ctx, "p1", "readiness_docs", "lots")
	assert.True(t, errors.Is(err, sdlc.ErrInvalidMetric))
}

func TestCalculateReadiness(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	_, err := m.InitializeProject(ctx, "p1")
	require.NoError(t, err)
	_, err = m.UpdateMetrics(ctx, "p1", sdlc.MetricsUpdate{TestCoverage: ptr(0.6), OpenIssues: ptr(0), TotalIssues: ptr(5)})
	require.NoError(t, err)
	a, err := m.CalculateReadiness(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 0.54, a.Score, 1e-9)
	assert.Equal(t, domain.ReadinessNotReady, a.Status)
	assert.Contains(t, a.BlockingFactors, "Test coverage is only 60% (target: 80%)")
}

func TestConcurrentUpdatesOnDifferentProjects(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	const projects = 8
	for i := 0; i < projects; i++ {
		_, err := m.InitializeProject(ctx, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < projects; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			for j := 0; j <= i; j++ {
				_, _ = m.UpdateMetrics(ctx, id, sdlc.MetricsUpdate{OpenIssues: ptr(j), TotalIssues: ptr(100)})
			}
			_, _ = m.TransitionTo(ctx, id, domain.PhaseDevelopment)
		}(i)
	}
	wg.Wait()
	for i := 0; i < projects; i++ {
		st, err := m.GetCurrentState(ctx, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		assert.Equal(t, i, st.OpenIssues)
		assert.Equal(t, domain.PhaseDevelopment, st.Phase)
	}
}
