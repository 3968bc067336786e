package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"shipline/internal/domain"
	"shipline/internal/events"
)

// StateStore persists project states. Update runs the whole read-modify-write in one
// transaction, so concurrent updates to a project never lose writes.
type StateStore struct {
	Repo
}

func (r Repo) States() StateStore { return StateStore{Repo: r} }

const stateColumns = `project_id,phase,risk_level,risk_score,test_coverage,open_issues,total_issues,last_deployment_time,release_readiness,custom_metrics_json,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (domain.ProjectState, error) {
	var (
		st       domain.ProjectState
		coverage sql.NullFloat64
		deployed sql.NullString
		metrics  string
		updated  string
	)
	err := row.Scan(&st.ProjectID, &st.Phase, &st.RiskLevel, &st.RiskScore, &coverage, &st.OpenIssues, &st.TotalIssues,
		&deployed, &st.ReleaseReadiness, &metrics, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if coverage.Valid {
		v := coverage.Float64
		st.TestCoverage = &v
	}
	if deployed.Valid {
		t, err := parseTime(deployed.String)
		if err != nil {
			return st, err
		}
		st.LastDeploymentTime = &t
	}
	st.CustomMetrics = map[string]any{}
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &st.CustomMetrics); err != nil {
			return st, fmt.Errorf("decode custom metrics: %w", err)
		}
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return st, err
	}
	return st, nil
}

func (s StateStore) Get(ctx context.Context, projectID string) (domain.ProjectState, error) {
	return scanState(s.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM project_states WHERE project_id=?`, projectID))
}

func getStateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.ProjectState, error) {
	return scanState(tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM project_states WHERE project_id=?`, projectID))
}

// Create inserts state unless the project exists and returns the stored row either way.
func (s StateStore) Create(ctx context.Context, state domain.ProjectState) (domain.ProjectState, error) {
	var stored domain.ProjectState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getStateTx(ctx, tx, state.ProjectID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		metrics, err := encodeMetrics(state.CustomMetrics)
		if err != nil {
			return err
		}
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_states(`+stateColumns+`,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			state.ProjectID, state.Phase, state.RiskLevel, state.RiskScore, nullableFloat(state.TestCoverage), state.OpenIssues,
			state.TotalIssues, nullableTime(state.LastDeploymentTime), state.ReleaseReadiness, metrics, formatTime(state.UpdatedAt), now); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, events.ProjectInitialized, state.ProjectID, events.KindProject, state.ProjectID, "", events.EventPayload{
			"phase": string(state.Phase),
		}); err != nil {
			return err
		}
		stored, err = getStateTx(ctx, tx, state.ProjectID)
		return err
	})
	if err != nil {
		return domain.ProjectState{}, err
	}
	return stored, nil
}

// Update applies fn to the stored state and writes the result with a state event. An error
// from fn aborts the update.
func (s StateStore) Update(ctx context.Context, projectID string, fn func(*domain.ProjectState) error) (domain.ProjectState, error) {
	var updated domain.ProjectState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := getStateTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		before := st.Clone()
		if err := fn(&st); err != nil {
			return err
		}
		metrics, err := encodeMetrics(st.CustomMetrics)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE project_states SET phase=?, risk_level=?, risk_score=?, test_coverage=?, open_issues=?, total_issues=?, last_deployment_time=?, release_readiness=?, custom_metrics_json=?, updated_at=? WHERE project_id=?`,
			st.Phase, st.RiskLevel, st.RiskScore, nullableFloat(st.TestCoverage), st.OpenIssues, st.TotalIssues,
			nullableTime(st.LastDeploymentTime), st.ReleaseReadiness, metrics, formatTime(st.UpdatedAt), projectID); err != nil {
			return err
		}
		payload := events.EventPayload{
			"phase":             string(st.Phase),
			"risk_level":        string(st.RiskLevel),
			"risk_score":        st.RiskScore,
			"release_readiness": st.ReleaseReadiness,
		}
		if before.Phase != st.Phase {
			payload["from_phase"] = string(before.Phase)
		}
		if err := s.Events.Append(ctx, tx, events.ProjectStateUpdated, projectID, events.KindProject, projectID, "", payload); err != nil {
			return err
		}
		updated = st
		return nil
	})
	if err != nil {
		return domain.ProjectState{}, err
	}
	return updated, nil
}

func (s StateStore) List(ctx context.Context) ([]domain.ProjectState, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stateColumns+` FROM project_states ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func encodeMetrics(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode custom metrics: %w", err)
	}
	return string(data), nil
}
