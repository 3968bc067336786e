package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/events"
)

// HistoryStore is the append-only execution history.
type HistoryStore struct {
	Repo
}

func (r Repo) History() HistoryStore { return HistoryStore{Repo: r} }

// SaveExecution stores res and its phase results in one transaction. Saving the same
// execution id twice fails.
func (h HistoryStore) SaveExecution(ctx context.Context, res domain.ExecutionResult) error {
	intentJSON, err := json.Marshal(res.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	var assessment any
	if res.Assessment != nil {
		data, err := json.Marshal(res.Assessment)
		if err != nil {
			return fmt.Errorf("encode assessment: %w", err)
		}
		assessment = string(data)
	}
	return h.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO executions(id,project_id,user_id,intent_name,intent_json,overall_status,summary,duration_ms,assessment_json,started_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			res.ExecutionID, res.ProjectID, res.UserID, res.Intent.Name, string(intentJSON), res.OverallStatus, res.Summary,
			res.DurationMS, assessment, formatTime(res.StartedAt)); err != nil {
			return fmt.Errorf("insert execution %s: %w", res.ExecutionID, err)
		}
		for i, pr := range res.Results {
			var data any
			if len(pr.Data) > 0 {
				encoded, err := json.Marshal(pr.Data)
				if err != nil {
					return fmt.Errorf("encode %s data: %w", pr.Phase, err)
				}
				data = string(encoded)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO phase_results(execution_id,seq,agent_type,phase,status,data_json,reasoning,error,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
				res.ExecutionID, i, pr.AgentType, pr.Phase, pr.Status, data, nullable(pr.Reasoning), nullable(pr.Error),
				formatTime(pr.StartedAt), formatTime(pr.CompletedAt)); err != nil {
				return fmt.Errorf("insert %s result: %w", pr.Phase, err)
			}
		}
		return h.Events.Append(ctx, tx, events.ExecutionRecorded, res.ProjectID, events.KindExecution, res.ExecutionID, res.UserID, events.EventPayload{
			"intent":         res.Intent.Name,
			"overall_status": string(res.OverallStatus),
			"duration_ms":    res.DurationMS,
		})
	})
}

const executionColumns = `id,project_id,user_id,intent_json,overall_status,summary,duration_ms,COALESCE(assessment_json,''),started_at`

func scanExecution(row rowScanner) (domain.ExecutionResult, error) {
	var (
		res        domain.ExecutionResult
		intentJSON string
		assessment string
		started    string
	)
	err := row.Scan(&res.ExecutionID, &res.ProjectID, &res.UserID, &intentJSON, &res.OverallStatus, &res.Summary,
		&res.DurationMS, &assessment, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &res.Intent); err != nil {
		return res, fmt.Errorf("decode intent: %w", err)
	}
	if assessment != "" {
		var a domain.RiskAssessment
		if err := json.Unmarshal([]byte(assessment), &a); err != nil {
			return res, fmt.Errorf("decode assessment: %w", err)
		}
		res.Assessment = &a
	}
	res.StartedAt, err = parseTime(started)
	return res, err
}

func (h HistoryStore) GetExecution(ctx context.Context, id string) (domain.ExecutionResult, error) {
	res, err := scanExecution(h.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
	if err != nil {
		return res, err
	}
	res.Results, err = h.phaseResults(ctx, id)
	return res, err
}

// ListExecutions returns matching executions, newest first, with their phase results.
func (h HistoryStore) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.ExecutionResult, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Since != nil {
		clauses = append(clauses, "started_at>=?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "started_at<?")
		args = append(args, formatTime(*f.Until))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM executions WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, executionColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := h.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.ExecutionResult
	for rows.Next() {
		res, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Results, err = h.phaseResults(ctx, out[i].ExecutionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (h HistoryStore) phaseResults(ctx context.Context, executionID string) ([]domain.PhaseResult, error) {
	rows, err := h.DB.QueryContext(ctx, `SELECT agent_type,phase,status,COALESCE(data_json,''),COALESCE(reasoning,''),COALESCE(error,''),started_at,completed_at FROM phase_results WHERE execution_id=? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.PhaseResult{}
	for rows.Next() {
		var (
			pr                 domain.PhaseResult
			data               string
			started, completed string
		)
		if err := rows.Scan(&pr.AgentType, &pr.Phase, &pr.Status, &data, &pr.Reasoning, &pr.Error, &started, &completed); err != nil {
			return nil, err
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &pr.Data); err != nil {
				return nil, fmt.Errorf("decode %s data: %w", pr.Phase, err)
			}
		}
		if pr.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if pr.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		res = append(res, pr)
	}
	return res, rows.Err()
}
