package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shipline/internal/orchestrator"
)

// Audit stores orchestrator audit entries as events.
type Audit struct {
	DB     *sql.DB
	Writer Writer
}

func (a Audit) Record(ctx context.Context, e orchestrator.AuditEntry) error {
	payload := EventPayload{
		"intent":       e.Intent.Name,
		"target":       e.Intent.Target,
		"confidence":   e.Intent.Confidence,
		"execution_id": e.ExecutionID,
	}
	if e.Assessment != nil {
		payload["risk_level"] = string(e.Assessment.Level)
		payload["requires_confirmation"] = e.Assessment.RequiresConfirmation
		payload["concerns"] = e.Assessment.Concerns
	}
	if e.Status != "" {
		payload["status"] = string(e.Status)
	}
	if e.Summary != "" {
		payload["summary"] = e.Summary
	}
	w := a.Writer
	if !e.At.IsZero() {
		at := e.At
		w.Now = func() time.Time { return at }
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, e.Type, e.ProjectID, KindExecution, e.ExecutionID, e.UserID, payload); err != nil {
		return fmt.Errorf("append %s: %w", e.Type, err)
	}
	return tx.Commit()
}
