package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the events table.
const (
	ProjectInitialized  = "project.initialized"
	ProjectStateUpdated = "project.state.updated"
	ExecutionRecorded   = "execution.recorded"
	IntentRegistered    = "intent.registered"
)

// Entity kinds.
const (
	KindProject   = "project"
	KindExecution = "execution"
	KindIntent    = "intent"
)

const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = ActorFrom(ctx)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

type actorKey struct{}

// WithActor records who is acting for events appended under ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor stored by WithActor, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
