package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/events"
)

// IntentDefinitions is the sqlite intent registry.
type IntentDefinitions struct {
	Repo
}

func (r Repo) Intents() IntentDefinitions { return IntentDefinitions{Repo: r} }

// Upsert stores def, replacing any definition with the same name.
func (d IntentDefinitions) Upsert(ctx context.Context, def domain.IntentDefinition) error {
	def.Name = strings.ToLower(strings.TrimSpace(def.Name))
	if def.Name == "" {
		return fmt.Errorf("intent name is required")
	}
	targets, _ := json.Marshal(nonNil(def.ValidTargets))
	synonyms, _ := json.Marshal(nonNil(def.Synonyms))
	examples, _ := json.Marshal(nonNil(def.Examples))
	now := formatTime(d.now())
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO intent_definitions(name,description,valid_targets_json,synonyms_json,default_risk,examples_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET description=excluded.description, valid_targets_json=excluded.valid_targets_json, synonyms_json=excluded.synonyms_json, default_risk=excluded.default_risk, examples_json=excluded.examples_json, updated_at=excluded.updated_at`,
			def.Name, nullable(def.Description), string(targets), string(synonyms), nullable(string(def.DefaultRisk)), string(examples), now, now); err != nil {
			return err
		}
		return d.Events.Append(ctx, tx, events.IntentRegistered, "", events.KindIntent, def.Name, "", events.EventPayload{
			"valid_targets": def.ValidTargets,
			"synonyms":      def.Synonyms,
		})
	})
}

// Definitions lists stored definitions by name.
func (d IntentDefinitions) Definitions(ctx context.Context) ([]domain.IntentDefinition, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT name,COALESCE(description,''),valid_targets_json,synonyms_json,COALESCE(default_risk,''),examples_json FROM intent_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.IntentDefinition
	for rows.Next() {
		var (
			def                         domain.IntentDefinition
			targets, synonyms, examples string
		)
		if err := rows.Scan(&def.Name, &def.Description, &targets, &synonyms, &def.DefaultRisk, &examples); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			raw string
			dst *[]string
		}{{targets, &def.ValidTargets}, {synonyms, &def.Synonyms}, {examples, &def.Examples}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decode intent %s: %w", def.Name, err)
			}
			if len(*f.dst) == 0 {
				*f.dst = nil
			}
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
