package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/engine"
	"shipline/internal/llm"
	"shipline/internal/migrate"
	"shipline/internal/orchestrator"
	"shipline/internal/repo"
)

// ResolveProjectAndConfig loads shipline.yml from workspace, or the defaults when it is missing,
// and picks the active project. It prefers the override, then the config, then the only
// project in the database.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" && r.DB != nil {
		states, err := r.States().List(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(states) == 1 {
			projectID = states[0].ProjectID
		}
	}
	if projectID == "" {
		return "", nil, fmt.Errorf("project not specified; use --project")
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	return projectID, cfg, nil
}

type Options struct {
	Workspace string
	Project   string
	Logger    *zap.Logger
	Confirmer orchestrator.Confirmer
}

// App is an opened workspace: the database, the resolved config, and the engine over both.
type App struct {
	DB        *sql.DB
	ProjectID string
	Config    *config.Config
	Engine    engine.Engine
}

// Open opens and migrates the workspace database, resolves the project and builds the engine
// with the configured completion service.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	projectID, cfg, err := ResolveProjectAndConfig(ctx, opts.Workspace, opts.Project, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return nil, err
	}
	completer, err := llm.New(cfg.CompletionConfig(), log.Named("llm"))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("completion service: %w", err)
	}
	eng, err := engine.New(conn, cfg, engine.Options{Completer: completer, Confirmer: opts.Confirmer, Logger: log})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := eng.LoadIntents(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, ProjectID: projectID, Config: cfg, Engine: eng}, nil
}

func (a *App) Close() error { return a.DB.Close() }
