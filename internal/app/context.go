// Package app wires a workspace together: the snapshot database, the
// restored in-memory store, the template catalog and the engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/persist"
	"phaseline/internal/store"
)

type App struct {
	Engine engine.Engine
	Store  *store.Store
	Config *config.Config
	DB     *sql.DB
}

// Open loads a workspace: opens the snapshot database, runs pending
// migrations, restores every persisted graph into a fresh store and
// builds the engine on top.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	repo := &persist.Repo{DB: conn}
	graphs, logs, err := repo.Load(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	st := store.New()
	if err := st.Restore(graphs, logs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("restore store: %w", err)
	}
	return &App{
		Engine: engine.New(st, repo, cfg),
		Store:  st,
		Config: cfg,
		DB:     conn,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
