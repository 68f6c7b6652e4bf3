package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"readiness/internal/blob"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/engine"
	"readiness/internal/engine/auth"
	"readiness/internal/migrate"
)

// Options select the workspace to open.
type Options struct {
	Workspace string
	ActorID   string
	Storage   config.StorageConfig
}

// Workspace is an opened readiness workspace: database, resolved
// configuration and an engine wired to the evidence store.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	RBAC   auth.Service
}

// Open migrates the workspace database and resolves its configuration.
// readiness.yml wins over the built-in defaults. When the database holds no
// catalog yet, the resolved one is imported so a fresh workspace is usable
// without an explicit import.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(opts.Workspace), err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	store, err := blob.New(ctx, opts.Storage, db.BlobDir(opts.Workspace))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("evidence storage: %w", err)
	}
	ws := &Workspace{
		Dir:    opts.Workspace,
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, store),
		RBAC:   auth.Service{Config: cfg},
	}
	if err := ws.seedCatalog(ctx, opts.ActorID); err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

func (w *Workspace) seedCatalog(ctx context.Context, actorID string) error {
	cat, err := w.Engine.Catalog(ctx)
	if err != nil {
		return err
	}
	if len(cat.Stages) > 0 {
		return nil
	}
	slog.InfoContext(ctx, "seeding checklist catalog", "workspace", w.Dir)
	return w.ImportCatalog(ctx, actorID)
}

// ImportCatalog writes the resolved configuration's catalog and
// organizations into the database.
func (w *Workspace) ImportCatalog(ctx context.Context, actorID string) error {
	return w.Engine.ImportCatalog(ctx, w.Config.DomainCatalog(), w.Config.DomainOrganizations(), actorID)
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}
