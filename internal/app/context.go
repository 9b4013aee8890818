package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/engine"
	"repairline/internal/logger"
	"repairline/internal/migrate"
)

const serviceName = "repairline"

// Context is an opened workspace: migrated database, loaded config and the
// engine built over them.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Logger    *zap.Logger
	Engine    engine.Engine
}

// Open opens the workspace database, applies migrations and loads
// repairline.yml, falling back to defaults when the file is absent.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Logger:    log,
		Engine:    engine.New(conn, cfg, log),
	}, nil
}

// Close flushes the logger and releases the database.
func (c *Context) Close() error {
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
