package app

import (
	"database/sql"

	"go.uber.org/zap"

	"flowdesk/internal/blob"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

// Runtime bundles the opened database, config and engine for a workspace.
// Close the DB when done.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger
}

// Bootstrap opens the workspace database, runs migrations, loads
// flowdesk.yml (falling back to defaults) and wires the engine.
func Bootstrap(workspace string, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	blobStore := blob.NewStore(cfg.Attachments.Dir, logger)
	return &Runtime{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, blobStore),
		Logger: logger,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
