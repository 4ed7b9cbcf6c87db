package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gigescrow/internal/config"
	"gigescrow/internal/db"
	"gigescrow/internal/engine"
	"gigescrow/internal/logging"
	"gigescrow/internal/migrate"
	"gigescrow/internal/oracle"
)

// Options select the workspace and override parts of its config.
type Options struct {
	Workspace string
	LogLevel  string
}

// OpenEngine loads the workspace config, opens and migrates its database and
// returns a ready engine. The returned func closes the database.
func OpenEngine(ctx context.Context, opts Options) (engine.Engine, func(), error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	level := cfg.Log.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	if err := logging.Setup(level, cfg.Log.Format); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := openDB(ctx, opts.Workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg, OraclePort(cfg))
	if err := e.EnsureOracleSettings(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("oracle settings: %w", err)
	}
	e.Log.WithField("workspace", opts.Workspace).Debug("engine ready")
	return e, func() { conn.Close() }, nil
}

func openDB(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OraclePort returns the HTTP port when an endpoint is configured. Without one
// requests are only recorded and stay pending until resolved by hand.
func OraclePort(cfg *config.Config) oracle.Port {
	if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
		return &oracle.Recorder{}
	}
	return oracle.HTTPPort{
		Endpoint: cfg.Oracle.Endpoint,
		Secret:   cfg.Oracle.Secret,
		Timeout:  cfg.OracleTimeout(),
	}
}
