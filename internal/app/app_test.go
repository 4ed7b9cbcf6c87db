package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"gigescrow/internal/config"
	"gigescrow/internal/oracle"
)

func TestOpenEngineRequiresConfig(t *testing.T) {
	_, _, err := OpenEngine(context.Background(), Options{Workspace: t.TempDir()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "gx init")
}

func TestOpenEngineSeedsOracleSettings(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644))

	ctx := context.Background()
	e, closeFn, err := OpenEngine(ctx, Options{Workspace: workspace, LogLevel: "warn"})
	require.NoError(t, err)
	defer closeFn()

	_, local := e.Oracle.(*oracle.Recorder)
	require.True(t, local, "no endpoint configured should run in local mode")

	stored, err := e.Repo.GetOracleSettings(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, e.Config.Oracle.Template, stored.Template)
	require.Equal(t, e.Config.Oracle.Routing, stored.Routing)
}

func TestOraclePortUsesEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Oracle.Endpoint = "http://127.0.0.1:9/verify"
	cfg.Oracle.TimeoutSeconds = 3
	port, ok := OraclePort(cfg).(oracle.HTTPPort)
	require.True(t, ok)
	require.Equal(t, cfg.Oracle.Endpoint, port.Endpoint)
	require.Equal(t, cfg.OracleTimeout(), port.Timeout)
}
