package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(64*1024), cfg.WebSocket.MaxMessageBytes)
	assert.Equal(t, 60, cfg.WebSocket.MessagesPerMinute)
	assert.Equal(t, 5, cfg.WebSocket.MaxConnectionsPerUser)
	assert.Equal(t, 30*time.Minute, cfg.WebSocket.SessionTimeout)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.WebSocket.ConflictRetention)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	content := `
server:
  port: "9090"
websocket:
  messages_per_minute: 120
  session_timeout: 10m
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 120, cfg.WebSocket.MessagesPerMinute)
	assert.Equal(t, 10*time.Minute, cfg.WebSocket.SessionTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched values keep defaults
	assert.Equal(t, 5, cfg.WebSocket.MaxConnectionsPerUser)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_SERVER_PORT", "7070")
	t.Setenv("COLLAB_WS_MESSAGES_PER_MINUTE", "30")
	t.Setenv("COLLAB_WS_SESSION_TIMEOUT", "5m")
	t.Setenv("COLLAB_LOG_IS_DEV", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 30, cfg.WebSocket.MessagesPerMinute)
	assert.Equal(t, 5*time.Minute, cfg.WebSocket.SessionTimeout)
	assert.True(t, cfg.Logging.IsDev)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("COLLAB_WS_MESSAGES_PER_MINUTE", "not-a-number")

	_, err := Load("")
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := Default().Postgres
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=collab")
	assert.Contains(t, dsn, "sslmode=disable")
}
