package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "CORS_ORIGINS", "DATABASE_URL", "JWT_SECRET", "NATS_URL", "LOG_LEVEL", "SOURCE_READ_TIMEOUT", "DATABASE_MAX_CONNS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"http://localhost:3003"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sources.ReadTimeout)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
http:
  addr: ":9090"
  shutdown_timeout: 2s
database:
  url: postgres://file/db
  max_conns: 4
sources:
  read_timeout: 750ms
log:
  level: warn
`), 0o600)
	require.NoError(t, err)

	t.Setenv("HTTP_ADDR", "")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SOURCE_READ_TIMEOUT", "")
	t.Setenv("DATABASE_MAX_CONNS", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, int32(4), cfg.Database.MaxConns)
	assert.Equal(t, 750*time.Millisecond, cfg.Sources.ReadTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.AllowedOrigins)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad duration in env", func(t *testing.T) {
		t.Setenv("SOURCE_READ_TIMEOUT", "soon")
		_, err := Load("")
		assert.ErrorContains(t, err, "SOURCE_READ_TIMEOUT")
	})

	t.Run("bad log level", func(t *testing.T) {
		t.Setenv("SOURCE_READ_TIMEOUT", "")
		t.Setenv("LOG_LEVEL", "chatty")
		_, err := Load("")
		assert.ErrorContains(t, err, "log.level")
	})
}

func TestLogConfig_SlogLevel(t *testing.T) {
	level, err := LogConfig{Level: "error"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)

	_, err = LogConfig{Level: "chatty"}.SlogLevel()
	assert.ErrorContains(t, err, "log.level")
}
