package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 5*time.Second, cfg.Camera.Timeout)
	assert.Equal(t, "local", cfg.Match.Backend)
	assert.Equal(t, 0.6, cfg.Match.LocalThreshold)
	assert.Equal(t, float64(90), cfg.Match.ManagedThreshold)
	assert.Equal(t, 2500*time.Millisecond, cfg.Flow.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Flow.NetworkTimeout)
	assert.Equal(t, 10, cfg.Flow.MaxAttempts)
	assert.Equal(t, 5, cfg.Lockout.MaxFailures)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
camera:
  device: /dev/video2
  timeout: 3s
match:
  backend: managed
  managed_threshold: 95
flow:
  retry_delay: 1s
  max_attempts: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.Equal(t, 3*time.Second, cfg.Camera.Timeout)
	assert.Equal(t, "managed", cfg.Match.Backend)
	assert.Equal(t, float64(95), cfg.Match.ManagedThreshold)
	assert.Equal(t, time.Second, cfg.Flow.RetryDelay)
	assert.Equal(t, 4, cfg.Flow.MaxAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FACEID_SERVER_PORT", "7070")
	t.Setenv("FACEID_MATCH_BACKEND", "managed")
	t.Setenv("FACEID_SEAL_KEY", "deadbeef")
	t.Setenv("FACEID_CAMERA_DEVICE", "/dev/video9")

	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "managed", cfg.Match.Backend)
	assert.Equal(t, "deadbeef", cfg.Database.SealKey)
	assert.Equal(t, "/dev/video9", cfg.Camera.Device)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "faceid", User: "svc", Password: "pw"}
	assert.Equal(t, "postgres://svc:pw@db:5433/faceid?sslmode=disable", d.DSN())
}
