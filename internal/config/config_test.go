package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0644))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	storage := filepath.Join(t.TempDir(), "archive")
	dir := writeConfig(t, `
server:
  mode: debug
jwt:
  secret: short
storage:
  local_path: `+storage+`
engine:
  rating_attempts: 0
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Server.PublicURL)
	assert.Equal(t, 5, cfg.Engine.RatingAttempts)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Queue.Visibility())
	assert.Equal(t, 60*time.Second, cfg.AI.Timeout())
	assert.Equal(t, "logs/journey.log", cfg.Log.File)

	_, err = os.Stat(storage)
	assert.NoError(t, err)
}

func TestLoadConfigRejectsWeakSecretInRelease(t *testing.T) {
	viper.Reset()
	dir := writeConfig(t, `
server:
  mode: release
jwt:
  secret: too-short
storage:
  type: minio
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT secret is too short")
}
