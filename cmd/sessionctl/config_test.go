package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://db:27017/?replicaSet=rs0
  database: agents
  timeout: 10s
  events_collection: history
redis:
  addr: redis:6379
  publish_rate: 20
  publish_burst: 5
log:
  format: json
  debug: true
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "mongodb://db:27017/?replicaSet=rs0", cfg.Mongo.URI)
	require.Equal(t, "agents", cfg.Mongo.Database)
	require.Equal(t, 10*time.Second, cfg.Mongo.Timeout)
	require.Equal(t, "history", cfg.Mongo.EventsCollection)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 20.0, cfg.Redis.PublishRate)
	require.Equal(t, 5, cfg.Redis.PublishBurst)
	require.Equal(t, 2*time.Second, cfg.Redis.Timeout)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Log.Debug)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "mongo:\n  database: fromfile\n")
	t.Setenv("SESSIONS_MONGO_DATABASE", "fromenv")
	t.Setenv("SESSIONS_MONGO_TIMEOUT", "1m")
	t.Setenv("SESSIONS_REDIS_ADDR", "localhost:6380")
	t.Setenv("SESSIONS_REDIS_DB", "3")
	t.Setenv("SESSIONS_FEED_RATE", "2.5")
	t.Setenv("SESSIONS_DEBUG", "true")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "fromenv", cfg.Mongo.Database)
	require.Equal(t, time.Minute, cfg.Mongo.Timeout)
	require.Equal(t, "localhost:6380", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
	require.Equal(t, 2.5, cfg.Redis.PublishRate)
	require.True(t, cfg.Log.Debug)
}

func TestLoadConfigIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("SESSIONS_MONGO_TIMEOUT", "soon")
	t.Setenv("SESSIONS_REDIS_DB", "three")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Mongo.Timeout)
	require.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "mongo:\n  url: mongodb://typo\n"))
	require.ErrorContains(t, err, "field url not found")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open config")
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mongo.URI = ""
	cfg.Mongo.Database = ""
	cfg.Redis.PublishRate = -1
	cfg.Log.Format = "xml"
	err := cfg.validate()
	require.ErrorContains(t, err, "mongo.uri is required")
	require.ErrorContains(t, err, "mongo.database is required")
	require.ErrorContains(t, err, "invalid redis.publish_rate -1")
	require.ErrorContains(t, err, `invalid log.format "xml"`)
}
