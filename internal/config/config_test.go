package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "fieldtrack", cfg.Mongo.DBName)
	assert.Equal(t, 120*time.Second, cfg.Policy.FreshnessWindow)
	assert.Equal(t, 0.20, cfg.Policy.DistanceTolerance)
	assert.Equal(t, 140.0, cfg.Policy.SpeedCeilingKmh)
	assert.Equal(t, 3*time.Minute, cfg.Policy.MinDwell)
	assert.Equal(t, 5*time.Second, cfg.Live.Interval)
	assert.True(t, cfg.Policy.AllowIdleCheckIn)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: "9090"
policy:
  minDwell: 5m
  distanceTolerance: 0.1
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("MONGO_URI", "mongodb://example:27017")
	t.Setenv("FIELDTRACK_POLICY_SPEEDCEILINGKMH", "120")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Policy.MinDwell)
	assert.Equal(t, 0.1, cfg.Policy.DistanceTolerance)
	assert.Equal(t, "mongodb://example:27017", cfg.Mongo.URI)
	assert.Equal(t, 120.0, cfg.Policy.SpeedCeilingKmh)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero freshness", func(c *Config) { c.Policy.FreshnessWindow = 0 }},
		{"dwell inverted", func(c *Config) { c.Policy.MaxDwell = time.Minute }},
		{"zero tolerance", func(c *Config) { c.Policy.DistanceTolerance = 0 }},
		{"zero live interval", func(c *Config) { c.Live.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "text"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
