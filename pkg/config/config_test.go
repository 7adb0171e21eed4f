package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "id", cfg.Generator.IDField)
	assert.Equal(t, "studentName", cfg.Generator.SubjectField)
	assert.Positive(t, cfg.Generator.Workers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "generation.requests", cfg.Kafka.Topics.BatchRequests)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
server:
  port: 8181
generator:
  dataDir: /srv/diplomas
  workers: 3
  batchTimeout: 90s
  requiredFields: [licenseName]
redis:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	t.Setenv("DG_GENERATOR_SUBJECT_FIELD", "fullName")
	t.Setenv("DG_KAFKA_ENABLED", "true")
	t.Setenv("DG_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "/srv/diplomas", cfg.Generator.DataDir)
	assert.Equal(t, 3, cfg.Generator.Workers)
	assert.Equal(t, 90*time.Second, cfg.Generator.BatchTimeout)
	assert.Equal(t, []string{"licenseName"}, cfg.Generator.RequiredFields)
	assert.Equal(t, "fullName", cfg.Generator.SubjectField)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// Untouched defaults survive a partial file.
	assert.Equal(t, "id", cfg.Generator.IDField)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("generator:\n  subjectField: \"\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
