package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/apps/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, config.VectorBackendWeaviate, cfg.VectorBackend)
	assert.Equal(t, config.ArtifactBackendPostgres, cfg.ArtifactBackend)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 60*time.Second, cfg.EmbedTimeout())
	assert.Equal(t, 120*time.Second, cfg.GenerateTimeout())
	assert.Equal(t, 120*time.Second, cfg.NSQMsgTimeout())
}

func TestLoadConfig_Toggles(t *testing.T) {
	os.Setenv("ENABLE_API", "false")
	os.Setenv("ENABLE_WORKER", "true")
	os.Setenv("EMBED_BATCH_SIZE", "10")
	defer os.Unsetenv("ENABLE_API")
	defer os.Unsetenv("ENABLE_WORKER")
	defer os.Unsetenv("EMBED_BATCH_SIZE")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.True(t, cfg.EnableWorker)
	assert.Equal(t, 10, cfg.EmbedBatchSize)
}

func TestLoadConfig_InvalidOverlap(t *testing.T) {
	os.Setenv("CHUNK_OVERLAP", "500")
	defer os.Unsetenv("CHUNK_OVERLAP")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadConfig_InvalidMsgTimeout(t *testing.T) {
	os.Setenv("NSQ_MSG_TIMEOUT_SECONDS", "0")
	defer os.Unsetenv("NSQ_MSG_TIMEOUT_SECONDS")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)
}
