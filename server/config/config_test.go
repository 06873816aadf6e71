package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("KSI_MODEL_PATH", "")
	t.Setenv("KSI_METADATA_PATH", "")

	cfg := LoadConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Model.ArtifactPath)
	assert.False(t, cfg.Model.SerializeInference)
	assert.Equal(t, 500, cfg.Processor.MaxBatchSize)
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("KSI_MODEL_PATH", "/models/final_model.json")
	t.Setenv("KSI_METADATA_PATH", "/models/ksi_model_meta.yaml")
	t.Setenv("KSI_SERIALIZE_INFERENCE", "true")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("PROCESSOR_WORKERS", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, "/models/final_model.json", cfg.Model.ArtifactPath)
	assert.Equal(t, "/models/ksi_model_meta.yaml", cfg.Model.MetadataPath)
	assert.True(t, cfg.Model.SerializeInference)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Processor.CacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 4, cfg.Processor.Workers)
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("KSI_MODEL_PATH", "")
	t.Setenv("KSI_METADATA_PATH", "")

	cfg := LoadConfig()
	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KSI_MODEL_PATH is required")
	assert.Contains(t, err.Error(), "KSI_METADATA_PATH is required")

	cfg.Model.ArtifactPath = "model.json"
	cfg.Model.MetadataPath = "meta.json"
	assert.NoError(t, cfg.ValidateConfig(zap.NewNop()))

	cfg.Security.EnableHTTPS = true
	assert.ErrorContains(t, cfg.ValidateConfig(zap.NewNop()), "CERT_FILE")
}

func TestLoadDotEnv(t *testing.T) {
	const key = "KSI_DOTENV_TEST_PATH"
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=/from/dotenv\n"), 0o600))

	t.Cleanup(func() { os.Unsetenv(key) })
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "/from/dotenv", os.Getenv(key))

	// Variables already in the environment win.
	t.Setenv(key, "/from/env")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "/from/env", os.Getenv(key))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
