package ml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireModelLoadError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)

	var mle *models.ModelLoadError
	require.True(t, errors.As(err, &mle), "expected ModelLoadError, got %T", err)
	assert.True(t, models.IsFatal(err))
}

func TestLoadArtifact_Sample(t *testing.T) {
	forest, err := LoadArtifact(filepath.Join("testdata", "final_model.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, forest.Info().Trees)
}

func TestLoadArtifact_Missing(t *testing.T) {
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "nope.json"))
	requireModelLoadError(t, err)
}

func TestLoadArtifact_EmptyPath(t *testing.T) {
	_, err := LoadArtifact("")
	requireModelLoadError(t, err)
}

func TestLoadArtifact_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final_model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format": "ksi-forest/v1", "trees": [`), 0o600))

	_, err := LoadArtifact(path)
	requireModelLoadError(t, err)
}

func TestLoadMetadata_JSON(t *testing.T) {
	meta, err := LoadMetadata(filepath.Join("testdata", "ksi_model_meta.json"))
	require.NoError(t, err)

	assert.Equal(t, 0.575, meta.TestRecall)
	assert.Equal(t, 0.116, meta.TestPrecision)
	assert.Equal(t, int64(1862914), meta.TotalCrashes)
	require.NotNil(t, meta.TestF1)
	assert.Equal(t, 0.193, *meta.TestF1)
}

func TestLoadMetadata_YAMLWithoutF1(t *testing.T) {
	meta, err := LoadMetadata(filepath.Join("testdata", "ksi_model_meta.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 0.575, meta.TestRecall)
	assert.Nil(t, meta.TestF1)
}

func TestLoadMetadata_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing recall":      `{"test_precision": 0.1, "total_crashes": 10}`,
		"missing crashes":     `{"test_recall": 0.5, "test_precision": 0.1}`,
		"fractional crashes":  `{"test_recall": 0.5, "test_precision": 0.1, "total_crashes": 10.5}`,
		"recall out of range": `{"test_recall": 57.5, "test_precision": 0.1, "total_crashes": 10}`,
		"not json":            `test_recall = 0.5`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "meta.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			_, err := LoadMetadata(path)
			requireModelLoadError(t, err)
		})
	}
}

func TestLoadMetadata_Missing(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), "meta.json"))
	requireModelLoadError(t, err)
}
