package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/ml/mltest"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := LoadRuntime(config.ModelConfig{
		ArtifactPath: mltest.ArtifactPath(),
		MetadataPath: mltest.MetadataPath(),
	}, zap.NewNop())
	require.NoError(t, err)
	return rt
}

func scenario() models.CollisionScenario {
	return models.CollisionScenario{
		Hour:         23,
		DayOfWeek:    5,
		Month:        8,
		NumVehicles:  2,
		Borough:      models.BoroughBronx,
		HourCategory: models.HourLateNight,
		Season:       models.SeasonSummer,
	}
}

func TestLoadRuntime(t *testing.T) {
	rt := loadRuntime(t)
	assert.Equal(t, "rf-2024.11-small", rt.Model.Version)
	assert.Equal(t, int64(1862914), rt.Metadata.TotalCrashes)
	assert.False(t, rt.Adapter.Serialized())
}

func TestLoadRuntime_MissingFilesAreFatal(t *testing.T) {
	tests := map[string]config.ModelConfig{
		"no paths":         {},
		"missing artifact": {ArtifactPath: "/nonexistent/final_model.json", MetadataPath: mltest.MetadataPath()},
		"missing metadata": {ArtifactPath: mltest.ArtifactPath(), MetadataPath: "/nonexistent/meta.json"},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRuntime(cfg, zap.NewNop())
			require.Error(t, err)
			assert.True(t, models.IsFatal(err))
			assert.Equal(t, models.KindModelLoad, models.KindOf(err))
		})
	}
}

func TestPipeline_Run(t *testing.T) {
	p := NewPipeline(loadRuntime(t))

	s := scenario()
	s.HighRiskFactor = true

	resp, err := p.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Label)
	assert.InDelta(t, 0.675, resp.PKSI, 1e-9)
	assert.InDelta(t, 0.325, resp.PNoKSI, 1e-9)
	assert.Equal(t, "rf-2024.11-small", resp.ModelVersion)
	assert.Equal(t, models.RiskHigh, resp.Explanation.RiskTier)
	assert.Equal(t, []string{
		"High-risk behavior detected (alcohol/speed/distraction)",
		"Nighttime collision (Late_Night)",
	}, resp.Explanation.RiskFactors)
}

func TestPipeline_ValidationError(t *testing.T) {
	p := NewPipeline(loadRuntime(t))

	s := scenario()
	s.NumVehicles = 11

	_, err := p.Run(context.Background(), s)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "num_vehicles", ve.Field)
	assert.False(t, models.IsFatal(err))
}

func TestPipeline_Deterministic(t *testing.T) {
	p := NewPipeline(loadRuntime(t))

	s := scenario()
	s.PedestrianInvolved = true
	s.NumVehicles = 4

	first, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	a, err := json.Marshal(first.Explanation)
	require.NoError(t, err)

	second, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	b, err := json.Marshal(second.Explanation)
	require.NoError(t, err)

	if diff := cmp.Diff(string(a), string(b)); diff != "" {
		t.Errorf("explanation changed between runs (-first +second):\n%s", diff)
	}
}

func TestPipeline_RunBatchIsolatesFailures(t *testing.T) {
	p := NewPipeline(loadRuntime(t))

	bad := scenario()
	bad.Season = "Monsoon"
	ped := scenario()
	ped.PedestrianInvolved = true
	ped.HourCategory = models.HourMidday

	out := p.RunBatch(context.Background(), []models.CollisionScenario{scenario(), bad, ped})
	require.Len(t, out, 3)

	require.NoError(t, out[0].Err)
	assert.Equal(t, models.RiskLow, out[0].Response.Explanation.RiskTier)
	assert.InDelta(t, 0.375, out[0].Response.PKSI, 1e-9)

	assert.Equal(t, models.KindValidation, models.KindOf(out[1].Err))
	assert.Nil(t, out[1].Response)

	require.NoError(t, out[2].Err)
	assert.Equal(t, 0, out[2].Response.Label)
	assert.Equal(t, 0.5, out[2].Response.PKSI)
}

func TestPipeline_BatchMatchesSingle(t *testing.T) {
	p := NewPipeline(loadRuntime(t))
	ctx := context.Background()

	var scenarios []models.CollisionScenario
	for _, hc := range models.HourCategories {
		for v := 1; v <= 4; v++ {
			s := scenario()
			s.HourCategory = hc
			s.NumVehicles = v
			s.CyclistInvolved = v%2 == 1
			scenarios = append(scenarios, s)
		}
	}

	batch := p.RunBatch(ctx, scenarios)
	for i, s := range scenarios {
		single, err := p.Run(ctx, s)
		require.NoError(t, err)
		require.NoError(t, batch[i].Err)
		if diff := cmp.Diff(single, batch[i].Response); diff != "" {
			t.Errorf("scenario %d: batch differs from single (-single +batch):\n%s", i, diff)
		}
	}
}

func TestPipeline_PredictionErrorFromClassifier(t *testing.T) {
	stub := mltest.Fixed(0, 0.3, 0.3)
	rt := NewRuntime(stub, models.ModelMetadata{}, false, zap.NewNop())
	p := NewPipeline(rt)

	_, err := p.Run(context.Background(), scenario())
	assert.Equal(t, models.KindPrediction, models.KindOf(err))
	assert.Equal(t, "unversioned", rt.Model.Version)
	assert.True(t, rt.Adapter.Serialized())
}
