// Package mltest provides the sample forest artifact and a scriptable
// classifier for tests in other packages.
package mltest

import (
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/collision-risk/server/encoder"
	"github.com/san-kum/collision-risk/server/ml"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/require"
)

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "testdata")
}

// ArtifactPath is the two-tree sample forest. Its behaviour, averaged over
// both trees:
//
//	pedestrian  -> tree A [0.2 0.8]; otherwise high_risk -> [0.3 0.7], else [0.9 0.1]
//	Late_Night  -> tree B [0.35 0.65]; otherwise >= 3 vehicles -> [0.4 0.6], else [0.8 0.2]
func ArtifactPath() string { return filepath.Join(testdataDir(), "final_model.json") }

func MetadataPath() string { return filepath.Join(testdataDir(), "ksi_model_meta.json") }

func NewForest(t testing.TB) *ml.Forest {
	t.Helper()
	forest, err := ml.LoadArtifact(ArtifactPath())
	require.NoError(t, err)
	return forest
}

// Stub is a Classifier whose answers come from Fn. It does not claim to be
// safe for concurrent use and records the peak number of overlapping calls.
type Stub struct {
	Fn    func(row models.FeatureVector) (label int, proba []float64, err error)
	Delay time.Duration

	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
	mu        sync.Mutex
}

func (s *Stub) Schema() []ml.Column {
	cols := make([]ml.Column, len(encoder.FeatureNames))
	for i, name := range encoder.FeatureNames {
		kind := models.FeatureNumeric
		if i >= 8 {
			kind = models.FeatureCategorical
		}
		cols[i] = ml.Column{Name: name, Kind: kind}
	}
	return cols
}

func (s *Stub) enter() func() {
	s.calls.Add(1)
	n := s.active.Add(1)
	s.mu.Lock()
	if n > s.maxActive.Load() {
		s.maxActive.Store(n)
	}
	s.mu.Unlock()
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	return func() { s.active.Add(-1) }
}

func (s *Stub) Predict(rows []models.FeatureVector) ([]int, error) {
	defer s.enter()()
	labels := make([]int, len(rows))
	for i, row := range rows {
		label, _, err := s.Fn(row)
		if err != nil {
			return nil, &ml.RowError{Index: i, Err: err}
		}
		labels[i] = label
	}
	return labels, nil
}

func (s *Stub) PredictProba(rows []models.FeatureVector) ([][]float64, error) {
	defer s.enter()()
	out := make([][]float64, len(rows))
	for i, row := range rows {
		_, proba, err := s.Fn(row)
		if err != nil {
			return nil, &ml.RowError{Index: i, Err: err}
		}
		out[i] = proba
	}
	return out, nil
}

func (s *Stub) Calls() int64     { return s.calls.Load() }
func (s *Stub) MaxActive() int64 { return s.maxActive.Load() }

// Fixed returns a Stub that always answers label with proba.
func Fixed(label int, proba ...float64) *Stub {
	return &Stub{Fn: func(models.FeatureVector) (int, []float64, error) {
		return label, proba, nil
	}}
}
