package ml

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/san-kum/collision-risk/server/models"
	"go.uber.org/zap"
)

// Classifier is an opaque trained binary classifier. Implementations must
// not fit or otherwise mutate themselves during inference.
type Classifier interface {
	Schema() []Column
	Predict(rows []models.FeatureVector) ([]int, error)
	PredictProba(rows []models.FeatureVector) ([][]float64, error)
}

// concurrentSafe is optionally implemented by classifiers that tolerate
// parallel inference calls.
type concurrentSafe interface {
	ConcurrentSafe() bool
}

type Outcome struct {
	Result models.PredictionResult
	Err    error
}

// Adapter gives a Classifier a stable per-row contract: every outcome either
// satisfies the probability invariants or carries a *models.PredictionError.
type Adapter struct {
	clf    Classifier
	mu     *sync.Mutex
	logger *zap.Logger
}

// NewAdapter serializes all calls through one mutex when forced to, or when
// the classifier does not declare itself safe for concurrent use.
func NewAdapter(clf Classifier, serialize bool, logger *zap.Logger) *Adapter {
	if cs, ok := clf.(concurrentSafe); !ok || !cs.ConcurrentSafe() {
		serialize = true
	}

	a := &Adapter{clf: clf, logger: logger}
	if serialize {
		a.mu = &sync.Mutex{}
	}
	return a
}

func (a *Adapter) Serialized() bool { return a.mu != nil }

func (a *Adapter) Classifier() Classifier { return a.clf }

// CheckSchema compares the classifier's input columns with names.
func (a *Adapter) CheckSchema(names []string) error {
	schema := a.clf.Schema()
	if len(schema) != len(names) {
		return fmt.Errorf("classifier expects %d features, encoder emits %d", len(schema), len(names))
	}
	for i, col := range schema {
		if col.Name != names[i] {
			return fmt.Errorf("feature %d: classifier expects %q, encoder emits %q", i, col.Name, names[i])
		}
	}
	return nil
}

func (a *Adapter) Predict(v models.FeatureVector) (models.PredictionResult, error) {
	out := a.PredictBatch([]models.FeatureVector{v})
	return out[0].Result, out[0].Err
}

// PredictBatch scores rows with one classifier call. A row the classifier
// rejects is failed on its own and the rest are scored again without it.
func (a *Adapter) PredictBatch(rows []models.FeatureVector) []Outcome {
	out := make([]Outcome, len(rows))

	pending := make([]int, len(rows))
	for i := range rows {
		pending[i] = i
	}

	for len(pending) > 0 {
		batch := make([]models.FeatureVector, len(pending))
		for j, idx := range pending {
			batch[j] = rows[idx]
		}

		labels, probas, err := a.infer(batch)
		if err != nil {
			var rowErr *RowError
			if errors.As(err, &rowErr) && rowErr.Index >= 0 && rowErr.Index < len(pending) {
				out[pending[rowErr.Index]].Err = &models.PredictionError{
					Reason: "feature vector incompatible with loaded model",
					Err:    rowErr.Err,
				}
				pending = append(pending[:rowErr.Index], pending[rowErr.Index+1:]...)
				continue
			}

			for _, idx := range pending {
				out[idx].Err = asPredictionError(err)
			}
			break
		}

		if len(labels) != len(batch) || len(probas) != len(batch) {
			err := &models.PredictionError{
				Reason: fmt.Sprintf("classifier returned %d labels and %d probability rows for %d inputs",
					len(labels), len(probas), len(batch)),
			}
			for _, idx := range pending {
				out[idx].Err = err
			}
			break
		}

		for j, idx := range pending {
			out[idx].Result, out[idx].Err = checkRow(labels[j], probas[j])
		}
		break
	}

	return out
}

func (a *Adapter) infer(batch []models.FeatureVector) (labels []int, probas [][]float64, err error) {
	if a.mu != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Classifier panic", zap.Any("panic", r), zap.Int("rows", len(batch)))
			err = &models.PredictionError{Reason: "classifier panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	labels, err = a.clf.Predict(batch)
	if err != nil {
		return nil, nil, err
	}

	probas, err = a.clf.PredictProba(batch)
	if err != nil {
		return nil, nil, err
	}

	return labels, probas, nil
}

func checkRow(label int, proba []float64) (models.PredictionResult, error) {
	if len(proba) != 2 {
		return models.PredictionResult{}, &models.PredictionError{
			Reason: fmt.Sprintf("expected 2 class probabilities, got %d", len(proba)),
		}
	}

	pNo, pYes := proba[0], proba[1]
	for _, p := range proba {
		if math.IsNaN(p) || p < -models.ProbabilityTolerance || p > 1+models.ProbabilityTolerance {
			return models.PredictionResult{}, &models.PredictionError{
				Reason: fmt.Sprintf("probability %v outside [0, 1]", p),
			}
		}
	}
	if math.Abs(pNo+pYes-1) > models.ProbabilityTolerance {
		return models.PredictionResult{}, &models.PredictionError{
			Reason: fmt.Sprintf("probabilities sum to %v", pNo+pYes),
		}
	}

	if label != 0 && label != 1 {
		return models.PredictionResult{}, &models.PredictionError{
			Reason: fmt.Sprintf("label %d is not a known class", label),
		}
	}

	// At an exact tie either class is an argmax.
	if pNo != pYes {
		argmax := 0
		if pYes > pNo {
			argmax = 1
		}
		if label != argmax {
			return models.PredictionResult{}, &models.PredictionError{
				Reason: fmt.Sprintf("predicted label %d disagrees with probabilities [%v %v]", label, pNo, pYes),
			}
		}
	}

	return models.PredictionResult{Label: label, PNoKSI: pNo, PKSI: pYes}, nil
}

func asPredictionError(err error) error {
	var pe *models.PredictionError
	if errors.As(err, &pe) {
		return pe
	}
	return &models.PredictionError{Reason: "classifier rejected input", Err: err}
}
