package models

import "fmt"

type FeatureKind string

const (
	FeatureNumeric     FeatureKind = "numeric"
	FeatureCategorical FeatureKind = "categorical"
)

// Feature is one named cell of a FeatureVector. Number is set for numeric
// features, Category for categorical ones.
type Feature struct {
	Name     string      `json:"name"`
	Kind     FeatureKind `json:"kind"`
	Number   float64     `json:"number,omitempty"`
	Category string      `json:"category,omitempty"`
}

// FeatureVector is ordered exactly as the trained classifier's input schema.
// Vectors built for one artifact are not comparable with another's.
type FeatureVector []Feature

func NumericFeature(name string, value float64) Feature {
	return Feature{Name: name, Kind: FeatureNumeric, Number: value}
}

func CategoricalFeature(name, value string) Feature {
	return Feature{Name: name, Kind: FeatureCategorical, Category: value}
}

// Names returns the feature names in order.
func (v FeatureVector) Names() []string {
	names := make([]string, len(v))
	for i, f := range v {
		names[i] = f.Name
	}
	return names
}

func (f Feature) String() string {
	if f.Kind == FeatureCategorical {
		return fmt.Sprintf("%s=%q", f.Name, f.Category)
	}
	return fmt.Sprintf("%s=%g", f.Name, f.Number)
}

// ProbabilityTolerance bounds |p_no_ksi + p_ksi - 1|.
const ProbabilityTolerance = 1e-6

type PredictionResult struct {
	Label  int     `json:"label"`
	PNoKSI float64 `json:"p_no_ksi"`
	PKSI   float64 `json:"p_ksi"`
}

type RiskTier string

const (
	RiskHigh RiskTier = "HIGH"
	RiskLow  RiskTier = "LOW"
)

type RecommendedActions struct {
	Summary string   `json:"summary"`
	Actions []string `json:"actions"`
}

type ExplanationBundle struct {
	RiskTier           RiskTier           `json:"risk_tier"`
	Headline           string             `json:"headline"`
	PNoKSI             float64            `json:"p_no_ksi"`
	PKSI               float64            `json:"p_ksi"`
	RiskFactors        []string           `json:"risk_factors"`
	RecommendedActions RecommendedActions `json:"recommended_actions"`
}

// ModelMetadata is the performance record shipped next to the artifact.
type ModelMetadata struct {
	TestRecall    float64  `json:"test_recall" yaml:"test_recall"`
	TestPrecision float64  `json:"test_precision" yaml:"test_precision"`
	TotalCrashes  int64    `json:"total_crashes" yaml:"total_crashes"`
	TestF1        *float64 `json:"test_f1,omitempty" yaml:"test_f1,omitempty"`
}

// PredictionResponse is what the presentation layer receives per scenario.
type PredictionResponse struct {
	Label        int               `json:"label"`
	PNoKSI       float64           `json:"p_no_ksi"`
	PKSI         float64           `json:"p_ksi"`
	Explanation  ExplanationBundle `json:"explanation"`
	ModelVersion string            `json:"model_version"`
	Cached       bool              `json:"cached"`
}
