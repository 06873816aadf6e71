package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/collision-risk/server/models"
)

// ArtifactFormat tags the JSON export of a fitted random-forest pipeline.
const ArtifactFormat = "ksi-forest/v1"

const (
	HandleUnknownError  = "error"
	HandleUnknownIgnore = "ignore"
)

// Column is one input column of the trained pipeline. Categorical columns are
// one-hot encoded over Categories, in that order.
type Column struct {
	Name       string             `json:"name"`
	Kind       models.FeatureKind `json:"kind"`
	Categories []string           `json:"categories,omitempty"`
}

// Node follows scikit-learn's tree layout: Left == -1 marks a leaf whose
// Value holds per-class weights; otherwise go Left when x[Feature] <= Threshold.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

type Artifact struct {
	Format        string   `json:"format"`
	Version       string   `json:"version"`
	ModelType     string   `json:"model_type"`
	Classes       []int    `json:"classes"`
	InputSchema   []Column `json:"input_schema"`
	HandleUnknown string   `json:"handle_unknown"`
	Trees         []Tree   `json:"trees"`
}

type ModelInfo struct {
	Version          string   `json:"version"`
	ModelType        string   `json:"model_type"`
	Trees            int      `json:"trees"`
	Features         []string `json:"features"`
	TransformedWidth int      `json:"transformed_width"`
	HandleUnknown    string   `json:"handle_unknown"`
}

// Forest is a loaded, read-only random-forest pipeline with its embedded
// one-hot preprocessing.
type Forest struct {
	artifact   Artifact
	offsets    []int
	categories []map[string]int
	width      int
}

// RowError pins a classifier failure to one row of a batch.
type RowError struct {
	Index int
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

var ErrUnseenCategory = errors.New("unseen category")

// ParseArtifact decodes and validates a forest export.
func ParseArtifact(data []byte) (*Forest, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return NewForest(artifact)
}

func NewForest(artifact Artifact) (*Forest, error) {
	if artifact.Format != ArtifactFormat {
		return nil, fmt.Errorf("unsupported artifact format %q", artifact.Format)
	}
	if len(artifact.Classes) != 2 || artifact.Classes[0] != 0 || artifact.Classes[1] != 1 {
		return nil, fmt.Errorf("expected classes [0 1], got %v", artifact.Classes)
	}
	if len(artifact.InputSchema) == 0 {
		return nil, errors.New("artifact has no input schema")
	}
	if len(artifact.Trees) == 0 {
		return nil, errors.New("artifact has no trees")
	}

	switch artifact.HandleUnknown {
	case "":
		artifact.HandleUnknown = HandleUnknownError
	case HandleUnknownError, HandleUnknownIgnore:
	default:
		return nil, fmt.Errorf("unsupported handle_unknown %q", artifact.HandleUnknown)
	}

	f := &Forest{
		artifact:   artifact,
		offsets:    make([]int, len(artifact.InputSchema)),
		categories: make([]map[string]int, len(artifact.InputSchema)),
	}

	seen := make(map[string]bool, len(artifact.InputSchema))
	for i, col := range artifact.InputSchema {
		if col.Name == "" || seen[col.Name] {
			return nil, fmt.Errorf("column %d: empty or duplicate name %q", i, col.Name)
		}
		seen[col.Name] = true
		f.offsets[i] = f.width

		switch col.Kind {
		case models.FeatureNumeric:
			f.width++
		case models.FeatureCategorical:
			if len(col.Categories) == 0 {
				return nil, fmt.Errorf("column %s: categorical without categories", col.Name)
			}
			index := make(map[string]int, len(col.Categories))
			for j, c := range col.Categories {
				if _, dup := index[c]; dup {
					return nil, fmt.Errorf("column %s: duplicate category %q", col.Name, c)
				}
				index[c] = j
			}
			f.categories[i] = index
			f.width += len(col.Categories)
		default:
			return nil, fmt.Errorf("column %s: unknown kind %q", col.Name, col.Kind)
		}
	}

	for t, tree := range artifact.Trees {
		if err := f.checkTree(tree); err != nil {
			return nil, fmt.Errorf("tree %d: %w", t, err)
		}
	}

	return f, nil
}

// checkTree guarantees that walking terminates and stays in bounds: children
// always sit after their parent.
func (f *Forest) checkTree(tree Tree) error {
	n := len(tree.Nodes)
	if n == 0 {
		return errors.New("empty tree")
	}

	for i, node := range tree.Nodes {
		if node.Left == -1 {
			if len(node.Value) != 2 {
				return fmt.Errorf("leaf %d: expected 2 class weights, got %d", i, len(node.Value))
			}
			if node.Value[0] < 0 || node.Value[1] < 0 || node.Value[0]+node.Value[1] <= 0 {
				return fmt.Errorf("leaf %d: invalid class weights %v", i, node.Value)
			}
			continue
		}
		if node.Left <= i || node.Left >= n || node.Right <= i || node.Right >= n {
			return fmt.Errorf("node %d: children (%d, %d) out of order", i, node.Left, node.Right)
		}
		if node.Feature < 0 || node.Feature >= f.width {
			return fmt.Errorf("node %d: feature %d outside width %d", i, node.Feature, f.width)
		}
		if math.IsNaN(node.Threshold) {
			return fmt.Errorf("node %d: NaN threshold", i)
		}
	}
	return nil
}

func (f *Forest) Schema() []Column {
	out := make([]Column, len(f.artifact.InputSchema))
	copy(out, f.artifact.InputSchema)
	return out
}

func (f *Forest) Info() ModelInfo {
	names := make([]string, len(f.artifact.InputSchema))
	for i, c := range f.artifact.InputSchema {
		names[i] = c.Name
	}
	return ModelInfo{
		Version:          f.artifact.Version,
		ModelType:        f.artifact.ModelType,
		Trees:            len(f.artifact.Trees),
		Features:         names,
		TransformedWidth: f.width,
		HandleUnknown:    f.artifact.HandleUnknown,
	}
}

// ConcurrentSafe is true: a Forest is never mutated after NewForest.
func (f *Forest) ConcurrentSafe() bool { return true }

func (f *Forest) PredictProba(rows []models.FeatureVector) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		x, err := f.transform(row)
		if err != nil {
			return nil, &RowError{Index: i, Err: err}
		}
		out[i] = f.proba(x)
	}
	return out, nil
}

// Predict is the argmax of PredictProba; the first maximum wins.
func (f *Forest) Predict(rows []models.FeatureVector) ([]int, error) {
	probas, err := f.PredictProba(rows)
	if err != nil {
		return nil, err
	}

	labels := make([]int, len(probas))
	for i, p := range probas {
		if p[1] > p[0] {
			labels[i] = 1
		}
	}
	return labels, nil
}

func (f *Forest) transform(row models.FeatureVector) ([]float64, error) {
	schema := f.artifact.InputSchema
	if len(row) != len(schema) {
		return nil, fmt.Errorf("expected %d features, got %d", len(schema), len(row))
	}

	x := make([]float64, f.width)
	for i, col := range schema {
		feat := row[i]
		if feat.Name != col.Name {
			return nil, fmt.Errorf("feature %d: expected %q, got %q", i, col.Name, feat.Name)
		}
		if feat.Kind != col.Kind {
			return nil, fmt.Errorf("feature %s: expected %s value, got %s", col.Name, col.Kind, feat.Kind)
		}

		if col.Kind == models.FeatureNumeric {
			if math.IsNaN(feat.Number) || math.IsInf(feat.Number, 0) {
				return nil, fmt.Errorf("feature %s: non-finite value", col.Name)
			}
			x[f.offsets[i]] = feat.Number
			continue
		}

		j, ok := f.categories[i][feat.Category]
		if !ok {
			if f.artifact.HandleUnknown == HandleUnknownIgnore {
				continue
			}
			return nil, fmt.Errorf("%w %q for %s", ErrUnseenCategory, feat.Category, col.Name)
		}
		x[f.offsets[i]+j] = 1
	}
	return x, nil
}

func (f *Forest) proba(x []float64) []float64 {
	var p0, p1 float64
	for _, tree := range f.artifact.Trees {
		n := 0
		for tree.Nodes[n].Left != -1 {
			node := tree.Nodes[n]
			if x[node.Feature] <= node.Threshold {
				n = node.Left
			} else {
				n = node.Right
			}
		}
		leaf := tree.Nodes[n].Value
		total := leaf[0] + leaf[1]
		p0 += leaf[0] / total
		p1 += leaf[1] / total
	}

	k := float64(len(f.artifact.Trees))
	return []float64{p0 / k, p1 / k}
}
