package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/collision-risk/server/models"
	"gopkg.in/yaml.v3"
)

// LoadArtifact reads and validates the classifier export at path. Every
// failure is a *models.ModelLoadError.
func LoadArtifact(path string) (*Forest, error) {
	if path == "" {
		return nil, &models.ModelLoadError{Path: "<artifact>", Err: errors.New("no artifact path configured")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ModelLoadError{Path: path, Err: err}
	}

	forest, err := ParseArtifact(data)
	if err != nil {
		return nil, &models.ModelLoadError{Path: path, Err: err}
	}

	return forest, nil
}

type metadataFile struct {
	TestRecall    *float64 `json:"test_recall" yaml:"test_recall"`
	TestPrecision *float64 `json:"test_precision" yaml:"test_precision"`
	TotalCrashes  *int64   `json:"total_crashes" yaml:"total_crashes"`
	TestF1        *float64 `json:"test_f1" yaml:"test_f1"`
}

// LoadMetadata reads the performance record. Files ending in .yaml or .yml
// are parsed as YAML, anything else as JSON.
func LoadMetadata(path string) (models.ModelMetadata, error) {
	if path == "" {
		return models.ModelMetadata{}, &models.ModelLoadError{Path: "<metadata>", Err: errors.New("no metadata path configured")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.ModelMetadata{}, &models.ModelLoadError{Path: path, Err: err}
	}

	meta, err := ParseMetadata(data, isYAML(path))
	if err != nil {
		return models.ModelMetadata{}, &models.ModelLoadError{Path: path, Err: err}
	}

	return meta, nil
}

func ParseMetadata(data []byte, asYAML bool) (models.ModelMetadata, error) {
	var raw metadataFile
	var err error
	if asYAML {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return models.ModelMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}

	var problems []string
	if raw.TestRecall == nil {
		problems = append(problems, "test_recall is required")
	} else if *raw.TestRecall < 0 || *raw.TestRecall > 1 {
		problems = append(problems, "test_recall must be in [0, 1]")
	}
	if raw.TestPrecision == nil {
		problems = append(problems, "test_precision is required")
	} else if *raw.TestPrecision < 0 || *raw.TestPrecision > 1 {
		problems = append(problems, "test_precision must be in [0, 1]")
	}
	if raw.TotalCrashes == nil {
		problems = append(problems, "total_crashes is required")
	} else if *raw.TotalCrashes < 0 {
		problems = append(problems, "total_crashes must not be negative")
	}
	if raw.TestF1 != nil && (*raw.TestF1 < 0 || *raw.TestF1 > 1) {
		problems = append(problems, "test_f1 must be in [0, 1]")
	}

	if len(problems) > 0 {
		return models.ModelMetadata{}, fmt.Errorf("invalid metadata: %s", strings.Join(problems, ", "))
	}

	return models.ModelMetadata{
		TestRecall:    *raw.TestRecall,
		TestPrecision: *raw.TestPrecision,
		TotalCrashes:  *raw.TotalCrashes,
		TestF1:        raw.TestF1,
	}, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
