package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation_error"
	KindPrediction ErrorKind = "prediction_error"
	KindModelLoad  ErrorKind = "model_load_error"
	KindInternal   ErrorKind = "internal_error"
)

// KindedError is implemented by every error the inference path returns on
// purpose. Fatal errors must stop the process before it serves requests.
type KindedError interface {
	error
	Kind() ErrorKind
	Fatal() bool
}

// ValidationError reports a scenario field outside its accepted domain.
type ValidationError struct {
	Field  string `json:"field"`
	Domain string `json:"domain"`
	Value  any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Domain)
	}
	return fmt.Sprintf("invalid %s %v: accepted domain is %s", e.Field, e.Value, e.Domain)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }
func (e *ValidationError) Fatal() bool     { return false }

// PredictionError is a per-request incompatibility between a feature vector
// and the loaded classifier.
type PredictionError struct {
	Reason string
	Err    error
}

func (e *PredictionError) Error() string {
	if e.Err == nil {
		return "prediction failed: " + e.Reason
	}
	return fmt.Sprintf("prediction failed: %s: %v", e.Reason, e.Err)
}

func (e *PredictionError) Unwrap() error   { return e.Err }
func (e *PredictionError) Kind() ErrorKind { return KindPrediction }
func (e *PredictionError) Fatal() bool     { return false }

// ModelLoadError is raised at startup when the artifact or the metadata file
// is missing or corrupt.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error   { return e.Err }
func (e *ModelLoadError) Kind() ErrorKind { return KindModelLoad }
func (e *ModelLoadError) Fatal() bool     { return true }

// KindOf classifies err, falling back to KindInternal.
func KindOf(err error) ErrorKind {
	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindInternal
}

// IsFatal reports whether err must abort the process.
func IsFatal(err error) bool {
	var kinded KindedError
	return errors.As(err, &kinded) && kinded.Fatal()
}
