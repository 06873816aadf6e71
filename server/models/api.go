package models

import (
	"errors"
	"time"
)

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data"`
	Error   *APIError     `json:"error"`
	Meta    *ResponseMeta `json:"meta"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time_ms"`
	Version        string    `json:"version"`
}

type BatchRequest struct {
	Scenarios []ScenarioRequest `json:"scenarios"`
}

// BatchItem carries exactly one of Result or Error. Line is set for rows
// that came from an uploaded file.
type BatchItem struct {
	Index  int                 `json:"index"`
	Line   int                 `json:"line,omitempty"`
	Result *PredictionResponse `json:"result,omitempty"`
	Error  *APIError           `json:"error,omitempty"`
}

// NewAPIError renders err with its kind as the code. Validation errors carry
// the offending field and its accepted domain.
func NewAPIError(err error) *APIError {
	apiErr := &APIError{
		Code:    string(KindOf(err)),
		Message: err.Error(),
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		apiErr.Details = map[string]any{
			"field":  ve.Field,
			"domain": ve.Domain,
		}
		if ve.Value != nil {
			apiErr.Details["value"] = ve.Value
		}
	}

	return apiErr
}
