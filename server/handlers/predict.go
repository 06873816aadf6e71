package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/collision-risk/server/encoder"
	"github.com/san-kum/collision-risk/server/middleware"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/san-kum/collision-risk/server/processor"
	"go.uber.org/zap"
)

// APIVersion is reported in every response envelope.
const APIVersion = "v1"

type PredictHandler struct {
	processor     *processor.RiskProcessor
	logger        *zap.Logger
	maxUploadSize int64
	rateLimiter   *middleware.RateLimiter
}

func NewPredictHandler(processor *processor.RiskProcessor, maxUploadSize int64, logger *zap.Logger) *PredictHandler {
	return &PredictHandler{
		processor:     processor,
		logger:        logger,
		maxUploadSize: maxUploadSize,
	}
}

// WithRateLimiter adds the limiter's client counts to the stats response.
func (h *PredictHandler) WithRateLimiter(rl *middleware.RateLimiter) *PredictHandler {
	h.rateLimiter = rl
	return h
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, processor.ErrJobNotFound):
		return http.StatusNotFound
	}

	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindPrediction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *PredictHandler) Predict(c *gin.Context) {
	startTime := time.Now()

	var req models.ScenarioRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, startTime, err)
		return
	}

	resp, err := h.processor.Predict(c.Request.Context(), &req)
	if err != nil {
		if middleware.AbortOnTimeout(c) {
			return
		}
		h.fail(c, startTime, err)
		return
	}

	h.ok(c, http.StatusOK, startTime, resp)
}

func (h *PredictHandler) PredictBatch(c *gin.Context) {
	startTime := time.Now()

	var req models.BatchRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, startTime, err)
		return
	}

	limit := h.processor.MaxBatchSize()
	if len(req.Scenarios) == 0 || len(req.Scenarios) > limit {
		h.fail(c, startTime, &models.ValidationError{
			Field:  "scenarios",
			Domain: "between 1 and " + strconv.Itoa(limit) + " scenarios",
			Value:  len(req.Scenarios),
		})
		return
	}

	items := h.processor.PredictBatch(c.Request.Context(), req.Scenarios)

	failed := 0
	for _, item := range items {
		if item.Error != nil {
			failed++
		}
	}

	h.ok(c, http.StatusOK, startTime, gin.H{
		"items":     items,
		"total":     len(items),
		"succeeded": len(items) - failed,
		"failed":    failed,
	})
}

func (h *PredictHandler) UploadBatch(c *gin.Context) {
	startTime := time.Now()

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.logger.Warn("Failed to get uploaded file", zap.Error(err))
		h.fail(c, startTime, &models.ValidationError{Field: "file", Domain: "multipart CSV upload"})
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		h.fail(c, startTime, &models.ValidationError{Field: "file", Domain: "a .csv file", Value: header.Filename})
		return
	}

	if header.Size > h.maxUploadSize {
		h.fail(c, startTime, &models.ValidationError{
			Field:  "file",
			Domain: "at most " + strconv.FormatInt(h.maxUploadSize, 10) + " bytes",
			Value:  header.Size,
		})
		return
	}

	job, err := h.processor.CreateBatchJob(header.Filename, io.LimitReader(file, h.maxUploadSize))
	if err != nil {
		h.fail(c, startTime, err)
		return
	}

	h.ok(c, http.StatusAccepted, startTime, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"total_rows": job.TotalRows,
		"message":    "Upload accepted, scoring started",
	})
}

func (h *PredictHandler) GetBatchJob(c *gin.Context) {
	startTime := time.Now()

	job, err := h.processor.GetJobStatus(c.Param("job_id"))
	if err != nil {
		h.fail(c, startTime, err)
		return
	}

	h.ok(c, http.StatusOK, startTime, job)
}

func (h *PredictHandler) GetModel(c *gin.Context) {
	rt := h.processor.Runtime()
	h.ok(c, http.StatusOK, time.Now(), gin.H{
		"metadata":             rt.Metadata,
		"model":                rt.Model,
		"serialized_inference": rt.Adapter.Serialized(),
	})
}

func (h *PredictHandler) GetScenarioOptions(c *gin.Context) {
	h.ok(c, http.StatusOK, time.Now(), ScenarioOptions())
}

func (h *PredictHandler) GetStats(c *gin.Context) {
	stats := h.processor.GetStats()

	var successRate, errorRate float64
	if stats.TotalProcessed > 0 {
		successRate = float64(stats.SuccessfullyProcessed) / float64(stats.TotalProcessed) * 100
		errorRate = float64(stats.FailedProcessed) / float64(stats.TotalProcessed) * 100
	}

	body := gin.H{
		"processor": stats,
		"metrics": gin.H{
			"success_rate": successRate,
			"error_rate":   errorRate,
		},
	}
	if h.rateLimiter != nil {
		body["rate_limiter"] = h.rateLimiter.GetGlobalStats()
	}

	h.ok(c, http.StatusOK, time.Now(), body)
}

func (h *PredictHandler) GetCacheStats(c *gin.Context) {
	startTime := time.Now()

	stats, err := h.processor.GetCacheStats(c.Request.Context())
	if err != nil {
		h.fail(c, startTime, err)
		return
	}
	h.ok(c, http.StatusOK, startTime, stats)
}

func (h *PredictHandler) ClearCache(c *gin.Context) {
	startTime := time.Now()

	n, err := h.processor.ClearCache(c.Request.Context())
	if err != nil {
		h.fail(c, startTime, err)
		return
	}

	h.logger.Info("Result cache cleared by admin", zap.Int("items", n), zap.String("client_ip", c.ClientIP()))
	h.ok(c, http.StatusOK, startTime, gin.H{"removed": n})
}

// Option describes one input field for form builders.
type Option struct {
	Field   string   `json:"field"`
	Type    string   `json:"type"`
	Domain  string   `json:"domain"`
	Min     *int     `json:"min,omitempty"`
	Max     *int     `json:"max,omitempty"`
	Values  []any    `json:"values,omitempty"`
	Labels  []string `json:"labels,omitempty"`
	Default any      `json:"default"`
	Help    string   `json:"help,omitempty"`
}

// ScenarioOptions lists every accepted input in encoder order, minus the
// derived is_weekend.
func ScenarioOptions() []Option {
	domains := encoder.Domains()
	bound := func(n int) *int { return &n }

	values := func(vs ...any) []any { return vs }
	days := make([]any, len(models.DayNames))
	for i := range models.DayNames {
		days[i] = i
	}
	boroughs := make([]any, len(models.Boroughs))
	for i, b := range models.Boroughs {
		boroughs[i] = b
	}
	categories := make([]any, len(models.HourCategories))
	for i, hc := range models.HourCategories {
		categories[i] = hc
	}
	seasons := make([]any, len(models.Seasons))
	for i, s := range models.Seasons {
		seasons[i] = s
	}

	return []Option{
		{Field: "hour", Type: "integer", Domain: domains["hour"], Min: bound(0), Max: bound(23), Default: 12,
			Help: "0 = midnight, 12 = noon, 23 = 11pm"},
		{Field: "day_of_week", Type: "integer", Domain: domains["day_of_week"], Values: days, Labels: models.DayNames, Default: 0},
		{Field: "month", Type: "integer", Domain: domains["month"], Min: bound(1), Max: bound(12), Default: 6,
			Help: "1 = January, 12 = December"},
		{Field: "num_vehicles", Type: "integer", Domain: domains["num_vehicles"], Min: bound(1), Max: bound(10), Default: 2},
		{Field: "pedestrian_involved", Type: "boolean", Domain: "true or false", Values: values(false, true), Default: false},
		{Field: "cyclist_involved", Type: "boolean", Domain: "true or false", Values: values(false, true), Default: false},
		{Field: "high_risk_factor", Type: "boolean", Domain: "true or false", Values: values(false, true), Default: false,
			Help: "Alcohol, drugs, speeding, or distraction involved"},
		{Field: "borough", Type: "string", Domain: domains["borough"], Values: boroughs, Default: models.BoroughBrooklyn},
		{Field: "hour_category", Type: "string", Domain: domains["hour_category"], Values: categories, Default: models.HourEveningRush},
		{Field: "season", Type: "string", Domain: domains["season"], Values: seasons, Default: models.SeasonSummer},
	}
}

func (h *PredictHandler) ok(c *gin.Context, status int, startTime time.Time, data any) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta(c, startTime),
	})
}

func (h *PredictHandler) fail(c *gin.Context, startTime time.Time, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err), zap.String("path", c.FullPath()))
	} else {
		h.logger.Debug("Request rejected", zap.Error(err), zap.String("path", c.FullPath()))
	}

	apiErr := models.NewAPIError(err)
	if errors.Is(err, processor.ErrJobNotFound) {
		apiErr.Code = "not_found"
	} else if errors.Is(err, processor.ErrQueueFull) || errors.Is(err, processor.ErrQueueClosed) {
		apiErr.Code = "unavailable"
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, models.APIResponse{
		Success: false,
		Error:   apiErr,
		Meta:    meta(c, startTime),
	})
}

func meta(c *gin.Context, startTime time.Time) *models.ResponseMeta {
	return &models.ResponseMeta{
		RequestID:      c.GetString("request_id"),
		Timestamp:      time.Now().UTC(),
		ProcessingTime: float64(time.Since(startTime).Microseconds()) / 1000,
		Version:        APIVersion,
	}
}

// bindJSON binds the body, turning decoder failures into validation errors
// that name the offending field where possible.
func bindJSON(c *gin.Context, dest any) error {
	err := c.ShouldBindJSON(dest)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return &models.ValidationError{Field: field, Domain: "value of type " + typeErr.Type.String(), Value: typeErr.Value}
	case errors.As(err, &maxErr):
		return &models.ValidationError{Field: "body", Domain: "at most " + strconv.FormatInt(maxErr.Limit, 10) + " bytes"}
	default:
		return &models.ValidationError{Field: "body", Domain: "JSON object"}
	}
}
