package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/collision-risk/server/cache"
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/ingest"
	"github.com/san-kum/collision-risk/server/metrics"
	"github.com/san-kum/collision-risk/server/models"
	"go.uber.org/zap"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

var ErrJobNotFound = errors.New("job not found")

// RiskProcessor fronts the pipeline for the transport layer: it adds the
// result cache, counters and uploaded batch jobs.
type RiskProcessor struct {
	pipeline   *Pipeline
	cache      cache.Cache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	queue      *ProcessingQueue
	reader     *ingest.CSVReader
	config     config.ProcessorConfig
	mutex      sync.RWMutex
	jobTracker map[string]*BatchJob
	awaiters   sync.WaitGroup
	statsMu    sync.Mutex
	stats      ProcessorStats
	ctx        context.Context
	cancel     context.CancelFunc
}

type ProcessorStats struct {
	StartTime             time.Time        `json:"start_time"`
	UptimeSeconds         float64          `json:"uptime_seconds"`
	TotalProcessed        int64            `json:"total_processed"`
	SuccessfullyProcessed int64            `json:"successfully_processed"`
	FailedProcessed       int64            `json:"failed_processed"`
	CacheHits             int64            `json:"cache_hits"`
	AverageLatency        float64          `json:"average_latency_ms"`
	ByTier                map[string]int64 `json:"by_tier"`
	QueueSize             int              `json:"queue_size"`
	ActiveWorkers         int              `json:"active_workers"`
	ActiveJobs            int              `json:"active_jobs"`
	Queue                 QueueStats       `json:"queue"`
}

type BatchJob struct {
	ID        string             `json:"id"`
	Filename  string             `json:"filename"`
	Status    JobStatus          `json:"status"`
	Progress  float64            `json:"progress"`
	TotalRows int                `json:"total_rows"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	StartTime time.Time          `json:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Results   []models.BatchItem `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (j *BatchJob) finished() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

func NewRiskProcessor(pipeline *Pipeline, c cache.Cache, m *metrics.Metrics, cfg config.ProcessorConfig, logger *zap.Logger) *RiskProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	rp := &RiskProcessor{
		pipeline:   pipeline,
		cache:      c,
		metrics:    m,
		logger:     logger,
		reader:     ingest.NewCSVReader(0, logger),
		config:     cfg,
		jobTracker: make(map[string]*BatchJob),
		stats: ProcessorStats{
			StartTime:     time.Now(),
			ActiveWorkers: cfg.Workers,
			ByTier:        map[string]int64{},
		},
		ctx:    ctx,
		cancel: cancel,
	}

	rp.queue = NewProcessingQueue(cfg.QueueSize, cfg.Workers, rp.runJob)

	model := pipeline.Runtime().Model
	m.SetModel(model.Version, model.ModelType)

	return rp
}

func (rp *RiskProcessor) Runtime() *Runtime { return rp.pipeline.Runtime() }

func (rp *RiskProcessor) MaxBatchSize() int { return rp.config.MaxBatchSize }

// Predict converts a wire request and scores it.
func (rp *RiskProcessor) Predict(ctx context.Context, req *models.ScenarioRequest) (*models.PredictionResponse, error) {
	s, err := req.ToScenario()
	if err != nil {
		rp.recordFailure(err, 0)
		return nil, err
	}
	return rp.PredictScenario(ctx, s)
}

// PredictScenario answers from the cache when the same scenario was scored
// by the same model version before.
func (rp *RiskProcessor) PredictScenario(ctx context.Context, s models.CollisionScenario) (*models.PredictionResponse, error) {
	startTime := time.Now()
	key := rp.cacheKey(s)

	if resp, ok := rp.lookup(ctx, key); ok {
		rp.recordSuccess(resp.Explanation.RiskTier, time.Since(startTime), true)
		return resp, nil
	}

	resp, err := rp.pipeline.Run(ctx, s)
	elapsed := time.Since(startTime)
	rp.metrics.ObserveInference("single", elapsed)
	if err != nil {
		rp.recordFailure(err, elapsed)
		return nil, err
	}

	rp.store(ctx, key, resp)
	rp.recordSuccess(resp.Explanation.RiskTier, elapsed, false)
	return resp, nil
}

// PredictBatch scores every request independently; the result slice has one
// item per request in input order.
func (rp *RiskProcessor) PredictBatch(ctx context.Context, reqs []models.ScenarioRequest) []models.BatchItem {
	startTime := time.Now()
	items := make([]models.BatchItem, len(reqs))

	scenarios := make([]models.CollisionScenario, 0, len(reqs))
	index := make([]int, 0, len(reqs))
	for i := range reqs {
		items[i].Index = i
		s, err := reqs[i].ToScenario()
		if err != nil {
			items[i].Error = models.NewAPIError(err)
			rp.recordFailure(err, 0)
			continue
		}
		scenarios = append(scenarios, s)
		index = append(index, i)
	}

	results := rp.pipeline.RunBatch(ctx, scenarios)
	elapsed := time.Since(startTime)
	rp.metrics.ObserveInference("batch", elapsed)

	for j, r := range results {
		i := index[j]
		if r.Err != nil {
			items[i].Error = models.NewAPIError(r.Err)
			rp.recordFailure(r.Err, 0)
			continue
		}
		items[i].Result = r.Response
		rp.recordSuccess(r.Response.Explanation.RiskTier, 0, false)
	}

	return items
}

func (rp *RiskProcessor) cacheKey(s models.CollisionScenario) string {
	raw, _ := json.Marshal(s)
	return cache.GenerateCacheKey("prediction", rp.Runtime().Model.Version, string(raw))
}

func (rp *RiskProcessor) lookup(ctx context.Context, key string) (*models.PredictionResponse, bool) {
	if rp.cache == nil {
		return nil, false
	}

	data, err := rp.cache.Get(ctx, key)
	if err != nil {
		rp.metrics.ObserveCache(false)
		return nil, false
	}

	var resp models.PredictionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		rp.logger.Warn("Discarding undecodable cache entry", zap.Error(err))
		_ = rp.cache.Delete(ctx, key)
		rp.metrics.ObserveCache(false)
		return nil, false
	}

	rp.metrics.ObserveCache(true)
	resp.Cached = true
	return &resp, true
}

func (rp *RiskProcessor) store(ctx context.Context, key string, resp *models.PredictionResponse) {
	if rp.cache == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		rp.logger.Warn("Failed to encode result for cache", zap.Error(err))
		return
	}
	if err := rp.cache.Set(ctx, key, data); err != nil {
		rp.logger.Warn("Failed to cache result", zap.Error(err))
	}
}

// CreateBatchJob parses an uploaded CSV and queues it. Header problems are
// returned immediately; row problems are reported in the job results.
func (rp *RiskProcessor) CreateBatchJob(filename string, r io.Reader) (*BatchJob, error) {
	rows, err := rp.reader.ReadAll(r)
	if err != nil {
		if models.KindOf(err) == models.KindInternal {
			err = &models.ValidationError{Field: "file", Domain: err.Error()}
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &models.ValidationError{Field: "file", Domain: "CSV with at least one data row"}
	}

	rp.pruneJobs()

	job := &BatchJob{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    JobQueued,
		TotalRows: len(rows),
		StartTime: time.Now(),
	}

	rp.mutex.Lock()
	rp.jobTracker[job.ID] = job
	rp.mutex.Unlock()

	item := &QueueItem{
		JobID:      job.ID,
		Rows:       rows,
		ResultChan: make(chan *ProcessingResult, 1),
		StartTime:  job.StartTime,
	}
	if err := rp.queue.Enqueue(item); err != nil {
		rp.mutex.Lock()
		delete(rp.jobTracker, job.ID)
		rp.mutex.Unlock()
		return nil, err
	}

	rp.awaiters.Add(1)
	go rp.awaitJob(job, item.ResultChan)

	rp.metrics.BatchJobStarted()
	rp.logger.Info("Batch job queued",
		zap.String("job_id", job.ID),
		zap.String("filename", filename),
		zap.Int("rows", len(rows)))

	return rp.GetJobStatus(job.ID)
}

// GetJobStatus returns a snapshot of the job.
func (rp *RiskProcessor) GetJobStatus(jobID string) (*BatchJob, error) {
	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	job, exists := rp.jobTracker[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}

	snapshot := *job
	snapshot.Results = append([]models.BatchItem(nil), job.Results...)
	return &snapshot, nil
}

// runJob scores the rows chunk by chunk and reports the outcome on the
// item's result channel. A panic here is turned into a result by the queue.
func (rp *RiskProcessor) runJob(item *QueueItem) {
	rp.mutex.Lock()
	job, exists := rp.jobTracker[item.JobID]
	if exists {
		job.Status = JobProcessing
	}
	rp.mutex.Unlock()
	if !exists {
		item.send(&ProcessingResult{JobID: item.JobID, Error: ErrJobNotFound})
		return
	}

	rp.logger.Info("Batch job started", zap.String("job_id", job.ID), zap.Int("rows", len(item.Rows)))

	chunk := rp.config.MaxBatchSize
	if chunk < 1 {
		chunk = len(item.Rows)
	}

	ok, failed := 0, 0
	for start := 0; start < len(item.Rows); start += chunk {
		if rp.ctx.Err() != nil {
			item.send(&ProcessingResult{JobID: job.ID, Processed: ok + failed, Failed: failed, Error: ErrJobCancelled})
			return
		}

		end := min(start+chunk, len(item.Rows))
		items := rp.scoreRows(item.Rows[start:end], start)
		for _, it := range items {
			if it.Error != nil {
				failed++
			} else {
				ok++
			}
		}

		rp.mutex.Lock()
		job.Results = append(job.Results, items...)
		job.Processed = ok + failed
		job.Failed = failed
		job.Progress = float64(job.Processed) / float64(job.TotalRows) * 100
		rp.mutex.Unlock()
	}

	item.send(&ProcessingResult{JobID: job.ID, Processed: ok + failed, Failed: failed})
}

// awaitJob finalizes job from the single result its queue item reports.
func (rp *RiskProcessor) awaitJob(job *BatchJob, results <-chan *ProcessingResult) {
	defer rp.awaiters.Done()

	res := <-results
	switch {
	case res.Error == nil:
		rp.finishJob(job, JobCompleted, "")
		rp.logger.Info("Batch job completed",
			zap.String("job_id", job.ID),
			zap.Int("ok", res.Processed-res.Failed),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", time.Since(job.StartTime)))
	case errors.Is(res.Error, ErrJobCancelled):
		rp.finishJob(job, JobCancelled, res.Error.Error())
		rp.logger.Warn("Batch job cancelled", zap.String("job_id", job.ID))
	default:
		rp.finishJob(job, JobFailed, "internal error: "+res.Error.Error())
		rp.logger.Error("Batch job failed", zap.String("job_id", job.ID), zap.Error(res.Error))
	}
}

func (rp *RiskProcessor) scoreRows(rows []ingest.Row, offset int) []models.BatchItem {
	items := make([]models.BatchItem, len(rows))

	scenarios := make([]models.CollisionScenario, 0, len(rows))
	index := make([]int, 0, len(rows))
	for i, row := range rows {
		items[i] = models.BatchItem{Index: offset + i, Line: row.Line}
		if row.Err != nil {
			items[i].Error = models.NewAPIError(row.Err)
			continue
		}
		scenarios = append(scenarios, row.Scenario)
		index = append(index, i)
	}

	startTime := time.Now()
	results := rp.pipeline.RunBatch(rp.ctx, scenarios)
	rp.metrics.ObserveInference("batch", time.Since(startTime))

	for j, r := range results {
		i := index[j]
		if r.Err != nil {
			items[i].Error = models.NewAPIError(r.Err)
			rp.metrics.ObserveError(r.Err)
			continue
		}
		items[i].Result = r.Response
		rp.metrics.ObservePrediction(r.Response.Explanation.RiskTier)
	}
	return items
}

func (rp *RiskProcessor) finishJob(job *BatchJob, status JobStatus, msg string) {
	rp.mutex.Lock()
	if job.finished() {
		rp.mutex.Unlock()
		return
	}
	now := time.Now()
	job.Status = status
	job.Error = msg
	job.EndTime = &now
	ok, failed := job.Processed-job.Failed, job.Failed
	rp.mutex.Unlock()

	rp.metrics.BatchJobFinished(ok, failed)
}

// pruneJobs forgets finished jobs older than the retention window.
func (rp *RiskProcessor) pruneJobs() {
	if rp.config.JobRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-rp.config.JobRetention)

	rp.mutex.Lock()
	defer rp.mutex.Unlock()
	for id, job := range rp.jobTracker {
		if job.finished() && job.EndTime != nil && job.EndTime.Before(cutoff) {
			delete(rp.jobTracker, id)
		}
	}
}

func (rp *RiskProcessor) recordSuccess(tier models.RiskTier, latency time.Duration, cached bool) {
	rp.metrics.ObservePrediction(tier)

	rp.statsMu.Lock()
	defer rp.statsMu.Unlock()

	rp.stats.TotalProcessed++
	rp.stats.SuccessfullyProcessed++
	rp.stats.ByTier[string(tier)]++
	if cached {
		rp.stats.CacheHits++
	}
	if latency > 0 {
		rp.updateLatencyStats(latency)
	}
}

func (rp *RiskProcessor) recordFailure(err error, latency time.Duration) {
	rp.metrics.ObserveError(err)

	rp.statsMu.Lock()
	defer rp.statsMu.Unlock()

	rp.stats.TotalProcessed++
	rp.stats.FailedProcessed++
	if latency > 0 {
		rp.updateLatencyStats(latency)
	}
}

func (rp *RiskProcessor) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Microseconds()) / 1000

	if rp.stats.AverageLatency == 0 {
		rp.stats.AverageLatency = current
	} else {
		alpha := 0.1
		rp.stats.AverageLatency = alpha*current + (1-alpha)*rp.stats.AverageLatency
	}
}

func (rp *RiskProcessor) GetStats() *ProcessorStats {
	rp.statsMu.Lock()
	stats := rp.stats
	stats.ByTier = make(map[string]int64, len(rp.stats.ByTier))
	for k, v := range rp.stats.ByTier {
		stats.ByTier[k] = v
	}
	rp.statsMu.Unlock()

	stats.UptimeSeconds = time.Since(stats.StartTime).Seconds()
	stats.QueueSize = rp.queue.Size()
	stats.Queue = rp.queue.GetQueueStats()

	rp.mutex.RLock()
	for _, job := range rp.jobTracker {
		if !job.finished() {
			stats.ActiveJobs++
		}
	}
	rp.mutex.RUnlock()

	return &stats
}

func (rp *RiskProcessor) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if rp.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return rp.cache.GetStats(ctx)
}

func (rp *RiskProcessor) ClearCache(ctx context.Context) (int, error) {
	if rp.cache == nil {
		return 0, fmt.Errorf("cache not initialized")
	}
	return rp.cache.Clear(ctx)
}

// Shutdown stops the workers, cancels queued jobs and closes the cache.
func (rp *RiskProcessor) Shutdown(timeout time.Duration) error {
	rp.logger.Info("Shutting down risk processor...")

	rp.cancel()

	if err := rp.queue.Shutdown(timeout); err != nil {
		rp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}

	drained := rp.queue.DrainQueue(func(item *QueueItem) {
		rp.logger.Debug("Dropping queued batch job", zap.String("job_id", item.JobID))
	})
	if drained > 0 {
		rp.logger.Warn("Cancelled queued batch jobs", zap.Int("count", drained))
	}
	// Every job has reported by now; wait for its status to be recorded.
	rp.awaiters.Wait()

	if rp.cache != nil {
		if err := rp.cache.Close(); err != nil {
			rp.logger.Error("Failed to close cache", zap.Error(err))
			return err
		}
	}

	rp.logger.Info("Risk processor shutdown complete")
	return nil
}
