package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/san-kum/collision-risk/server/cache"
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/metrics"
	"github.com/san-kum/collision-risk/server/ml/mltest"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProcessor(t *testing.T, cfg config.ProcessorConfig) *RiskProcessor {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 2
	}

	c := cache.NewMemoryCache(100, time.Minute, zap.NewNop())
	rp := NewRiskProcessor(NewPipeline(loadRuntime(t)), c, metrics.New(prometheus.NewRegistry()), cfg, zap.NewNop())
	t.Cleanup(func() { rp.Shutdown(time.Second) })
	return rp
}

func ptr[T any](v T) *T { return &v }

func request() *models.ScenarioRequest {
	return &models.ScenarioRequest{
		Hour:               ptr(7),
		DayOfWeek:          ptr(1),
		Month:              ptr(3),
		NumVehicles:        ptr(3),
		PedestrianInvolved: ptr(true),
		Borough:            ptr("Queens"),
		HourCategory:       ptr("Morning_Rush"),
		Season:             ptr("Spring"),
	}
}

func TestRiskProcessor_PredictCaches(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})
	ctx := context.Background()

	first, err := rp.Predict(ctx, request())
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.InDelta(t, 0.7, first.PKSI, 1e-9)

	second, err := rp.Predict(ctx, request())
	require.NoError(t, err)
	assert.True(t, second.Cached)

	a, err := json.Marshal(first.Explanation)
	require.NoError(t, err)
	b, err := json.Marshal(second.Explanation)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	stats := rp.GetStats()
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.ByTier["HIGH"])

	cs, err := rp.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Items)

	n, err := rp.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	third, err := rp.Predict(ctx, request())
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestRiskProcessor_PredictErrors(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})
	ctx := context.Background()

	withWeekend := request()
	withWeekend.IsWeekend = json.RawMessage("1")
	_, err := rp.Predict(ctx, withWeekend)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	badHour := request()
	badHour.Hour = ptr(24)
	_, err = rp.Predict(ctx, badHour)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	stats := rp.GetStats()
	assert.Equal(t, int64(2), stats.FailedProcessed)
	assert.Zero(t, stats.SuccessfullyProcessed)
}

func TestRiskProcessor_PredictBatch(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})

	missing := *request()
	missing.Season = nil

	items := rp.PredictBatch(context.Background(), []models.ScenarioRequest{*request(), missing, *request()})
	require.Len(t, items, 3)

	for i, item := range items {
		assert.Equal(t, i, item.Index)
	}
	require.NotNil(t, items[0].Result)
	assert.Nil(t, items[0].Error)

	require.NotNil(t, items[1].Error)
	assert.Equal(t, "validation_error", items[1].Error.Code)
	assert.Equal(t, "season", items[1].Error.Details["field"])

	require.NotNil(t, items[2].Result)
	assert.Equal(t, items[0].Result.PKSI, items[2].Result.PKSI)
}

const jobCSV = `hour,day_of_week,month,num_vehicles,pedestrian_involved,cyclist_involved,high_risk_factor,borough,hour_category,season
1,5,1,1,false,false,true,Bronx,Late_Night,Winter
12,2,6,3,true,false,false,Queens,Midday,Summer
12,2,6,3,true,false,false,Atlantis,Midday,Summer
x,2,6,3,true,false,false,Queens,Midday,Summer
18,4,10,1,false,false,false,Manhattan,Evening_Rush,Fall
`

func TestRiskProcessor_BatchJob(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})

	job, err := rp.CreateBatchJob("collisions.csv", strings.NewReader(jobCSV))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, 5, job.TotalRows)

	require.Eventually(t, func() bool {
		status, err := rp.GetJobStatus(job.ID)
		return err == nil && status.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	done, err := rp.GetJobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, done.Progress)
	assert.Equal(t, 5, done.Processed)
	assert.Equal(t, 2, done.Failed)
	require.Len(t, done.Results, 5)
	require.NotNil(t, done.EndTime)

	for i, item := range done.Results {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, i+2, item.Line)
	}

	assert.Equal(t, 1, done.Results[0].Result.Label)
	assert.Equal(t, models.RiskHigh, done.Results[1].Result.Explanation.RiskTier)
	assert.Equal(t, "borough", done.Results[2].Error.Details["field"])
	assert.Equal(t, "hour", done.Results[3].Error.Details["field"])
	assert.Equal(t, 0, done.Results[4].Result.Label)
}

func TestRiskProcessor_BatchJobRejectsBadFiles(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})

	_, err := rp.CreateBatchJob("weekend.csv", strings.NewReader(
		"hour,day_of_week,month,num_vehicles,is_weekend,borough,hour_category,season\n1,1,1,1,0,Bronx,Night,Fall\n"))
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = rp.CreateBatchJob("dupes.csv", strings.NewReader(
		"hour,hour,day_of_week,month,num_vehicles,borough,hour_category,season\n"))
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = rp.CreateBatchJob("empty.csv", strings.NewReader(
		"hour,day_of_week,month,num_vehicles,borough,hour_category,season\n"))
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = rp.GetJobStatus("no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRiskProcessor_RejectsJobsAfterShutdown(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{Workers: 1, QueueSize: 8})

	require.NoError(t, rp.Shutdown(time.Second))

	_, err := rp.CreateBatchJob("late.csv", strings.NewReader(jobCSV))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRiskProcessor_ShutdownCancelsQueuedJobs(t *testing.T) {
	stub := mltest.Fixed(1, 0.2, 0.8)
	stub.Delay = 200 * time.Millisecond
	rt := NewRuntime(stub, models.ModelMetadata{}, false, zap.NewNop())
	rp := NewRiskProcessor(NewPipeline(rt), nil, metrics.New(prometheus.NewRegistry()),
		config.ProcessorConfig{Workers: 1, QueueSize: 4, MaxBatchSize: 10}, zap.NewNop())

	running, err := rp.CreateBatchJob("running.csv", strings.NewReader(jobCSV))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stub.Calls() > 0 }, 5*time.Second, 5*time.Millisecond)

	queued, err := rp.CreateBatchJob("queued.csv", strings.NewReader(jobCSV))
	require.NoError(t, err)

	require.NoError(t, rp.Shutdown(5*time.Second))

	// Both statuses are final once Shutdown returns.
	got, err := rp.GetJobStatus(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, got.Status)
	assert.Equal(t, ErrJobCancelled.Error(), got.Error)
	assert.NotNil(t, got.EndTime)

	got, err = rp.GetJobStatus(running.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, 5, got.Processed)
}

func TestRiskProcessor_WorkerPanicFailsJob(t *testing.T) {
	rp := newProcessor(t, config.ProcessorConfig{})

	job := &BatchJob{ID: "panicked", Status: JobProcessing, TotalRows: 4, Processed: 2, Failed: 1, StartTime: time.Now()}
	rp.mutex.Lock()
	rp.jobTracker[job.ID] = job
	rp.mutex.Unlock()

	results := make(chan *ProcessingResult, 1)
	results <- &ProcessingResult{JobID: job.ID, Error: errors.New("worker panic: boom")}
	rp.awaiters.Add(1)
	rp.awaitJob(job, results)

	got, err := rp.GetJobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Contains(t, got.Error, "worker panic: boom")
	assert.Equal(t, 2, got.Processed)
	assert.NotNil(t, got.EndTime)
}
