package processor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/collision-risk/server/ingest"
)

var (
	ErrQueueFull   = errors.New("processing queue full, try again later")
	ErrQueueClosed = errors.New("processing queue is shut down")

	// ErrJobCancelled is reported for jobs stopped by shutdown.
	ErrJobCancelled = errors.New("processing cancelled - server shutting down")
)

// ProcessingQueue runs batch jobs on a fixed set of workers. Enqueue never
// blocks; a full queue rejects the job.
type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

type QueueItem struct {
	JobID      string
	Rows       []ingest.Row
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	JobID     string
	Processed int
	Failed    int
	Error     error
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (pq *ProcessingQueue) worker() {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			item.send(&ProcessingResult{
				JobID: item.JobID,
				Error: fmt.Errorf("worker panic: %v", r),
			})
		}
	}()

	pq.workerFunc(item)
}

// send delivers without blocking; a nil or full ResultChan drops the result.
func (item *QueueItem) send(result *ProcessingResult) {
	select {
	case item.ResultChan <- result:
	default:
	}
}

func (pq *ProcessingQueue) Enqueue(item *QueueItem) error {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return ErrQueueClosed
	}

	select {
	case pq.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

func (pq *ProcessingQueue) Workers() int {
	return pq.workers
}

// Shutdown stops accepting work and waits for running jobs. Queued items are
// left in place for DrainQueue.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// DrainQueue removes every queued item, hands each to cancel and reports how
// many there were.
func (pq *ProcessingQueue) DrainQueue(cancel func(*QueueItem)) int {
	drained := 0

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				cancel(item)
				item.send(&ProcessingResult{
					JobID: item.JobID,
					Error: ErrJobCancelled,
				})
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	stats := QueueStats{
		CurrentSize:   pq.Size(),
		MaxCapacity:   pq.Capacity(),
		ActiveWorkers: pq.workers,
		IsRunning:     pq.isRunning,
	}
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
