package pool

import (
	"time"

	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

// Stats is a snapshot of the pool.
type Stats struct {
	PoolSize       int             `json:"pool_size"`
	ReadyWorkers   int             `json:"ready_workers"`
	BusyWorkers    int             `json:"busy_workers"`
	TotalJobs      uint64          `json:"total_jobs"`
	SuccessfulJobs uint64          `json:"successful_jobs"`
	FailedJobs     uint64          `json:"failed_jobs"`
	WorkerRestarts uint64          `json:"worker_restarts"`
	AvgWaitTimeMs  float64         `json:"avg_wait_time_ms"`
	Initialized    bool            `json:"initialized"`
	Workers        []worker.Status `json:"workers"`
}

// counters are mutated only by the pool, under statsMu.
type counters struct {
	total     uint64
	succeeded uint64
	failed    uint64
	restarts  uint64
	waits     uint64
	avgWait   float64 // ms
}

// recordWait folds one acquisition wait into the running mean.
func (c *counters) recordWait(d time.Duration) {
	c.waits++
	ms := float64(d) / float64(time.Millisecond)
	c.avgWait += (ms - c.avgWait) / float64(c.waits)
}

// recordAttempt counts one finished attempt.
func (c *counters) recordAttempt(ok bool) {
	c.total++
	if ok {
		c.succeeded++
	} else {
		c.failed++
	}
}
