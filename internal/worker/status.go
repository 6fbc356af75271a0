package worker

import (
	"context"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/shirou/gopsutil/v3/process"
)

// Status is a point-in-time view of one worker.
type Status struct {
	ID         int       `json:"id"`
	PID        int       `json:"pid,omitempty"`
	State      State     `json:"state"`
	Ready      bool      `json:"ready"`
	Busy       bool      `json:"busy"`
	Failures   int       `json:"failures"`
	FirstCall  bool      `json:"first_call"`
	LastError  string    `json:"last_error,omitempty"`
	Jobs       uint64    `json:"jobs"`
	StartedAt  time.Time `json:"started_at"`
	MemoryRSS  uint64    `json:"memory_rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
}

// Status returns a snapshot of the worker, including process resource usage
// when the process is alive.
func (w *Worker) Status() Status {
	w.mu.Lock()
	st := Status{
		ID:        w.cfg.ID,
		PID:       w.pid,
		State:     w.state,
		Ready:     w.state == StateReady || w.state == StateBusy,
		Busy:      w.state == StateBusy,
		Failures:  w.failures,
		FirstCall: w.firstCall,
		Jobs:      w.jobs,
		StartedAt: w.startedAt,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	w.mu.Unlock()

	if st.PID > 0 && st.State != StateExited {
		u := usageOf(st.PID)
		st.MemoryRSS = u.rss
		st.CPUPercent = u.cpu
	}

	return st
}

type usage struct {
	rss uint64
	cpu float64
}

// Sampling a process costs a few syscalls; stats endpoints get polled.
var usageCache = cache.New[int, func() usage]()

func usageOf(pid int) usage {
	do, _ := usageCache.GetOrSet(pid, sync.OnceValue(sampleUsage(pid)), cache.WithExpiration(2*time.Second))
	return do()
}

func sampleUsage(pid int) func() usage {
	return func() usage {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return usage{}
		}

		var u usage
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			u.rss = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.cpu = cpu
		}
		return u
	}
}
