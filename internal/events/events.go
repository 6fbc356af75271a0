// Package events is an in-process bus for worker lifecycle events.
//
// Publishers never block: each subscriber owns a buffered channel and an
// event that does not fit is dropped and counted against that subscriber.
package events

import (
	"errors"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: nil channel provided")
)

// Kind names a lifecycle transition.
type Kind string

const (
	WorkerStarted     Kind = "worker_started"
	WorkerExited      Kind = "worker_exited"
	WorkerRestarted   Kind = "worker_restarted"
	WorkerRecycled    Kind = "worker_recycled"
	WorkerRestartFail Kind = "worker_restart_failed"
	PoolReady         Kind = "pool_ready"
	PoolStopped       Kind = "pool_stopped"
	PredictionFailed  Kind = "prediction_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	WorkerID  int       `json:"worker_id"`
	PID       int       `json:"pid,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// BusStats is a snapshot of the whole bus.
type BusStats struct {
	TotalPublished uint64                     `json:"total_published"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

// DropRate is the fraction (0.0 to 1.0) of deliveries to sub that were
// dropped. 0 for unknown subscribers or no traffic.
func (s BusStats) DropRate(sub string) float64 {
	st, ok := s.Subscribers[sub]
	if !ok {
		return 0
	}
	total := st.Sent + st.Dropped
	if total == 0 {
		return 0
	}
	return float64(st.Dropped) / float64(total)
}
