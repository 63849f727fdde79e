package ingest

import (
	"errors"
	"time"
)

// ErrQueueFull indicates the queue rejected a push because it is at
// capacity. Producers see this instead of blocking.
var ErrQueueFull = errors.New("ingest: queue full")

// Queue is the shared FIFO between producers and the worker pool. Pops
// block with a bounded wait so workers stay responsive to shutdown without
// busy-spinning.
type Queue interface {
	Push(job IngestionJob) error
	// PopBlocking waits up to timeout for a job; ok is false on timeout.
	PopBlocking(timeout time.Duration) (IngestionJob, bool)
	Len() int
}

// MemoryQueue is a bounded, channel-backed Queue for tests and
// single-process deployments.
type MemoryQueue struct {
	ch chan IngestionJob
}

// NewMemoryQueue creates a MemoryQueue with the given capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryQueue{ch: make(chan IngestionJob, capacity)}
}

func (q *MemoryQueue) Push(job IngestionJob) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) PopBlocking(timeout time.Duration) (IngestionJob, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		return job, true
	case <-timer.C:
		return IngestionJob{}, false
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
