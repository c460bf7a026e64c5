// Package indexqueue hands record changes to the search indexer. The saga
// only enqueues; the indexer pops jobs on its own schedule.
package indexqueue

import (
	"context"
	"errors"
	"time"
)

var ErrJobNotFound = errors.New("index job not found")

// Op is what the indexer should do with the record.
type Op string

const (
	OpIndex  Op = "index"
	OpRemove Op = "remove"
)

type Job struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	Op         Op        `json:"op"`
	Path       string    `json:"path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a FIFO of indexing jobs. Remove must succeed for a job that was
// already consumed or removed.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Remove(ctx context.Context, id string) error
	// Next pops the oldest job, or returns nil when the queue is empty.
	Next(ctx context.Context) (*Job, error)
	Len(ctx context.Context) (int, error)
}
