// Package broker moves accepted query jobs from the admission path to the
// execution workers and carries the terminal reply back. Jobs are partitioned
// by DP library so a slow backend cannot starve the others.
package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/dpserve/dpserve/internal/models"
)

// ErrDuplicateJob is returned when a job id has already been published.
var ErrDuplicateJob = errors.New("broker: duplicate job id")

// Reply is the terminal disposition of a job as seen by the admission path.
// Result is set only on OK.
type Reply struct {
	JobID  uuid.UUID            `json:"job_id"`
	Status models.ArchiveStatus `json:"status"`
	Result json.RawMessage      `json:"result,omitempty"`
	ErrMsg string               `json:"error,omitempty"`
}

// Broker is the admission-side handle. Publish enqueues a job and returns a
// channel that delivers exactly one Reply and is then closed. A worker death
// surfaces as an INTERNAL_FAIL reply, never as a silently dropped channel.
type Broker interface {
	Publish(ctx context.Context, job *models.QueryJob) (<-chan Reply, error)

	// CheckCapacity fails with a back-pressure error when the partition
	// for library is at its high-water mark. Called before any debit.
	CheckCapacity(ctx context.Context, library models.LibraryTag) error

	Close() error
}

// Consumer is the worker-side handle. Next blocks for the next job of the
// subscribed partitions; Reply publishes the disposition; Ack retires the
// job so the janitor stops tracking it. Reply must precede Ack.
type Consumer interface {
	Next(ctx context.Context) (*models.QueryJob, error)
	Reply(ctx context.Context, reply Reply) error
	Ack(ctx context.Context, job *models.QueryJob) error
	Close() error
}
