package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
)

// MemoryBroker is the single-process broker used when no redis url is
// configured, and by tests. It is both the Broker and the Consumer: workers
// in the same process pull from the shared bounded queue.
type MemoryBroker struct {
	logger *zap.Logger
	jobs   chan *models.QueryJob

	mu      sync.Mutex
	waiting map[uuid.UUID]chan Reply
	closed  bool
}

func NewMemoryBroker(highWater int64, logger *zap.Logger) *MemoryBroker {
	if highWater <= 0 {
		highWater = 256
	}
	return &MemoryBroker{
		logger:  logger,
		jobs:    make(chan *models.QueryJob, highWater),
		waiting: make(map[uuid.UUID]chan Reply),
	}
}

func (b *MemoryBroker) CheckCapacity(_ context.Context, library models.LibraryTag) error {
	if len(b.jobs) >= cap(b.jobs) {
		return errs.Unavailable("query queue for %s is full, retry later", library)
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, job *models.QueryJob) (<-chan Reply, error) {
	replies := make(chan Reply, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.Internalf("broker is closed")
	}
	if _, dup := b.waiting[job.JobID]; dup {
		b.mu.Unlock()
		return nil, ErrDuplicateJob
	}
	b.waiting[job.JobID] = replies
	b.mu.Unlock()

	select {
	case b.jobs <- job:
		return replies, nil
	case <-ctx.Done():
		b.forget(job.JobID)
		return nil, ctx.Err()
	default:
		b.forget(job.JobID)
		return nil, errs.Unavailable("query queue for %s is full, retry later", job.Library)
	}
}

func (b *MemoryBroker) Next(ctx context.Context) (*models.QueryJob, error) {
	select {
	case job, ok := <-b.jobs:
		if !ok {
			return nil, errors.New("broker is closed")
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Reply(_ context.Context, reply Reply) error {
	b.mu.Lock()
	ch, ok := b.waiting[reply.JobID]
	delete(b.waiting, reply.JobID)
	b.mu.Unlock()
	if !ok {
		// The publisher gave up; the disposition was already settled.
		return nil
	}
	ch <- reply
	close(ch)
	return nil
}

func (b *MemoryBroker) Ack(_ context.Context, _ *models.QueryJob) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.jobs)
	return nil
}

func (b *MemoryBroker) forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.waiting, id)
	b.mu.Unlock()
}
