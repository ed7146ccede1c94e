package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/broker"
)

// Runner drives a fixed pool of executor goroutines over a broker consumer.
type Runner struct {
	consumer broker.Consumer
	executor *Executor
	logger   *zap.Logger
	workers  int
}

func NewRunner(consumer broker.Consumer, executor *Executor, workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{consumer: consumer, executor: executor, logger: logger, workers: workers}
}

// Run blocks until ctx is cancelled. Every pulled job is replied to exactly
// once before it is acked, so the admission path always settles.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting query workers", zap.Int("workers", r.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			return r.loop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		job, err := r.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Failed to pull next job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		r.handle(ctx, job)
	}
}

func (r *Runner) handle(ctx context.Context, job *models.QueryJob) {
	started := time.Now()
	result, err := r.executor.Execute(ctx, job)

	reply := broker.Reply{JobID: job.JobID}
	switch {
	case err == nil:
		reply.Status = models.ArchiveOK
		reply.Result = result
	case errs.Is(err, errs.KindExternalLib) || errs.Is(err, errs.KindInvalidQuery):
		// Deterministic library rejection: the debit will be compensated.
		reply.Status = models.ArchiveLibFail
		reply.ErrMsg = errs.Message(err)
	default:
		reply.Status = models.ArchiveInternalFail
		reply.ErrMsg = errs.Message(err)
	}

	// The reply must land before the ack; an ack without a reply would
	// leave the admission path waiting for the full timeout.
	if err := r.consumer.Reply(ctx, reply); err != nil {
		r.logger.Error("Failed to publish reply; leaving job for the janitor",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
		return
	}
	if err := r.consumer.Ack(ctx, job); err != nil {
		r.logger.Warn("Failed to ack job",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
	}

	r.logger.Info("Job executed",
		zap.String("job_id", job.JobID.String()),
		zap.String("library", string(job.Library)),
		zap.String("user", job.User),
		zap.String("dataset", job.Dataset),
		zap.String("status", string(reply.Status)),
		zap.Duration("duration", time.Since(started)))
}
