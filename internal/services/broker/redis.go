package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
)

const (
	queueKeyPrefix      = "dpserve:jobs:"
	processingKeyPrefix = "dpserve:processing:"
	replyChannelPrefix  = "dpserve:reply:"
	inflightKey         = "dpserve:inflight"
	dedupKeyPrefix      = "dpserve:job:"

	dedupTTL       = 24 * time.Hour
	nextBlockSlice = 5 * time.Second
	janitorPeriod  = 30 * time.Second
)

func queueKey(library models.LibraryTag) string      { return queueKeyPrefix + string(library) }
func processingKey(library models.LibraryTag) string { return processingKeyPrefix + string(library) }
func replyChannel(jobID uuid.UUID) string            { return replyChannelPrefix + jobID.String() }

// RedisBroker runs jobs through one redis list per library partition.
// A job moves queue -> processing list atomically; the processing copy and a
// visibility deadline in a ZSET survive until the worker acks. The janitor
// fails over jobs whose deadline passed, so a dead worker always resolves to
// an INTERNAL_FAIL reply.
type RedisBroker struct {
	client            *redis.Client
	logger            *zap.Logger
	highWater         int64
	visibilityTimeout time.Duration
}

func NewRedisBroker(cfg config.BrokerConfig, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB

	return &RedisBroker{
		client:            redis.NewClient(opts),
		logger:            logger,
		highWater:         cfg.HighWater,
		visibilityTimeout: cfg.VisibilityTimeout,
	}, nil
}

// NewRedisBrokerWithClient wires an existing client, used by tests.
func NewRedisBrokerWithClient(client *redis.Client, cfg config.BrokerConfig, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client:            client,
		logger:            logger,
		highWater:         cfg.HighWater,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) CheckCapacity(ctx context.Context, library models.LibraryTag) error {
	if b.highWater <= 0 {
		return nil
	}
	depth, err := b.client.LLen(ctx, queueKey(library)).Result()
	if err != nil {
		return errs.Internal(fmt.Errorf("broker: queue depth: %w", err))
	}
	if depth >= b.highWater {
		return errs.Unavailable("query queue for %s is full, retry later", library)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, job *models.QueryJob) (<-chan Reply, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("broker: marshal job: %w", err))
	}

	// Duplicate submissions of the same job id are refused before anything
	// is enqueued.
	ok, err := b.client.SetNX(ctx, dedupKeyPrefix+job.JobID.String(), 1, dedupTTL).Result()
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("broker: dedup: %w", err))
	}
	if !ok {
		return nil, ErrDuplicateJob
	}

	// Subscribe before pushing so the reply cannot be missed.
	sub := b.client.Subscribe(ctx, replyChannel(job.JobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errs.Internal(fmt.Errorf("broker: subscribe reply: %w", err))
	}

	if err := b.client.LPush(ctx, queueKey(job.Library), data).Err(); err != nil {
		_ = sub.Close()
		return nil, errs.Internal(fmt.Errorf("broker: enqueue: %w", err))
	}

	replies := make(chan Reply, 1)
	go func() {
		defer close(replies)
		defer func() { _ = sub.Close() }()

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var reply Reply
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			b.logger.Error("Malformed broker reply",
				zap.String("job_id", job.JobID.String()),
				zap.Error(err))
			reply = Reply{
				JobID:  job.JobID,
				Status: models.ArchiveInternalFail,
				ErrMsg: "malformed reply",
			}
		}
		replies <- reply
	}()

	b.logger.Debug("Job published",
		zap.String("job_id", job.JobID.String()),
		zap.String("library", string(job.Library)),
		zap.String("user", job.User))

	return replies, nil
}

// StartJanitor fails over jobs whose visibility deadline passed. Run once
// per deployment, from the server process.
func (b *RedisBroker) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.reapExpired(ctx); err != nil {
					b.logger.Error("Broker janitor pass failed", zap.Error(err))
				}
			}
		}
	}()
}

func (b *RedisBroker) reapExpired(ctx context.Context) error {
	now := float64(time.Now().Unix())
	expired, err := b.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%.0f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan inflight: %w", err)
	}

	for _, raw := range expired {
		var job models.QueryJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = b.client.ZRem(ctx, inflightKey, raw).Err()
			b.logger.Error("Dropping undecodable inflight job", zap.Error(err))
			continue
		}

		reply := Reply{
			JobID:  job.JobID,
			Status: models.ArchiveInternalFail,
			ErrMsg: "worker did not complete the query in time",
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("marshal janitor reply: %w", err)
		}

		pipe := b.client.Pipeline()
		pipe.LRem(ctx, processingKey(job.Library), 1, raw)
		pipe.ZRem(ctx, inflightKey, raw)
		pipe.Publish(ctx, replyChannel(job.JobID), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reap job %s: %w", job.JobID, err)
		}

		b.logger.Warn("Reaped expired job",
			zap.String("job_id", job.JobID.String()),
			zap.String("library", string(job.Library)),
			zap.String("user", job.User))
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// RedisConsumer pulls jobs for a fixed set of library partitions.
type RedisConsumer struct {
	client            *redis.Client
	logger            *zap.Logger
	libraries         []models.LibraryTag
	visibilityTimeout time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]string // job id -> raw payload, for ack
}

func NewRedisConsumer(client *redis.Client, libraries []models.LibraryTag, visibilityTimeout time.Duration, logger *zap.Logger) *RedisConsumer {
	if len(libraries) == 0 {
		libraries = models.Libraries
	}
	return &RedisConsumer{
		client:            client,
		logger:            logger,
		libraries:         libraries,
		visibilityTimeout: visibilityTimeout,
		pending:           make(map[uuid.UUID]string),
	}
}

// Next blocks until a job is available on any subscribed partition. The job
// is moved to its processing list and registered with a visibility deadline
// before it is returned.
func (c *RedisConsumer) Next(ctx context.Context) (*models.QueryJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// BLMove only watches one list, so partitions are polled in short
		// blocking slices round-robin.
		for _, library := range c.libraries {
			raw, err := c.client.BLMove(ctx,
				queueKey(library), processingKey(library),
				"RIGHT", "LEFT", nextBlockSlice).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("broker: dequeue %s: %w", library, err)
			}

			var job models.QueryJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				_ = c.client.LRem(ctx, processingKey(library), 1, raw).Err()
				c.logger.Error("Dropping undecodable job", zap.Error(err))
				continue
			}

			deadline := time.Now().Add(c.visibilityTimeout)
			if err := c.client.ZAdd(ctx, inflightKey, redis.Z{
				Score:  float64(deadline.Unix()),
				Member: raw,
			}).Err(); err != nil {
				return nil, fmt.Errorf("broker: track inflight: %w", err)
			}

			c.mu.Lock()
			c.pending[job.JobID] = raw
			c.mu.Unlock()

			return &job, nil
		}
	}
}

func (c *RedisConsumer) Reply(ctx context.Context, reply Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("broker: marshal reply: %w", err)
	}
	return c.client.Publish(ctx, replyChannel(reply.JobID), payload).Err()
}

func (c *RedisConsumer) Ack(ctx context.Context, job *models.QueryJob) error {
	c.mu.Lock()
	raw, ok := c.pending[job.JobID]
	delete(c.pending, job.JobID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: ack for unknown job %s", job.JobID)
	}

	pipe := c.client.Pipeline()
	pipe.LRem(ctx, processingKey(job.Library), 1, raw)
	pipe.ZRem(ctx, inflightKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisConsumer) Close() error { return nil }
