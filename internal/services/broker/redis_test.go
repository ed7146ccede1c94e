package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
)

func newTestRedisBroker(t *testing.T, cfg config.BrokerConfig) (*RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBrokerWithClient(client, cfg, zap.NewNop()), client
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	cfg := config.BrokerConfig{HighWater: 16, VisibilityTimeout: time.Minute}
	b, client := newTestRedisBroker(t, cfg)
	ctx := context.Background()

	job := testJob(models.LibrarySmartnoiseSQL)
	replies, err := b.Publish(ctx, job)
	require.NoError(t, err)

	consumer := NewRedisConsumer(client, []models.LibraryTag{models.LibrarySmartnoiseSQL}, cfg.VisibilityTimeout, zap.NewNop())

	got, err := consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.User, got.User)

	want := Reply{JobID: job.JobID, Status: models.ArchiveOK, Result: json.RawMessage(`{"n":42}`)}
	require.NoError(t, consumer.Reply(ctx, want))
	require.NoError(t, consumer.Ack(ctx, got))

	select {
	case reply := <-replies:
		assert.Equal(t, want.JobID, reply.JobID)
		assert.Equal(t, want.Status, reply.Status)
		assert.JSONEq(t, string(want.Result), string(reply.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}

	// Ack cleared both the processing copy and the inflight deadline.
	depth, err := client.LLen(ctx, processingKey(job.Library)).Result()
	require.NoError(t, err)
	assert.Zero(t, depth)
	inflight, err := client.ZCard(ctx, inflightKey).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestRedisBrokerCheckCapacity(t *testing.T) {
	cfg := config.BrokerConfig{HighWater: 1, VisibilityTimeout: time.Minute}
	b, _ := newTestRedisBroker(t, cfg)
	ctx := context.Background()

	require.NoError(t, b.CheckCapacity(ctx, models.LibrarySmartnoiseSQL))

	_, err := b.Publish(ctx, testJob(models.LibrarySmartnoiseSQL))
	require.NoError(t, err)

	err = b.CheckCapacity(ctx, models.LibrarySmartnoiseSQL)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	// Partitions are independent queues.
	assert.NoError(t, b.CheckCapacity(ctx, models.LibraryOpenDP))
}

func TestRedisBrokerDuplicateJob(t *testing.T) {
	cfg := config.BrokerConfig{HighWater: 16, VisibilityTimeout: time.Minute}
	b, _ := newTestRedisBroker(t, cfg)
	ctx := context.Background()

	job := testJob(models.LibraryDiffPrivLib)
	_, err := b.Publish(ctx, job)
	require.NoError(t, err)

	_, err = b.Publish(ctx, job)
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestRedisBrokerJanitorReapsExpired(t *testing.T) {
	// A negative visibility timeout makes every dequeued job immediately
	// expired, standing in for a worker that died mid-query.
	cfg := config.BrokerConfig{HighWater: 16, VisibilityTimeout: -time.Minute}
	b, client := newTestRedisBroker(t, cfg)
	ctx := context.Background()

	job := testJob(models.LibrarySmartnoiseSQL)
	replies, err := b.Publish(ctx, job)
	require.NoError(t, err)

	consumer := NewRedisConsumer(client, []models.LibraryTag{models.LibrarySmartnoiseSQL}, cfg.VisibilityTimeout, zap.NewNop())
	_, err = consumer.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, b.reapExpired(ctx))

	select {
	case reply := <-replies:
		assert.Equal(t, job.JobID, reply.JobID)
		assert.Equal(t, models.ArchiveInternalFail, reply.Status)
		assert.Contains(t, reply.ErrMsg, "did not complete")
	case <-time.After(5 * time.Second):
		t.Fatal("janitor reply not delivered")
	}

	depth, err := client.LLen(ctx, processingKey(job.Library)).Result()
	require.NoError(t, err)
	assert.Zero(t, depth)
	inflight, err := client.ZCard(ctx, inflightKey).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}
