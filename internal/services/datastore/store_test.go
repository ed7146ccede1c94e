package datastore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

func stubConnector(name string) connector.Connector {
	meta := &models.Metadata{DatasetName: name, MaxIDs: 1}
	return connector.NewMemoryConnector(name, meta, &connector.Frame{})
}

func TestAcquireSingleFlight(t *testing.T) {
	var loads atomic.Int64
	loader := func(ctx context.Context, name string) (connector.Connector, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return stubConnector(name), nil
	}
	store := New(4, loader, zap.NewNop())

	var wg sync.WaitGroup
	conns := make([]connector.Connector, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, release, err := store.Acquire(context.Background(), "IRIS")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), loads.Load())
	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}
}

func TestAcquireFailureNotCached(t *testing.T) {
	var loads atomic.Int64
	loader := func(ctx context.Context, name string) (connector.Connector, error) {
		if loads.Add(1) == 1 {
			return nil, assert.AnError
		}
		return stubConnector(name), nil
	}
	store := New(4, loader, zap.NewNop())

	_, _, err := store.Acquire(context.Background(), "IRIS")
	require.Error(t, err)

	conn, release, err := store.Acquire(context.Background(), "IRIS")
	require.NoError(t, err)
	defer release()
	assert.NotNil(t, conn)
	assert.Equal(t, int64(2), loads.Load())
}

func TestEvictionPrefersUnheldLRU(t *testing.T) {
	loader := func(ctx context.Context, name string) (connector.Connector, error) {
		return stubConnector(name), nil
	}
	store := New(2, loader, zap.NewNop())
	ctx := context.Background()

	_, releaseA, err := store.Acquire(ctx, "A")
	require.NoError(t, err)
	releaseA()

	_, releaseB, err := store.Acquire(ctx, "B")
	require.NoError(t, err)

	// A is the only zero-hold entry, so loading C evicts it.
	_, releaseC, err := store.Acquire(ctx, "C")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	releaseB()
	releaseC()

	// B survived the eviction while held.
	var loadsB atomic.Int64
	store2 := New(1, func(ctx context.Context, name string) (connector.Connector, error) {
		loadsB.Add(1)
		return stubConnector(name), nil
	}, zap.NewNop())

	_, release1, err := store2.Acquire(ctx, "held")
	require.NoError(t, err)

	// The held entry cannot be evicted; the store overflows instead.
	_, release2, err := store2.Acquire(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 2, store2.Len())

	release1()
	release2()
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads atomic.Int64
	loader := func(ctx context.Context, name string) (connector.Connector, error) {
		loads.Add(1)
		return stubConnector(name), nil
	}
	store := New(4, loader, zap.NewNop())
	ctx := context.Background()

	_, release, err := store.Acquire(ctx, "IRIS")
	require.NoError(t, err)
	release()

	store.Invalidate("IRIS")

	_, release, err = store.Acquire(ctx, "IRIS")
	require.NoError(t, err)
	release()

	assert.Equal(t, int64(2), loads.Load())
}
