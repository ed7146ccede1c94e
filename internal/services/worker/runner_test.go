package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/broker"
	"github.com/dpserve/dpserve/internal/services/connector"
	"github.com/dpserve/dpserve/internal/services/datastore"
	"github.com/dpserve/dpserve/internal/services/queriers"
)

// payloadDrivenQuerier fails or succeeds based on markers in the payload,
// so one registered backend can exercise every reply disposition.
type payloadDrivenQuerier struct{}

func (q *payloadDrivenQuerier) Library() models.LibraryTag { return models.LibrarySmartnoiseSQL }

func (q *payloadDrivenQuerier) Validate(_ *models.Metadata, _ json.RawMessage) error { return nil }

func (q *payloadDrivenQuerier) EstimateCost(_ *models.Metadata, _ json.RawMessage) (models.Cost, error) {
	return models.Cost{Epsilon: 0.1}, nil
}

func (q *payloadDrivenQuerier) Execute(_ context.Context, _ connector.Connector, payload json.RawMessage) (json.RawMessage, error) {
	switch {
	case strings.Contains(string(payload), "reject"):
		return nil, errs.ExternalLib(string(models.LibrarySmartnoiseSQL), "query rejected by library")
	case strings.Contains(string(payload), "crash"):
		return nil, errs.Internalf("backend crashed")
	default:
		return json.RawMessage(`{"value":7}`), nil
	}
}

func newTestRunner(t *testing.T) (*Runner, *broker.MemoryBroker) {
	t.Helper()

	db, err := admindb.NewYamlDB("")
	require.NoError(t, err)
	require.NoError(t, db.CreateDataset(context.Background(),
		&models.Dataset{DatasetName: "IRIS", AccessKind: models.AccessInMemory},
		&models.Metadata{MaxIDs: 1, Columns: []models.ColumnSpec{
			{Name: "species", Type: models.ColumnString, Cardinality: 3},
		}}))

	registry := queriers.NewRegistry(config.DPLibrariesConfig{})
	registry.Register(&payloadDrivenQuerier{})

	store := datastore.New(4, func(ctx context.Context, name string) (connector.Connector, error) {
		meta, err := db.GetMetadata(ctx, name)
		if err != nil {
			return nil, err
		}
		return connector.NewMemoryConnector(name, meta, &connector.Frame{}), nil
	}, zap.NewNop())

	executor := NewExecutor(registry, store, db, time.Minute)
	b := broker.NewMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	return NewRunner(b, executor, 2, zap.NewNop()), b
}

func submit(t *testing.T, b *broker.MemoryBroker, payload string, dummy bool) <-chan broker.Reply {
	t.Helper()
	replies, err := b.Publish(context.Background(), &models.QueryJob{
		JobID:   uuid.New(),
		User:    "alice",
		Dataset: "IRIS",
		Library: models.LibrarySmartnoiseSQL,
		Payload: json.RawMessage(payload),
		Dummy:   dummy,
	})
	require.NoError(t, err)
	return replies
}

func awaitReply(t *testing.T, replies <-chan broker.Reply) broker.Reply {
	t.Helper()
	select {
	case reply := <-replies:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
		return broker.Reply{}
	}
}

func TestRunnerDispositions(t *testing.T) {
	runner, b := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	t.Run("success replies OK", func(t *testing.T) {
		reply := awaitReply(t, submit(t, b, `{"query_str":"SELECT COUNT(*) FROM df"}`, false))
		assert.Equal(t, models.ArchiveOK, reply.Status)
		assert.JSONEq(t, `{"value":7}`, string(reply.Result))
	})

	t.Run("library rejection replies LIB_FAIL", func(t *testing.T) {
		reply := awaitReply(t, submit(t, b, `{"query_str":"reject me"}`, false))
		assert.Equal(t, models.ArchiveLibFail, reply.Status)
		assert.Contains(t, reply.ErrMsg, "rejected by library")
	})

	t.Run("internal error replies INTERNAL_FAIL", func(t *testing.T) {
		reply := awaitReply(t, submit(t, b, `{"query_str":"crash"}`, false))
		assert.Equal(t, models.ArchiveInternalFail, reply.Status)
		assert.Contains(t, reply.ErrMsg, "crashed")
	})

	t.Run("dummy job generates its own frame", func(t *testing.T) {
		reply := awaitReply(t, submit(t, b, `{"query_str":"SELECT COUNT(*) FROM df"}`, true))
		assert.Equal(t, models.ArchiveOK, reply.Status)
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
