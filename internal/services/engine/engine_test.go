package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/broker"
	"github.com/dpserve/dpserve/internal/services/connector"
	"github.com/dpserve/dpserve/internal/services/engine"
	"github.com/dpserve/dpserve/internal/services/queriers"
)

// queriersRegistry builds the standard registry and swaps the stub in over
// its library tag.
func queriersRegistry(cfg config.DPLibrariesConfig, stub *stubQuerier) *queriers.Registry {
	r := queriers.NewRegistry(cfg)
	r.Register(stub)
	return r
}

// stubQuerier stands in for the smartnoise-sql backend so the tests drive
// the admission protocol with exact costs.
type stubQuerier struct {
	cost        models.Cost
	validateErr error
}

func (s *stubQuerier) Library() models.LibraryTag { return models.LibrarySmartnoiseSQL }

func (s *stubQuerier) Validate(_ *models.Metadata, _ json.RawMessage) error {
	return s.validateErr
}

func (s *stubQuerier) EstimateCost(_ *models.Metadata, _ json.RawMessage) (models.Cost, error) {
	return s.cost, nil
}

func (s *stubQuerier) Execute(_ context.Context, _ connector.Connector, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"value":1}`), nil
}

type fixture struct {
	db     admindb.AdminDatabase
	broker *broker.MemoryBroker
	engine *engine.Engine
}

var dpLibs = config.DPLibrariesConfig{OpenDP: config.OpenDPConfig{Contrib: true, FloatingPoint: true}}

// newAdminDB seeds an in-memory store with the IRIS dataset and alice
// holding initial budget on it.
func newAdminDB(t *testing.T, initial models.Cost) admindb.AdminDatabase {
	t.Helper()

	db, err := admindb.NewYamlDB("")
	require.NoError(t, err)

	lo, hi := 0.0, 100.0
	require.NoError(t, db.CreateDataset(context.Background(),
		&models.Dataset{DatasetName: "IRIS", AccessKind: models.AccessInMemory},
		&models.Metadata{
			MaxIDs: 1,
			Columns: []models.ColumnSpec{
				{Name: "petal_length", Type: models.ColumnFloat, Lower: &lo, Upper: &hi},
			},
		}))
	require.NoError(t, db.CreateUser(context.Background(), "alice"))
	require.NoError(t, db.GrantAccess(context.Background(), "alice", "IRIS", initial))
	return db
}

func newFixture(t *testing.T, initial models.Cost, stub *stubQuerier, timeout time.Duration) *fixture {
	t.Helper()

	db := newAdminDB(t, initial)

	b := broker.NewMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	return &fixture{
		db:     db,
		broker: b,
		engine: engine.New(db, queriersRegistry(dpLibs, stub), b, timeout, 8, zap.NewNop()),
	}
}

// startWorker drains the queue and replies with a fixed disposition.
func (f *fixture) startWorker(t *testing.T, status models.ArchiveStatus, errMsg string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			job, err := f.broker.Next(ctx)
			if err != nil {
				return
			}
			_ = f.broker.Reply(ctx, broker.Reply{
				JobID:  job.JobID,
				Status: status,
				Result: json.RawMessage(`{"value":1}`),
				ErrMsg: errMsg,
			})
			_ = f.broker.Ack(ctx, job)
		}
	}()
}

func (f *fixture) spent(t *testing.T) models.Cost {
	t.Helper()
	entry, err := f.db.GetBudget(context.Background(), "alice", "IRIS")
	require.NoError(t, err)
	return entry.Spent()
}

func (f *fixture) archives(t *testing.T) []models.Archive {
	t.Helper()
	archives, err := f.db.GetArchives(context.Background(), "alice", "IRIS")
	require.NoError(t, err)
	return archives
}

var payload = []byte(`{"query_str":"SELECT COUNT(*) FROM df","epsilon":0.5}`)

func TestExecuteQuerySuccess(t *testing.T) {
	cost := models.Cost{Epsilon: 0.5, Delta: 1e-5}
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: cost}, time.Second)
	f.startWorker(t, models.ArchiveOK, "")

	result, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", result.RequestedBy)
	assert.Equal(t, cost, result.Cost)
	assert.JSONEq(t, `{"value":1}`, string(result.Result))

	assert.Equal(t, cost, f.spent(t))

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, models.ArchiveOK, archives[0].Status)
	assert.Equal(t, cost, archives[0].MeasuredCost)
	assert.NotEmpty(t, archives[0].PayloadHash)
}

func TestExecuteQueryInsufficientBudget(t *testing.T) {
	f := newFixture(t, models.Cost{Epsilon: 0.3}, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}, time.Second)
	f.startWorker(t, models.ArchiveOK, "")

	_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "not enough budget")

	// A refused query costs nothing and leaves no archive.
	assert.Equal(t, models.Cost{}, f.spent(t))
	assert.Empty(t, f.archives(t))
}

func TestExecuteQueryLibFailCompensates(t *testing.T) {
	cost := models.Cost{Epsilon: 0.5}
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: cost}, time.Second)
	f.startWorker(t, models.ArchiveLibFail, "pipeline rejected by library")

	_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindExternalLib, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "pipeline rejected")

	// The rejection is deterministic, so the debit came back.
	assert.Equal(t, models.Cost{}, f.spent(t))

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, models.ArchiveCompensated, archives[0].Status)
}

func TestExecuteQueryInternalFailDebitStands(t *testing.T) {
	cost := models.Cost{Epsilon: 0.5}
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: cost}, time.Second)
	f.startWorker(t, models.ArchiveInternalFail, "worker crashed")

	_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	// The query may have released something before failing.
	assert.Equal(t, cost, f.spent(t))

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, models.ArchiveInternalFail, archives[0].Status)
}

func TestExecuteQueryTimeoutDebitStands(t *testing.T) {
	cost := models.Cost{Epsilon: 0.5}
	// No worker is draining the queue.
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: cost}, 50*time.Millisecond)

	_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	assert.Equal(t, cost, f.spent(t))

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, models.ArchiveInternalFail, archives[0].Status)
}

func TestExecuteQueryPerQueryLimits(t *testing.T) {
	t.Run("epsilon ceiling", func(t *testing.T) {
		f := newFixture(t, models.Cost{Epsilon: 100, Delta: 0.1}, &stubQuerier{cost: models.Cost{Epsilon: engine.EpsilonLimit + 1}}, time.Second)
		_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
		assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
		assert.Equal(t, models.Cost{}, f.spent(t))
	})

	t.Run("delta ceiling", func(t *testing.T) {
		f := newFixture(t, models.Cost{Epsilon: 100, Delta: 0.1}, &stubQuerier{cost: models.Cost{Epsilon: 0.1, Delta: engine.DeltaLimit * 2}}, time.Second)
		_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
		assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
		assert.Equal(t, models.Cost{}, f.spent(t))
	})
}

func TestExecuteQueryAccessGates(t *testing.T) {
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: models.Cost{Epsilon: 0.1}}, time.Second)
	f.startWorker(t, models.ArchiveOK, "")
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.engine.ExecuteQuery(ctx, "mallory", "IRIS", models.LibrarySmartnoiseSQL, payload)
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})

	t.Run("no grant for dataset", func(t *testing.T) {
		require.NoError(t, f.db.CreateUser(ctx, "bob"))
		_, err := f.engine.ExecuteQuery(ctx, "bob", "IRIS", models.LibrarySmartnoiseSQL, payload)
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})

	t.Run("may_query revoked", func(t *testing.T) {
		require.NoError(t, f.db.SetMayQuery(ctx, "alice", false))
		_, err := f.engine.ExecuteQuery(ctx, "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
		require.NoError(t, f.db.SetMayQuery(ctx, "alice", true))
	})
}

func TestExecuteQueryConcurrentDebitsNeverOverspend(t *testing.T) {
	cost := models.Cost{Epsilon: 0.3}
	f := newFixture(t, models.Cost{Epsilon: 1.0}, &stubQuerier{cost: cost}, 5*time.Second)
	f.startWorker(t, models.ArchiveOK, "")

	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Only three debits of 0.3 fit into 1.0 however the races resolve.
	assert.LessOrEqual(t, successes, 3)
	spent := f.spent(t)
	assert.InDelta(t, float64(successes)*cost.Epsilon, spent.Epsilon, 1e-9)
	assert.LessOrEqual(t, spent.Epsilon, 1.0+1e-9)
}

func TestExecuteDummyQueryIsFree(t *testing.T) {
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}, time.Second)
	// Dummy jobs ride the broker too: without a worker this would time out.
	f.startWorker(t, models.ArchiveOK, "")

	result, err := f.engine.ExecuteDummyQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload, 100, 42)
	require.NoError(t, err)
	assert.Equal(t, models.Cost{}, result.Cost)
	assert.JSONEq(t, `{"value":1}`, string(result.Result))

	// Nothing moved and nothing was archived.
	assert.Equal(t, models.Cost{}, f.spent(t))
	assert.Empty(t, f.archives(t))
}

func TestEstimateCostDoesNotDebit(t *testing.T) {
	cost := models.Cost{Epsilon: 0.7, Delta: 1e-5}
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: cost}, time.Second)

	got, err := f.engine.EstimateCost(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.NoError(t, err)
	assert.Equal(t, cost, got)
	assert.Equal(t, models.Cost{}, f.spent(t))
}

func TestBudgetAccessors(t *testing.T) {
	initial := models.Cost{Epsilon: 10, Delta: 0.004}
	f := newFixture(t, initial, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}, time.Second)
	f.startWorker(t, models.ArchiveOK, "")
	ctx := context.Background()

	_, err := f.engine.ExecuteQuery(ctx, "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.NoError(t, err)

	entry, err := f.engine.Budget(ctx, "alice", "IRIS")
	require.NoError(t, err)
	assert.Equal(t, initial, entry.Initial())
	assert.Equal(t, models.Cost{Epsilon: 0.5}, entry.Spent())
	assert.InDelta(t, 9.5, entry.Remaining().Epsilon, 1e-9)

	archives, err := f.engine.Archives(ctx, "alice", "IRIS")
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestArchivesAcrossDatasets(t *testing.T) {
	f := newFixture(t, models.Cost{Epsilon: 10, Delta: 0.004}, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}, time.Second)
	f.startWorker(t, models.ArchiveOK, "")
	ctx := context.Background()

	require.NoError(t, f.db.CreateDataset(ctx,
		&models.Dataset{DatasetName: "WINE", AccessKind: models.AccessInMemory},
		&models.Metadata{
			MaxIDs:  1,
			Columns: []models.ColumnSpec{{Name: "alcohol", Type: models.ColumnFloat}},
		},
	))
	require.NoError(t, f.db.GrantAccess(ctx, "alice", "WINE", models.Cost{Epsilon: 10, Delta: 0.004}))

	_, err := f.engine.ExecuteQuery(ctx, "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.NoError(t, err)
	_, err = f.engine.ExecuteQuery(ctx, "alice", "WINE", models.LibrarySmartnoiseSQL, payload)
	require.NoError(t, err)

	t.Run("empty dataset returns all archives", func(t *testing.T) {
		archives, err := f.engine.Archives(ctx, "alice", "")
		require.NoError(t, err)
		assert.Len(t, archives, 2)
	})

	t.Run("named dataset still filters", func(t *testing.T) {
		archives, err := f.engine.Archives(ctx, "alice", "IRIS")
		require.NoError(t, err)
		require.Len(t, archives, 1)
		assert.Equal(t, "IRIS", archives[0].Dataset)
	})

	t.Run("user gate still applies", func(t *testing.T) {
		_, err := f.engine.Archives(ctx, "mallory", "")
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})
}

// contextAwareDB fails ledger and archive writes arriving on a dead
// context, the way a remote document store would.
type contextAwareDB struct {
	admindb.AdminDatabase
}

func (d *contextAwareDB) UpdateSpent(ctx context.Context, user, dataset string, delta models.Cost, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.AdminDatabase.UpdateSpent(ctx, user, dataset, delta, version)
}

func (d *contextAwareDB) SaveArchive(ctx context.Context, archive *models.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.AdminDatabase.SaveArchive(ctx, archive)
}

func TestCancelledCallerStillGetsArchived(t *testing.T) {
	base := newAdminDB(t, models.Cost{Epsilon: 10, Delta: 0.004})
	db := &contextAwareDB{AdminDatabase: base}

	b := broker.NewMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	eng := engine.New(db, queriersRegistry(dpLibs, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}), b, 5*time.Second, 8, zap.NewNop())

	// No worker drains the queue; the caller gives up mid-await.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := eng.ExecuteQuery(ctx, "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	// The debit stands and the accepted job still got its archive row,
	// even though the request context is dead.
	entry, err := base.GetBudget(context.Background(), "alice", "IRIS")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, entry.Spent().Epsilon, 1e-9)

	archives, err := base.GetArchives(context.Background(), "alice", "IRIS")
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, models.ArchiveInternalFail, archives[0].Status)
}

func TestSubmitLimitCapsAdmissions(t *testing.T) {
	db := newAdminDB(t, models.Cost{Epsilon: 10, Delta: 0.004})

	b := broker.NewMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	eng := engine.New(db, queriersRegistry(dpLibs, &stubQuerier{cost: models.Cost{Epsilon: 0.5}}), b, 400*time.Millisecond, 1, zap.NewNop())

	// No worker: the first admission holds the single slot until timeout.
	done := make(chan error, 1)
	go func() {
		_, err := eng.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := eng.ExecuteQuery(context.Background(), "alice", "IRIS", models.LibrarySmartnoiseSQL, payload)
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	assert.Contains(t, errs.Message(err), "in flight")

	err = <-done
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	// The refused admission never debited; only the timed-out one did.
	entry, err := db.GetBudget(context.Background(), "alice", "IRIS")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, entry.Spent().Epsilon, 1e-9)
}
