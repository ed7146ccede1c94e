// Package engine is the admission path of the query service. It owns the
// order of operations between a request arriving and a job being enqueued:
// access gates, payload validation, cost measurement, per-query limits,
// back-pressure, and the compare-and-swap budget debit. Workers only ever
// see jobs that have already paid.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/broker"
	"github.com/dpserve/dpserve/internal/services/connector"
	"github.com/dpserve/dpserve/internal/services/dummy"
	"github.com/dpserve/dpserve/internal/services/monitoring"
	"github.com/dpserve/dpserve/internal/services/queriers"
)

// Per-query ceilings. A single query may never ask for more than this,
// regardless of how much budget the user still holds.
const (
	EpsilonLimit = 5.0
	DeltaLimit   = 0.0004
)

// maxDebitRetries bounds the CAS loop under write contention.
const maxDebitRetries = 5

type Engine struct {
	db       admindb.AdminDatabase
	registry *queriers.Registry
	broker   broker.Broker
	logger   *zap.Logger

	queryTimeout time.Duration
	submitLimit  int64
	inflight     atomic.Int64
}

func New(db admindb.AdminDatabase, registry *queriers.Registry, b broker.Broker, queryTimeout time.Duration, submitLimit int, logger *zap.Logger) *Engine {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Minute
	}
	return &Engine{
		db:           db,
		registry:     registry,
		broker:       b,
		logger:       logger,
		queryTimeout: queryTimeout,
		submitLimit:  int64(submitLimit),
	}
}

// gateUser resolves the user and checks that they exist and may query.
func (e *Engine) gateUser(ctx context.Context, user string) (*models.User, error) {
	u, err := e.db.GetUser(ctx, user)
	if err != nil {
		if err == admindb.ErrUserNotFound {
			return nil, errs.Unauthorized("user %s does not exist", user)
		}
		return nil, errs.Internal(err)
	}
	if !u.MayQuery {
		return nil, errs.Unauthorized("user %s is not authorized to query", user)
	}
	return u, nil
}

// gate checks the access preconditions shared by every per-dataset
// operation: the user gate plus a grant for the dataset. It returns the
// grant so callers can read the ledger state.
func (e *Engine) gate(ctx context.Context, user, dataset string) (*models.BudgetEntry, error) {
	u, err := e.gateUser(ctx, user)
	if err != nil {
		return nil, err
	}
	entry := u.Budget(dataset)
	if entry == nil {
		return nil, errs.Unauthorized("user %s has no access to dataset %s", user, dataset)
	}
	return entry, nil
}

// validated runs the gate, resolves the backend and the dataset metadata,
// and validates the payload against both.
func (e *Engine) validated(ctx context.Context, user, dataset string, library models.LibraryTag, payload []byte) (queriers.Querier, *models.Metadata, error) {
	if _, err := e.gate(ctx, user, dataset); err != nil {
		return nil, nil, err
	}

	querier, err := e.registry.Get(library)
	if err != nil {
		return nil, nil, err
	}

	meta, err := e.db.GetMetadata(ctx, dataset)
	if err != nil {
		if err == admindb.ErrDatasetNotFound {
			return nil, nil, errs.InvalidQuery("dataset %s does not exist", dataset)
		}
		return nil, nil, errs.Internal(err)
	}

	if err := querier.Validate(meta, payload); err != nil {
		return nil, nil, err
	}
	return querier, meta, nil
}

// EstimateCost measures the (epsilon, delta) a payload would cost without
// debiting anything. Estimation never touches private rows.
func (e *Engine) EstimateCost(ctx context.Context, user, dataset string, library models.LibraryTag, payload []byte) (models.Cost, error) {
	querier, meta, err := e.validated(ctx, user, dataset, library, payload)
	if err != nil {
		return models.Cost{}, err
	}
	return querier.EstimateCost(meta, payload)
}

// ExecuteQuery runs the full admission protocol for a production query and
// blocks until the terminal disposition.
func (e *Engine) ExecuteQuery(ctx context.Context, user, dataset string, library models.LibraryTag, payload []byte) (*models.QueryResult, error) {
	started := time.Now()

	result, err := e.executeQuery(ctx, user, dataset, library, payload)
	if err != nil {
		monitoring.RejectedTotal.WithLabelValues(string(library), string(errs.KindOf(err))).Inc()
		return nil, err
	}

	monitoring.QueryDuration.WithLabelValues(string(library)).Observe(time.Since(started).Seconds())
	return result, nil
}

func (e *Engine) executeQuery(ctx context.Context, user, dataset string, library models.LibraryTag, payload []byte) (*models.QueryResult, error) {
	querier, meta, err := e.validated(ctx, user, dataset, library, payload)
	if err != nil {
		return nil, err
	}

	measured, err := querier.EstimateCost(meta, payload)
	if err != nil {
		return nil, err
	}
	if measured.Epsilon > EpsilonLimit {
		return nil, errs.InvalidQuery(
			"query epsilon %g exceeds the per-query limit of %g", measured.Epsilon, EpsilonLimit)
	}
	if measured.Delta > DeltaLimit {
		return nil, errs.InvalidQuery(
			"query delta %g exceeds the per-query limit of %g", measured.Delta, DeltaLimit)
	}

	// Back-pressure precedes the debit so a refused query costs nothing.
	// Reserve the slot before checking the cap: a load-then-add pair would
	// let racing admissions slip past the limit together.
	if inflight := e.inflight.Add(1); e.submitLimit > 0 && inflight > e.submitLimit {
		e.inflight.Add(-1)
		return nil, errs.Unavailable("too many queries in flight, retry later")
	}
	monitoring.InflightQueries.Inc()
	defer func() {
		e.inflight.Add(-1)
		monitoring.InflightQueries.Dec()
	}()

	if err := e.broker.CheckCapacity(ctx, library); err != nil {
		return nil, err
	}

	if err := e.debit(ctx, user, dataset, measured); err != nil {
		return nil, err
	}
	monitoring.EpsilonSpent.WithLabelValues(dataset).Add(measured.Epsilon)
	monitoring.DeltaSpent.WithLabelValues(dataset).Add(measured.Delta)

	job := &models.QueryJob{
		JobID:        uuid.New(),
		User:         user,
		Dataset:      dataset,
		Library:      library,
		Payload:      payload,
		MeasuredCost: measured,
		SubmitTS:     time.Now().UTC(),
	}

	replies, err := e.broker.Publish(ctx, job)
	if err != nil {
		// Nothing ran yet; the debit is safe to undo.
		e.compensate(ctx, job, measured)
		if errs.KindOf(err) == errs.KindUnavailable {
			return nil, err
		}
		return nil, errs.Internal(err)
	}

	return e.await(ctx, job, replies, measured)
}

// await blocks for the reply and settles the terminal disposition.
func (e *Engine) await(ctx context.Context, job *models.QueryJob, replies <-chan broker.Reply, measured models.Cost) (*models.QueryResult, error) {
	timer := time.NewTimer(e.queryTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			// The reply watcher died; the query may have run, so the
			// debit stands.
			e.archive(ctx, job, models.ArchiveInternalFail)
			return nil, errs.Internalf("query %s lost its reply channel", job.JobID)
		}
		return e.settle(ctx, job, reply, measured)

	case <-timer.C:
		// The query may still be running; over-debiting is the safe side.
		e.archive(ctx, job, models.ArchiveInternalFail)
		e.logger.Error("Query timed out, debit stands",
			zap.String("job_id", job.JobID.String()),
			zap.String("user", job.User))
		return nil, errs.Internalf("query %s timed out", job.JobID)

	case <-ctx.Done():
		e.archive(ctx, job, models.ArchiveInternalFail)
		return nil, errs.Internal(ctx.Err())
	}
}

func (e *Engine) settle(ctx context.Context, job *models.QueryJob, reply broker.Reply, measured models.Cost) (*models.QueryResult, error) {
	switch reply.Status {
	case models.ArchiveOK:
		monitoring.QueriesTotal.WithLabelValues(string(job.Library), string(models.ArchiveOK)).Inc()
		e.archive(ctx, job, models.ArchiveOK)
		return &models.QueryResult{
			RequestedBy: job.User,
			Cost:        measured,
			Result:      reply.Result,
		}, nil

	case models.ArchiveLibFail:
		// A confirmed deterministic rejection: no private rows were
		// released, so the debit is returned.
		status := models.ArchiveLibFail
		if e.compensate(ctx, job, measured) {
			status = models.ArchiveCompensated
		}
		monitoring.QueriesTotal.WithLabelValues(string(job.Library), string(status)).Inc()
		e.archive(ctx, job, status)
		return nil, errs.ExternalLib(string(job.Library), "%s", reply.ErrMsg)

	default:
		monitoring.QueriesTotal.WithLabelValues(string(job.Library), string(models.ArchiveInternalFail)).Inc()
		e.archive(ctx, job, models.ArchiveInternalFail)
		return nil, errs.Internalf("query %s failed: %s", job.JobID, reply.ErrMsg)
	}
}

// debit applies the measured cost through the CAS loop. The remaining-budget
// check and the swap read the same ledger version, so two racing debits can
// never both fit into the last slice of budget.
func (e *Engine) debit(ctx context.Context, user, dataset string, measured models.Cost) error {
	for attempt := 0; attempt < maxDebitRetries; attempt++ {
		entry, err := e.db.GetBudget(ctx, user, dataset)
		if err != nil {
			return errs.Internal(err)
		}
		if measured.Exceeds(entry.Remaining()) {
			return errs.InvalidQuery(
				"not enough budget to run query: remaining epsilon %g, delta %g",
				entry.Remaining().Epsilon, entry.Remaining().Delta)
		}

		err = e.db.UpdateSpent(ctx, user, dataset, measured, entry.Version)
		if err == nil {
			return nil
		}
		if err != admindb.ErrVersionConflict {
			return errs.Internal(err)
		}
		monitoring.CASRetries.Inc()
	}
	return errs.Unavailable("budget for %s/%s is under heavy contention, retry later", user, dataset)
}

// compensate returns a debit after a confirmed non-release. Reports whether
// the ledger was actually restored; a failed compensation leaves the debit
// standing and is logged for the operator.
func (e *Engine) compensate(ctx context.Context, job *models.QueryJob, measured models.Cost) bool {
	// Settlement writes must land even when the caller has hung up; a
	// cancelled request context would fail them against a context-aware
	// store and strand the debit.
	ctx = context.WithoutCancel(ctx)

	negated := models.Cost{}.Sub(measured)
	for attempt := 0; attempt < maxDebitRetries; attempt++ {
		entry, err := e.db.GetBudget(ctx, job.User, job.Dataset)
		if err != nil {
			break
		}
		err = e.db.UpdateSpent(ctx, job.User, job.Dataset, negated, entry.Version)
		if err == nil {
			monitoring.EpsilonSpent.WithLabelValues(job.Dataset).Add(-measured.Epsilon)
			monitoring.DeltaSpent.WithLabelValues(job.Dataset).Add(-measured.Delta)
			return true
		}
		if err != admindb.ErrVersionConflict {
			break
		}
	}
	e.logger.Error("Compensation failed, debit stands",
		zap.String("job_id", job.JobID.String()),
		zap.String("user", job.User),
		zap.String("dataset", job.Dataset),
		zap.Float64("epsilon", measured.Epsilon),
		zap.Float64("delta", measured.Delta))
	return false
}

func (e *Engine) archive(ctx context.Context, job *models.QueryJob, status models.ArchiveStatus) {
	// Every accepted job gets its row, including jobs whose caller
	// cancelled while awaiting the reply.
	ctx = context.WithoutCancel(ctx)

	record := &models.Archive{
		JobID:        job.JobID.String(),
		User:         job.User,
		Dataset:      job.Dataset,
		Library:      job.Library,
		PayloadHash:  models.HashPayload(job.Payload),
		MeasuredCost: job.MeasuredCost,
		Status:       status,
		SubmittedAt:  job.SubmitTS,
		CompletedAt:  time.Now().UTC(),
	}
	if err := e.db.SaveArchive(ctx, record); err != nil {
		e.logger.Error("Failed to archive query",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
	}
}

// ExecuteDummyQuery evaluates a payload against a generated stand-in
// dataset. Access gates still apply, but no budget moves and nothing is
// archived. The job rides the same broker as production queries, so the
// worker pool is the only place payloads execute.
func (e *Engine) ExecuteDummyQuery(ctx context.Context, user, dataset string, library models.LibraryTag, payload []byte, nbRows int, seed int64) (*models.QueryResult, error) {
	if _, _, err := e.validated(ctx, user, dataset, library, payload); err != nil {
		return nil, err
	}
	if err := e.broker.CheckCapacity(ctx, library); err != nil {
		return nil, err
	}

	job := &models.QueryJob{
		JobID:     uuid.New(),
		User:      user,
		Dataset:   dataset,
		Library:   library,
		Payload:   payload,
		Dummy:     true,
		DummyRows: nbRows,
		DummySeed: seed,
		SubmitTS:  time.Now().UTC(),
	}

	replies, err := e.broker.Publish(ctx, job)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnavailable {
			return nil, err
		}
		return nil, errs.Internal(err)
	}

	timer := time.NewTimer(e.queryTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, errs.Internalf("dummy query %s lost its reply channel", job.JobID)
		}
		switch reply.Status {
		case models.ArchiveOK:
			monitoring.DummyQueriesTotal.WithLabelValues(string(library)).Inc()
			return &models.QueryResult{
				RequestedBy: user,
				Cost:        models.Cost{},
				Result:      reply.Result,
			}, nil
		case models.ArchiveLibFail:
			return nil, errs.ExternalLib(string(library), "%s", reply.ErrMsg)
		default:
			return nil, errs.Internalf("dummy query %s failed: %s", job.JobID, reply.ErrMsg)
		}

	case <-timer.C:
		return nil, errs.Internalf("dummy query %s timed out", job.JobID)

	case <-ctx.Done():
		return nil, errs.Internal(ctx.Err())
	}
}

// Budget returns the ledger entry for (user, dataset) after the access gate.
func (e *Engine) Budget(ctx context.Context, user, dataset string) (models.BudgetEntry, error) {
	entry, err := e.gate(ctx, user, dataset)
	if err != nil {
		return models.BudgetEntry{}, err
	}
	return *entry, nil
}

// Archives returns the user's archived queries, oldest first. An empty
// dataset means no filter: archives across every dataset the user has
// queried, gated on the user alone.
func (e *Engine) Archives(ctx context.Context, user, dataset string) ([]models.Archive, error) {
	if dataset == "" {
		if _, err := e.gateUser(ctx, user); err != nil {
			return nil, err
		}
	} else if _, err := e.gate(ctx, user, dataset); err != nil {
		return nil, err
	}
	archives, err := e.db.GetArchives(ctx, user, dataset)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return archives, nil
}

// DatasetMetadata returns the schema document for dataset after the gate.
func (e *Engine) DatasetMetadata(ctx context.Context, user, dataset string) (*models.Metadata, error) {
	if _, err := e.gate(ctx, user, dataset); err != nil {
		return nil, err
	}
	meta, err := e.db.GetMetadata(ctx, dataset)
	if err != nil {
		if err == admindb.ErrDatasetNotFound {
			return nil, errs.InvalidQuery("dataset %s does not exist", dataset)
		}
		return nil, errs.Internal(err)
	}
	return meta, nil
}

// DummyDataset generates the stand-in frame for dataset.
func (e *Engine) DummyDataset(ctx context.Context, user, dataset string, nbRows int, seed int64) (*connector.Frame, error) {
	meta, err := e.DatasetMetadata(ctx, user, dataset)
	if err != nil {
		return nil, err
	}
	frame, err := dummy.Generate(meta, nbRows, seed)
	if err != nil {
		return nil, errs.InvalidQuery("%v", err)
	}
	return frame, nil
}
