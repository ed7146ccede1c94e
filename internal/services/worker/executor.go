// Package worker executes accepted query jobs pulled from the broker. The
// worker never touches budgets: admission debits before enqueue, and the
// engine settles the disposition from the reply.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
	"github.com/dpserve/dpserve/internal/services/datastore"
	"github.com/dpserve/dpserve/internal/services/dummy"
	"github.com/dpserve/dpserve/internal/services/queriers"
)

// Executor resolves a job to its backend and dataset view and runs it.
type Executor struct {
	registry *queriers.Registry
	store    *datastore.Store
	db       admindb.AdminDatabase
	timeout  time.Duration
}

func NewExecutor(registry *queriers.Registry, store *datastore.Store, db admindb.AdminDatabase, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Executor{registry: registry, store: store, db: db, timeout: timeout}
}

// Execute runs one job to completion. Dummy jobs evaluate against a
// generated frame; production jobs acquire the shared dataset connector.
func (e *Executor) Execute(ctx context.Context, job *models.QueryJob) (json.RawMessage, error) {
	querier, err := e.registry.Get(job.Library)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var conn connector.Connector
	if job.Dummy {
		conn, err = e.dummyConnector(ctx, job)
		if err != nil {
			return nil, err
		}
	} else {
		acquired, release, err := e.store.Acquire(ctx, job.Dataset)
		if err != nil {
			return nil, errs.Internal(err)
		}
		defer release()
		conn = acquired
	}

	return querier.Execute(ctx, conn, job.Payload)
}

func (e *Executor) dummyConnector(ctx context.Context, job *models.QueryJob) (connector.Connector, error) {
	meta, err := e.db.GetMetadata(ctx, job.Dataset)
	if err != nil {
		return nil, errs.Internal(err)
	}
	frame, err := dummy.Generate(meta, job.DummyRows, job.DummySeed)
	if err != nil {
		return nil, errs.InvalidQuery("%v", err)
	}
	return connector.NewMemoryConnector(job.Dataset, meta, frame), nil
}
