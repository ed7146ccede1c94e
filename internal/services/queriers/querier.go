// Package queriers holds the DP backend registry. Each backend adapts one
// DP library behind the same capability surface: validate a payload,
// estimate its privacy cost, and execute it against a tabular view. The
// admission engine never looks inside a payload beyond dispatching here.
package queriers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

type Querier interface {
	Library() models.LibraryTag

	// Validate checks the payload against the library schema and the
	// dataset metadata. Failures are INVALID_QUERY.
	Validate(meta *models.Metadata, payload json.RawMessage) error

	// EstimateCost computes the measured (epsilon, delta) for the exact
	// payload. Pure: estimation never touches private rows.
	EstimateCost(meta *models.Metadata, payload json.RawMessage) (models.Cost, error)

	// Execute runs the payload against the connector's tabular view and
	// returns the noised result as JSON.
	Execute(ctx context.Context, conn connector.Connector, payload json.RawMessage) (json.RawMessage, error)
}

// Registry is the process-wide library tag to Querier mapping, built once
// at startup.
type Registry struct {
	mu       sync.RWMutex
	queriers map[models.LibraryTag]Querier
}

// NewRegistry registers the four recognized backends with the configured
// library feature flags applied.
func NewRegistry(cfg config.DPLibrariesConfig) *Registry {
	r := &Registry{queriers: make(map[models.LibraryTag]Querier)}
	r.Register(NewSmartnoiseSQLQuerier())
	r.Register(NewOpenDPQuerier(cfg.OpenDP))
	r.Register(NewSmartnoiseSynthQuerier())
	r.Register(NewDiffPrivLibQuerier())
	return r
}

func (r *Registry) Register(q Querier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queriers[q.Library()] = q
}

func (r *Registry) Get(tag models.LibraryTag) (Querier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queriers[tag]
	if !ok {
		return nil, errs.Internalf("query type %s not supported", tag)
	}
	return q, nil
}

// decodePayload unmarshals the library payload, surfacing malformed JSON
// as INVALID_QUERY. Unknown fields are ignored: the request envelope
// travels in the same document as the library payload.
func decodePayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return errs.InvalidQuery("empty query payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return errs.InvalidQuery("malformed query payload: %v", err)
	}
	return nil
}
