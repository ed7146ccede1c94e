// Package datastore caches materialized dataset connectors so concurrent
// queries against the same dataset share one view. Loading is
// single-flighted per dataset; eviction is LRU over entries with no
// in-flight holds.
package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

// Loader materializes the connector for one dataset.
type Loader func(ctx context.Context, name string) (connector.Connector, error)

type entry struct {
	conn         connector.Connector
	holds        int
	lastAcquired time.Time
}

type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	group   singleflight.Group
	loader  Loader
	logger  *zap.Logger
}

func New(maxSize int, loader Loader, logger *zap.Logger) *Store {
	if maxSize <= 0 {
		maxSize = 8
	}
	return &Store{
		entries: make(map[string]*entry),
		maxSize: maxSize,
		loader:  loader,
		logger:  logger,
	}
}

// NewFromAdminDB wires a Store whose loader resolves dataset records and
// metadata from the admin database and opens the matching connector kind.
func NewFromAdminDB(db admindb.AdminDatabase, secrets *config.Secrets, maxSize int, logger *zap.Logger) *Store {
	loader := func(ctx context.Context, name string) (connector.Connector, error) {
		dataset, err := db.GetDataset(ctx, name)
		if err != nil {
			return nil, err
		}
		meta, err := db.GetMetadata(ctx, name)
		if err != nil {
			return nil, err
		}
		switch dataset.AccessKind {
		case models.AccessPath:
			return connector.NewPathConnector(dataset, meta), nil
		case models.AccessS3:
			return connector.NewS3Connector(ctx, dataset, meta, secrets)
		default:
			return nil, fmt.Errorf("dataset %s has unsupported access kind %q", name, dataset.AccessKind)
		}
	}
	return New(maxSize, loader, logger)
}

// Acquire returns a shared connector handle and a release func the caller
// must invoke when done. A cold key runs the loader exactly once no matter
// how many goroutines arrive; load failures are not cached.
func (s *Store) Acquire(ctx context.Context, name string) (connector.Connector, func(), error) {
	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.holds++
		e.lastAcquired = time.Now()
		s.mu.Unlock()
		return e.conn, s.releaseFunc(name), nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(name, func() (any, error) {
		conn, err := s.loader(ctx, name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.entries) >= s.maxSize {
			s.evictLocked()
		}
		s.entries[name] = &entry{conn: conn, lastAcquired: time.Now()}
		return conn, nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		// Invalidated between load and acquire; hand out the loaded
		// connector without caching it.
		return v.(connector.Connector), func() {}, nil
	}
	e.holds++
	e.lastAcquired = time.Now()
	return e.conn, s.releaseFunc(name), nil
}

func (s *Store) releaseFunc(name string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if e, ok := s.entries[name]; ok && e.holds > 0 {
				e.holds--
			}
		})
	}
}

// evictLocked drops the least-recently acquired entry with zero holds.
// When every entry is held the cache temporarily overflows.
func (s *Store) evictLocked() {
	var victim string
	var oldest time.Time
	for name, e := range s.entries {
		if e.holds > 0 {
			continue
		}
		if victim == "" || e.lastAcquired.Before(oldest) {
			victim = name
			oldest = e.lastAcquired
		}
	}
	if victim == "" {
		s.logger.Warn("dataset store over capacity with all connectors held",
			zap.Int("size", len(s.entries)))
		return
	}
	delete(s.entries, victim)
	s.logger.Debug("evicted dataset connector", zap.String("dataset", victim))
}

// Invalidate drops the cached connector; the next Acquire rebuilds it.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Len reports the number of cached connectors.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
