package connector

import (
	"context"

	"github.com/dpserve/dpserve/internal/models"
)

// MemoryConnector wraps an already materialized frame. Dummy datasets use
// it so the same Querier code path serves production and dummy queries.
type MemoryConnector struct {
	name  string
	meta  *models.Metadata
	frame *Frame
}

func NewMemoryConnector(name string, meta *models.Metadata, frame *Frame) *MemoryConnector {
	return &MemoryConnector{name: name, meta: meta, frame: frame}
}

func (c *MemoryConnector) Name() string { return c.name }

func (c *MemoryConnector) Metadata() *models.Metadata { return c.meta }

func (c *MemoryConnector) Tabular(_ context.Context) (*Frame, error) {
	return c.frame, nil
}
