package connector

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/dpserve/dpserve/internal/models"
)

// PathConnector reads a CSV file from the local filesystem.
type PathConnector struct {
	name string
	path string
	meta *models.Metadata
}

func NewPathConnector(dataset *models.Dataset, meta *models.Metadata) *PathConnector {
	return &PathConnector{name: dataset.DatasetName, path: dataset.Path, meta: meta}
}

func (c *PathConnector) Name() string { return c.name }

func (c *PathConnector) Metadata() *models.Metadata { return c.meta }

func (c *PathConnector) Tabular(_ context.Context) (*Frame, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", c.name, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", c.name, err)
	}
	return frameFromCSV(records, c.meta)
}
