// Package database seeds the develop-mode fixtures: one public penguin
// dataset and one researcher with a small budget, enough to exercise the
// whole query surface locally without any administration step.
package database

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/models"
)

const (
	DevelopDataset = "PENGUIN"
	DevelopUser    = "Dr. Antartica"

	developEpsilon = 10.0
	developDelta   = 0.005

	defaultPenguinPath = "data/penguin.csv"
)

type Seeder struct {
	db     admindb.AdminDatabase
	logger *zap.Logger
}

func NewSeeder(db admindb.AdminDatabase, logger *zap.Logger) *Seeder {
	return &Seeder{db: db, logger: logger}
}

// SeedDevelop installs the fixtures, skipping anything already present so
// restarts are idempotent.
func (s *Seeder) SeedDevelop(ctx context.Context) error {
	if err := s.seedDataset(ctx); err != nil {
		return fmt.Errorf("seed dataset: %w", err)
	}
	if err := s.seedUser(ctx); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	s.logger.Info("Develop fixtures seeded",
		zap.String("dataset", DevelopDataset),
		zap.String("user", DevelopUser))
	return nil
}

func (s *Seeder) seedDataset(ctx context.Context) error {
	if _, err := s.db.GetDataset(ctx, DevelopDataset); err == nil {
		return nil
	}

	path := os.Getenv("DPSERVE_PENGUIN_PATH")
	if path == "" {
		path = defaultPenguinPath
	}

	dataset := &models.Dataset{
		DatasetName: DevelopDataset,
		AccessKind:  models.AccessPath,
		Path:        path,
	}

	bounds := func(lo, hi float64) (*float64, *float64) { return &lo, &hi }
	billLenLo, billLenHi := bounds(30, 65)
	billDepLo, billDepHi := bounds(13, 23)
	flipperLo, flipperHi := bounds(150, 250)
	massLo, massHi := bounds(2000, 7000)

	meta := &models.Metadata{
		DatasetName: DevelopDataset,
		MaxIDs:      1,
		Rows:        344,
		Columns: []models.ColumnSpec{
			{Name: "species", Type: models.ColumnString, Cardinality: 3,
				Categories: []string{"Adelie", "Chinstrap", "Gentoo"}},
			{Name: "island", Type: models.ColumnString, Cardinality: 3,
				Categories: []string{"Torgersen", "Biscoe", "Dream"}},
			{Name: "bill_length_mm", Type: models.ColumnFloat, Lower: billLenLo, Upper: billLenHi},
			{Name: "bill_depth_mm", Type: models.ColumnFloat, Lower: billDepLo, Upper: billDepHi},
			{Name: "flipper_length_mm", Type: models.ColumnFloat, Lower: flipperLo, Upper: flipperHi},
			{Name: "body_mass_g", Type: models.ColumnFloat, Lower: massLo, Upper: massHi},
			{Name: "sex", Type: models.ColumnString, Cardinality: 2,
				Categories: []string{"MALE", "FEMALE"}},
		},
	}
	if err := meta.Validate(); err != nil {
		return err
	}

	return s.db.CreateDataset(ctx, dataset, meta)
}

func (s *Seeder) seedUser(ctx context.Context) error {
	if _, err := s.db.GetUser(ctx, DevelopUser); err == nil {
		return nil
	}

	if err := s.db.CreateUser(ctx, DevelopUser); err != nil && err != admindb.ErrAlreadyExists {
		return err
	}
	return s.db.GrantAccess(ctx, DevelopUser, DevelopDataset,
		models.Cost{Epsilon: developEpsilon, Delta: developDelta})
}
