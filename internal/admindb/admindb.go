// Package admindb is the administration store: users with per-dataset
// privacy budgets, the dataset catalog with its metadata, and the
// append-only query archive. Budget updates go through compare-and-swap
// on a per-entry version so concurrent debits linearize.
package admindb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/models"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrNoAccess        = errors.New("user has no access to dataset")
	ErrVersionConflict = errors.New("budget version conflict")
	ErrAlreadyExists   = errors.New("record already exists")
)

type AdminDatabase interface {
	// Query-path reads.
	GetUser(ctx context.Context, name string) (*models.User, error)
	GetBudget(ctx context.Context, user, dataset string) (models.BudgetEntry, error)
	GetDataset(ctx context.Context, name string) (*models.Dataset, error)
	GetMetadata(ctx context.Context, name string) (*models.Metadata, error)
	GetArchives(ctx context.Context, user, dataset string) ([]models.Archive, error)

	// UpdateSpent adds delta to the spent budget of (user, dataset) iff
	// the stored entry still carries version. Compensation passes a
	// negative delta. Returns ErrVersionConflict when the entry moved.
	UpdateSpent(ctx context.Context, user, dataset string, delta models.Cost, version int64) error

	// SaveArchive appends one archive row. Archive rows are never updated.
	SaveArchive(ctx context.Context, archive *models.Archive) error

	// Administration surface.
	CreateUser(ctx context.Context, name string) error
	DeleteUser(ctx context.Context, name string) error
	SetMayQuery(ctx context.Context, name string, may bool) error
	GrantAccess(ctx context.Context, user, dataset string, initial models.Cost) error
	RevokeAccess(ctx context.Context, user, dataset string) error
	ListUsers(ctx context.Context) ([]models.User, error)
	CreateDataset(ctx context.Context, dataset *models.Dataset, metadata *models.Metadata) error
	DeleteDataset(ctx context.Context, name string) error
	ListDatasets(ctx context.Context) ([]models.Dataset, error)
	DropCollection(ctx context.Context, collection string) error

	Close(ctx context.Context) error
}

// New builds the store selected by admin_database.db_type.
func New(ctx context.Context, cfg config.AdminDBConfig, secrets *config.Secrets) (AdminDatabase, error) {
	switch cfg.DBType {
	case "mongodb":
		password := cfg.Password
		if password == "" && secrets != nil {
			password = secrets.AdminDBPassword
		}
		return NewMongoDB(ctx, cfg, password)
	case "yaml":
		return NewYamlDB(cfg.DBFile)
	default:
		return nil, fmt.Errorf("unsupported admin database type %q", cfg.DBType)
	}
}
