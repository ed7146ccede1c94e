package admindb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dpserve/dpserve/internal/models"
)

// yamlDocument is the on-disk shape of the YAML admin store. It mirrors
// the logical collection layout of the MongoDB store.
type yamlDocument struct {
	Users    []models.User     `yaml:"users"`
	Datasets []models.Dataset  `yaml:"datasets"`
	Metadata []models.Metadata `yaml:"metadata"`
	Archives []models.Archive  `yaml:"queries_archives"`
}

// YamlDB is a file-backed admin store. All state lives in memory under one
// mutex; mutations are flushed back to the file when one was given. Meant
// for development, demos and tests rather than multi-process deployments.
type YamlDB struct {
	mu   sync.Mutex
	path string
	doc  yamlDocument
}

func NewYamlDB(path string) (*YamlDB, error) {
	db := &YamlDB{path: path}
	if path == "" {
		return db, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("reading yaml admin db: %w", err)
	}
	if err := yaml.Unmarshal(data, &db.doc); err != nil {
		return nil, fmt.Errorf("decoding yaml admin db: %w", err)
	}
	return db, nil
}

// flush writes the document back to disk. Callers hold the mutex.
func (db *YamlDB) flush() error {
	if db.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&db.doc)
	if err != nil {
		return err
	}
	return os.WriteFile(db.path, data, 0o600)
}

func (db *YamlDB) findUser(name string) *models.User {
	for i := range db.doc.Users {
		if db.doc.Users[i].Name == name {
			return &db.doc.Users[i]
		}
	}
	return nil
}

func (db *YamlDB) findDataset(name string) *models.Dataset {
	for i := range db.doc.Datasets {
		if db.doc.Datasets[i].DatasetName == name {
			return &db.doc.Datasets[i]
		}
	}
	return nil
}

func (db *YamlDB) GetUser(_ context.Context, name string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	user := db.findUser(name)
	if user == nil {
		return nil, ErrUserNotFound
	}
	copied := *user
	copied.Datasets = append([]models.BudgetEntry(nil), user.Datasets...)
	return &copied, nil
}

func (db *YamlDB) GetBudget(_ context.Context, user, dataset string) (models.BudgetEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := db.findUser(user)
	if u == nil {
		return models.BudgetEntry{}, ErrUserNotFound
	}
	entry := u.Budget(dataset)
	if entry == nil {
		return models.BudgetEntry{}, ErrNoAccess
	}
	return *entry, nil
}

func (db *YamlDB) UpdateSpent(_ context.Context, user, dataset string, delta models.Cost, version int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := db.findUser(user)
	if u == nil {
		return ErrUserNotFound
	}
	entry := u.Budget(dataset)
	if entry == nil {
		return ErrNoAccess
	}
	if entry.Version != version {
		return ErrVersionConflict
	}

	entry.SpentEpsilon += delta.Epsilon
	entry.SpentDelta += delta.Delta
	entry.Version++
	return db.flush()
}

func (db *YamlDB) GetDataset(_ context.Context, name string) (*models.Dataset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ds := db.findDataset(name)
	if ds == nil {
		return nil, ErrDatasetNotFound
	}
	copied := *ds
	return &copied, nil
}

func (db *YamlDB) GetMetadata(_ context.Context, name string) (*models.Metadata, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.doc.Metadata {
		if db.doc.Metadata[i].DatasetName == name {
			copied := db.doc.Metadata[i]
			copied.Columns = append([]models.ColumnSpec(nil), db.doc.Metadata[i].Columns...)
			return &copied, nil
		}
	}
	return nil, ErrDatasetNotFound
}

func (db *YamlDB) SaveArchive(_ context.Context, archive *models.Archive) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.doc.Archives = append(db.doc.Archives, *archive)
	return db.flush()
}

func (db *YamlDB) GetArchives(_ context.Context, user, dataset string) ([]models.Archive, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []models.Archive
	for _, a := range db.doc.Archives {
		if a.User != user {
			continue
		}
		if dataset != "" && a.Dataset != dataset {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (db *YamlDB) CreateUser(_ context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.findUser(name) != nil {
		return ErrAlreadyExists
	}
	db.doc.Users = append(db.doc.Users, models.User{Name: name, MayQuery: true})
	return db.flush()
}

func (db *YamlDB) DeleteUser(_ context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.doc.Users {
		if db.doc.Users[i].Name == name {
			db.doc.Users = append(db.doc.Users[:i], db.doc.Users[i+1:]...)
			return db.flush()
		}
	}
	return ErrUserNotFound
}

func (db *YamlDB) SetMayQuery(_ context.Context, name string, may bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := db.findUser(name)
	if u == nil {
		return ErrUserNotFound
	}
	u.MayQuery = may
	return db.flush()
}

func (db *YamlDB) GrantAccess(_ context.Context, user, dataset string, initial models.Cost) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := db.findUser(user)
	if u == nil {
		return ErrUserNotFound
	}
	if db.findDataset(dataset) == nil {
		return ErrDatasetNotFound
	}
	if entry := u.Budget(dataset); entry != nil {
		entry.InitialEpsilon = initial.Epsilon
		entry.InitialDelta = initial.Delta
		return db.flush()
	}
	u.Datasets = append(u.Datasets, models.BudgetEntry{
		DatasetName:    dataset,
		InitialEpsilon: initial.Epsilon,
		InitialDelta:   initial.Delta,
	})
	return db.flush()
}

func (db *YamlDB) RevokeAccess(_ context.Context, user, dataset string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := db.findUser(user)
	if u == nil {
		return ErrUserNotFound
	}
	for i := range u.Datasets {
		if u.Datasets[i].DatasetName == dataset {
			u.Datasets = append(u.Datasets[:i], u.Datasets[i+1:]...)
			return db.flush()
		}
	}
	return ErrNoAccess
}

func (db *YamlDB) ListUsers(_ context.Context) ([]models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return append([]models.User(nil), db.doc.Users...), nil
}

func (db *YamlDB) CreateDataset(_ context.Context, dataset *models.Dataset, metadata *models.Metadata) error {
	if err := dataset.Validate(); err != nil {
		return err
	}
	if err := metadata.Validate(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.findDataset(dataset.DatasetName) != nil {
		return ErrAlreadyExists
	}
	metadata.DatasetName = dataset.DatasetName
	db.doc.Datasets = append(db.doc.Datasets, *dataset)
	db.doc.Metadata = append(db.doc.Metadata, *metadata)
	return db.flush()
}

func (db *YamlDB) DeleteDataset(_ context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	found := false
	for i := range db.doc.Datasets {
		if db.doc.Datasets[i].DatasetName == name {
			db.doc.Datasets = append(db.doc.Datasets[:i], db.doc.Datasets[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return ErrDatasetNotFound
	}
	for i := range db.doc.Metadata {
		if db.doc.Metadata[i].DatasetName == name {
			db.doc.Metadata = append(db.doc.Metadata[:i], db.doc.Metadata[i+1:]...)
			break
		}
	}
	return db.flush()
}

func (db *YamlDB) ListDatasets(_ context.Context) ([]models.Dataset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return append([]models.Dataset(nil), db.doc.Datasets...), nil
}

func (db *YamlDB) DropCollection(_ context.Context, collection string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch collection {
	case "users":
		db.doc.Users = nil
	case "datasets":
		db.doc.Datasets = nil
	case "metadata":
		db.doc.Metadata = nil
	case "queries_archives":
		db.doc.Archives = nil
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
	return db.flush()
}

func (db *YamlDB) Close(_ context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flush()
}
