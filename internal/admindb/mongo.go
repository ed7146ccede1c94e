package admindb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/models"
)

const (
	collUsers    = "users"
	collDatasets = "datasets"
	collMetadata = "metadata"
	collArchives = "queries_archives"
)

// MongoDB is the production admin store. Budget entries live embedded in
// the user document; the CAS debit is a single UpdateOne filtered on the
// entry's current version, which MongoDB applies atomically per document.
type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoDB(ctx context.Context, cfg config.AdminDBConfig, password string) (*MongoDB, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Address, cfg.Port)
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   password,
			AuthSource: cfg.DBName,
		})
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return &MongoDB{client: client, db: client.Database(cfg.DBName)}, nil
}

func (m *MongoDB) GetUser(ctx context.Context, name string) (*models.User, error) {
	var user models.User
	err := m.db.Collection(collUsers).FindOne(ctx, bson.M{"user_name": name}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", name, err)
	}
	return &user, nil
}

func (m *MongoDB) GetBudget(ctx context.Context, user, dataset string) (models.BudgetEntry, error) {
	u, err := m.GetUser(ctx, user)
	if err != nil {
		return models.BudgetEntry{}, err
	}
	entry := u.Budget(dataset)
	if entry == nil {
		return models.BudgetEntry{}, ErrNoAccess
	}
	return *entry, nil
}

func (m *MongoDB) UpdateSpent(ctx context.Context, user, dataset string, delta models.Cost, version int64) error {
	filter := bson.M{
		"user_name": user,
		"datasets_list": bson.M{"$elemMatch": bson.M{
			"dataset_name": dataset,
			"version":      version,
		}},
	}
	update := bson.M{"$inc": bson.M{
		"datasets_list.$.total_spent_epsilon": delta.Epsilon,
		"datasets_list.$.total_spent_delta":   delta.Delta,
		"datasets_list.$.version":             1,
	}}

	res, err := m.db.Collection(collUsers).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("updating spent budget for %s on %s: %w", user, dataset, err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// The versioned filter missed; find out whether the entry moved or
	// never existed.
	if _, err := m.GetBudget(ctx, user, dataset); err != nil {
		return err
	}
	return ErrVersionConflict
}

func (m *MongoDB) GetDataset(ctx context.Context, name string) (*models.Dataset, error) {
	var dataset models.Dataset
	err := m.db.Collection(collDatasets).FindOne(ctx, bson.M{"dataset_name": name}).Decode(&dataset)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching dataset %s: %w", name, err)
	}
	return &dataset, nil
}

func (m *MongoDB) GetMetadata(ctx context.Context, name string) (*models.Metadata, error) {
	var metadata models.Metadata
	err := m.db.Collection(collMetadata).FindOne(ctx, bson.M{"dataset_name": name}).Decode(&metadata)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for %s: %w", name, err)
	}
	return &metadata, nil
}

func (m *MongoDB) SaveArchive(ctx context.Context, archive *models.Archive) error {
	if _, err := m.db.Collection(collArchives).InsertOne(ctx, archive); err != nil {
		return fmt.Errorf("saving archive %s: %w", archive.JobID, err)
	}
	return nil
}

func (m *MongoDB) GetArchives(ctx context.Context, user, dataset string) ([]models.Archive, error) {
	filter := bson.M{"user_name": user}
	if dataset != "" {
		filter["dataset_name"] = dataset
	}
	opts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}})

	cursor, err := m.db.Collection(collArchives).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetching archives for %s: %w", user, err)
	}
	defer cursor.Close(ctx)

	var archives []models.Archive
	if err := cursor.All(ctx, &archives); err != nil {
		return nil, fmt.Errorf("decoding archives for %s: %w", user, err)
	}
	return archives, nil
}

func (m *MongoDB) CreateUser(ctx context.Context, name string) error {
	count, err := m.db.Collection(collUsers).CountDocuments(ctx, bson.M{"user_name": name})
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	user := models.User{Name: name, MayQuery: true, Datasets: []models.BudgetEntry{}}
	_, err = m.db.Collection(collUsers).InsertOne(ctx, user)
	return err
}

func (m *MongoDB) DeleteUser(ctx context.Context, name string) error {
	res, err := m.db.Collection(collUsers).DeleteOne(ctx, bson.M{"user_name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *MongoDB) SetMayQuery(ctx context.Context, name string, may bool) error {
	res, err := m.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_name": name},
		bson.M{"$set": bson.M{"may_query": may}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *MongoDB) GrantAccess(ctx context.Context, user, dataset string, initial models.Cost) error {
	if _, err := m.GetDataset(ctx, dataset); err != nil {
		return err
	}

	// Update in place when the grant already exists, otherwise push a
	// fresh entry.
	res, err := m.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_name": user, "datasets_list.dataset_name": dataset},
		bson.M{"$set": bson.M{
			"datasets_list.$.initial_epsilon": initial.Epsilon,
			"datasets_list.$.initial_delta":   initial.Delta,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	entry := models.BudgetEntry{
		DatasetName:    dataset,
		InitialEpsilon: initial.Epsilon,
		InitialDelta:   initial.Delta,
	}
	res, err = m.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_name": user},
		bson.M{"$push": bson.M{"datasets_list": entry}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *MongoDB) RevokeAccess(ctx context.Context, user, dataset string) error {
	res, err := m.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_name": user},
		bson.M{"$pull": bson.M{"datasets_list": bson.M{"dataset_name": dataset}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	if res.ModifiedCount == 0 {
		return ErrNoAccess
	}
	return nil
}

func (m *MongoDB) ListUsers(ctx context.Context) ([]models.User, error) {
	cursor, err := m.db.Collection(collUsers).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (m *MongoDB) CreateDataset(ctx context.Context, dataset *models.Dataset, metadata *models.Metadata) error {
	if err := dataset.Validate(); err != nil {
		return err
	}
	if err := metadata.Validate(); err != nil {
		return err
	}

	count, err := m.db.Collection(collDatasets).CountDocuments(ctx, bson.M{"dataset_name": dataset.DatasetName})
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyExists
	}

	if _, err := m.db.Collection(collDatasets).InsertOne(ctx, dataset); err != nil {
		return err
	}
	metadata.DatasetName = dataset.DatasetName
	if _, err := m.db.Collection(collMetadata).InsertOne(ctx, metadata); err != nil {
		return err
	}
	return nil
}

func (m *MongoDB) DeleteDataset(ctx context.Context, name string) error {
	res, err := m.db.Collection(collDatasets).DeleteOne(ctx, bson.M{"dataset_name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrDatasetNotFound
	}
	_, err = m.db.Collection(collMetadata).DeleteOne(ctx, bson.M{"dataset_name": name})
	return err
}

func (m *MongoDB) ListDatasets(ctx context.Context) ([]models.Dataset, error) {
	cursor, err := m.db.Collection(collDatasets).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var datasets []models.Dataset
	if err := cursor.All(ctx, &datasets); err != nil {
		return nil, err
	}
	return datasets, nil
}

func (m *MongoDB) DropCollection(ctx context.Context, collection string) error {
	switch collection {
	case collUsers, collDatasets, collMetadata, collArchives:
		return m.db.Collection(collection).Drop(ctx)
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
