// Package mongo stores locks as documents keyed by lock name.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/adityajoshi12/shedlock-go/v2"
)

// DefaultCollection is the collection used when Config.Collection is empty.
const DefaultCollection = "shedLock"

// lockDocument is the stored shape of a lock record.
type lockDocument struct {
	Name      string    `bson:"_id"`
	LockUntil time.Time `bson:"lockUntil"`
	LockedAt  time.Time `bson:"lockedAt"`
	LockedBy  string    `bson:"lockedBy"`
}

func (d lockDocument) record() shedlock.LockRecord {
	return shedlock.LockRecord{
		Name:      d.Name,
		LockUntil: d.LockUntil.UTC(),
		LockedAt:  d.LockedAt.UTC(),
		LockedBy:  d.LockedBy,
	}
}

// Config holds configuration for the MongoDB lock store.
type Config struct {
	Database   *mongo.Database
	Collection string
}

// Store implements shedlock.LockStore on a MongoDB collection. The unique _id
// index makes the insert atomic; the filters on lockUntil and lockedBy make the
// updates compare-and-set.
type Store struct {
	coll *mongo.Collection
}

// NewStore creates a MongoDB lock store.
func NewStore(config Config) (*Store, error) {
	if config.Database == nil {
		return nil, errors.New("mongo database cannot be nil")
	}
	name := config.Collection
	if name == "" {
		name = DefaultCollection
	}
	return &Store{coll: config.Database.Collection(name)}, nil
}

func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	_, err := s.coll.InsertOne(ctx, lockDocument{
		Name:      name,
		LockUntil: lockUntil.UTC(),
		LockedAt:  now.UTC(),
		LockedBy:  holder,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert lock %q: %w", name, err)
	}
	return true, nil
}

func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "lockUntil", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "lockUntil", Value: lockUntil.UTC()},
		{Key: "lockedAt", Value: now.UTC()},
		{Key: "lockedBy", Value: holder},
	}}}
	return s.updateOne(ctx, "update", name, filter, update)
}

func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "lockedBy", Value: holder},
		{Key: "lockUntil", Value: bson.D{{Key: "$gt", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "lockUntil", Value: lockUntil.UTC()}}}}
	return s.updateOne(ctx, "extend", name, filter, update)
}

func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, _ time.Time, holder string) error {
	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "lockedBy", Value: holder},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "lockUntil", Value: unlockTime.UTC()}}}}
	_, err := s.updateOne(ctx, "release", name, filter, update)
	return err
}

func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	var doc lockDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return shedlock.LockRecord{}, false, nil
	}
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("find lock %q: %w", name, err)
	}
	return doc.record(), true, nil
}

func (s *Store) updateOne(ctx context.Context, op, name string, filter, update bson.D) (bool, error) {
	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("%s lock %q: %w", op, name, err)
	}
	return result.MatchedCount == 1, nil
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
