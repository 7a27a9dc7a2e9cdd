package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/sqlstmt"
)

// DefaultTableName is the default name for the shedlock table
const DefaultTableName = sqlstmt.DefaultTableName

// Config holds configuration for PostgreSQL lock store
type Config struct {
	// DB is the database connection
	DB *sql.DB
	// TableName is the name of the lock table (defaults to "shedlock")
	TableName string
	// UseDBTime takes lock timestamps from the database clock instead of the node clock
	UseDBTime bool
}

// Store implements shedlock.LockStore on a PostgreSQL table through database/sql.
type Store struct {
	db    *sql.DB
	stmts sqlstmt.Statements
}

// NewStore creates a new PostgreSQL lock store
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}

	stmts, err := sqlstmt.New(config.TableName, config.UseDBTime)
	if err != nil {
		return nil, err
	}

	return &Store{db: config.DB, stmts: stmts}, nil
}

// NewPostgresLockProvider creates a lock provider backed by PostgreSQL
func NewPostgresLockProvider(config Config, opts ...shedlock.ProviderOption) (*shedlock.StorageBasedLockProvider, error) {
	store, err := NewStore(config)
	if err != nil {
		return nil, err
	}
	return shedlock.NewStorageBasedLockProvider(store, opts...)
}

// CreateTable creates the shedlock table if it doesn't exist
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.stmts.CreateTable())
	return err
}

// InsertRecord implements shedlock.LockStore.
func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Insert(name, lockUntil, now, holder)
	return s.execAffected(ctx, "insert", query, args)
}

// UpdateRecord implements shedlock.LockStore.
func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Update(name, lockUntil, now, holder)
	return s.execAffected(ctx, "update", query, args)
}

// ExtendRecord implements shedlock.LockStore.
func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Extend(name, lockUntil, now, holder)
	return s.execAffected(ctx, "extend", query, args)
}

// ReleaseRecord implements shedlock.LockStore. Records are kept so the next
// acquisition goes through the cheaper update path.
func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error {
	query, args := s.stmts.Release(name, unlockTime, now, holder)
	_, err := s.execAffected(ctx, "release", query, args)
	return err
}

// FindRecord implements shedlock.RecordFinder.
func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	query, args := s.stmts.Find(name)

	var record shedlock.LockRecord
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&record.Name, &record.LockUntil, &record.LockedAt, &record.LockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return shedlock.LockRecord{}, false, nil
	}
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("failed to read lock %q: %w", name, err)
	}
	return record, true, nil
}

func (s *Store) execAffected(ctx context.Context, op, query string, args []any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s lock: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
