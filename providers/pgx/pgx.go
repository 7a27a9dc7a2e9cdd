// Package pgx stores locks in PostgreSQL through a pgx connection pool.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/sqlstmt"
)

// Querier is the subset of *pgxpool.Pool the store needs. *pgx.Conn works too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds configuration for the pgx lock store.
type Config struct {
	DB        Querier
	TableName string
	UseDBTime bool
}

// Store implements shedlock.LockStore with pgx.
type Store struct {
	db    Querier
	stmts sqlstmt.Statements
}

// NewStore creates a store on an existing pool or connection.
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, errors.New("pgx querier is required")
	}
	stmts, err := sqlstmt.New(config.TableName, config.UseDBTime)
	if err != nil {
		return nil, err
	}
	return &Store{db: config.DB, stmts: stmts}, nil
}

// Connect opens a pool for dsn. The caller closes the returned pool.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// CreateTable creates the lock table if it does not exist.
func (s *Store) CreateTable(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.stmts.CreateTable()); err != nil {
		return fmt.Errorf("create lock table: %w", err)
	}
	return nil
}

func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Insert(name, lockUntil, now, holder)
	return s.exec(ctx, "insert", query, args)
}

func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Update(name, lockUntil, now, holder)
	return s.exec(ctx, "update", query, args)
}

func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	query, args := s.stmts.Extend(name, lockUntil, now, holder)
	return s.exec(ctx, "extend", query, args)
}

func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error {
	query, args := s.stmts.Release(name, unlockTime, now, holder)
	_, err := s.exec(ctx, "release", query, args)
	return err
}

func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	query, args := s.stmts.Find(name)

	var record shedlock.LockRecord
	err := s.db.QueryRow(ctx, query, args...).
		Scan(&record.Name, &record.LockUntil, &record.LockedAt, &record.LockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return shedlock.LockRecord{}, false, nil
	}
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("find lock %q: %w", name, err)
	}
	return record, true, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args []any) (bool, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s lock: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
	_ Querier               = (*pgxpool.Pool)(nil)
)
