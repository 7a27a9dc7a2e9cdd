package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adityajoshi12/shedlock-go/v2"
)

const defaultPrefix = "shedlock:"

// Each lock is a hash holding locked_by, locked_at and lock_until (unix
// millis). The key TTL mirrors lock_until, so an expired lock simply
// disappears and can be inserted again.
var (
	acquireScript = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 1 then
			return 0
		end
		redis.call("hset", KEYS[1], "locked_by", ARGV[1], "locked_at", ARGV[2], "lock_until", ARGV[3])
		redis.call("pexpire", KEYS[1], ARGV[4])
		return 1
	`)

	extendScript = redis.NewScript(`
		if redis.call("hget", KEYS[1], "locked_by") ~= ARGV[1] then
			return 0
		end
		redis.call("hset", KEYS[1], "lock_until", ARGV[2])
		redis.call("pexpire", KEYS[1], ARGV[3])
		return 1
	`)

	releaseScript = redis.NewScript(`
		if redis.call("hget", KEYS[1], "locked_by") ~= ARGV[1] then
			return 0
		end
		local ttl = tonumber(ARGV[3])
		if ttl <= 0 then
			return redis.call("del", KEYS[1])
		end
		redis.call("hset", KEYS[1], "lock_until", ARGV[2])
		redis.call("pexpire", KEYS[1], ttl)
		return 1
	`)
)

// Config holds configuration for Redis lock store
type Config struct {
	// Client is the Redis client; standalone, sentinel and cluster clients all work
	Client redis.UniversalClient
	// Prefix is the key prefix for locks (defaults to "shedlock:")
	Prefix string
}

// Store implements shedlock.LockStore on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore creates a new Redis lock store
func NewStore(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Store{
		client: config.Client,
		prefix: prefix,
	}, nil
}

// NewRedisLockProvider creates a lock provider backed by Redis
func NewRedisLockProvider(config Config, opts ...shedlock.ProviderOption) (*shedlock.StorageBasedLockProvider, error) {
	store, err := NewStore(config)
	if err != nil {
		return nil, err
	}
	return shedlock.NewStorageBasedLockProvider(store, opts...)
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

// InsertRecord implements shedlock.LockStore.
func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.key(name)},
		holder, now.UnixMilli(), lockUntil.UnixMilli(), ttlMillis(lockUntil, now)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %q: %w", name, err)
	}
	return result == 1, nil
}

// UpdateRecord implements shedlock.LockStore. Expired keys are already gone,
// so taking over an expired lock is the same operation as inserting it.
func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	return s.InsertRecord(ctx, name, lockUntil, now, holder)
}

// ExtendRecord implements shedlock.LockStore.
func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	result, err := extendScript.Run(ctx, s.client, []string{s.key(name)},
		holder, lockUntil.UnixMilli(), ttlMillis(lockUntil, now)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %q: %w", name, err)
	}
	return result == 1, nil
}

// ReleaseRecord implements shedlock.LockStore. The key is deleted when
// unlockTime has passed, otherwise its TTL is shortened to unlockTime.
func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error {
	ttl := int64(0)
	if unlockTime.After(now) {
		ttl = ttlMillis(unlockTime, now)
	}
	err := releaseScript.Run(ctx, s.client, []string{s.key(name)},
		holder, unlockTime.UnixMilli(), ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}

// FindRecord implements shedlock.RecordFinder.
func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("failed to read lock %q: %w", name, err)
	}
	if len(fields) == 0 {
		return shedlock.LockRecord{}, false, nil
	}

	lockedAt, err := strconv.ParseInt(fields["locked_at"], 10, 64)
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("malformed locked_at for lock %q: %w", name, err)
	}
	lockUntil, err := strconv.ParseInt(fields["lock_until"], 10, 64)
	if err != nil {
		return shedlock.LockRecord{}, false, fmt.Errorf("malformed lock_until for lock %q: %w", name, err)
	}

	return shedlock.LockRecord{
		Name:      name,
		LockUntil: time.UnixMilli(lockUntil).UTC(),
		LockedAt:  time.UnixMilli(lockedAt).UTC(),
		LockedBy:  fields["locked_by"],
	}, true, nil
}

// ttlMillis rounds sub-millisecond remainders up so a live lock never gets a zero TTL.
func ttlMillis(until, now time.Time) int64 {
	d := until.Sub(now)
	if d <= 0 {
		return 1
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
