// Package etcd stores locks as JSON values in etcd. Every write is a
// transaction guarded by the key's create or mod revision.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/adityajoshi12/shedlock-go/v2"
)

const defaultPrefix = "/shedlock/"

// KV is the part of clientv3.KV the store uses. *clientv3.Client implements it.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

type value struct {
	LockUntil time.Time `json:"lockUntil"`
	LockedAt  time.Time `json:"lockedAt"`
	LockedBy  string    `json:"lockedBy"`
}

// Config holds configuration for the etcd lock store.
type Config struct {
	Client KV
	// Prefix is prepended to lock names (defaults to "/shedlock/")
	Prefix string
}

// Store implements shedlock.LockStore on etcd.
type Store struct {
	kv     KV
	prefix string
}

// NewStore creates an etcd lock store.
func NewStore(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("etcd client cannot be nil")
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{kv: config.Client, prefix: prefix}, nil
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	data, err := encode(value{LockUntil: lockUntil, LockedAt: now, LockedBy: holder})
	if err != nil {
		return false, err
	}
	key := s.key(name)
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, data)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("insert lock %q: %w", name, err)
	}
	return resp.Succeeded, nil
}

func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	current, rev, found, err := s.get(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if current.LockUntil.After(now) {
		return false, nil
	}
	return s.swap(ctx, "update", name, rev, value{LockUntil: lockUntil, LockedAt: now, LockedBy: holder})
}

func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	current, rev, found, err := s.get(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if current.LockedBy != holder || !current.LockUntil.After(now) {
		return false, nil
	}
	current.LockUntil = lockUntil
	return s.swap(ctx, "extend", name, rev, current)
}

// ReleaseRecord implements shedlock.LockStore. A lost revision race means the
// record was taken over, which leaves nothing to release.
func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, _ time.Time, holder string) error {
	current, rev, found, err := s.get(ctx, name)
	if err != nil || !found {
		return err
	}
	if current.LockedBy != holder {
		return nil
	}
	current.LockUntil = unlockTime
	_, err = s.swap(ctx, "release", name, rev, current)
	return err
}

func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	v, _, found, err := s.get(ctx, name)
	if err != nil || !found {
		return shedlock.LockRecord{}, false, err
	}
	return shedlock.LockRecord{
		Name:      name,
		LockUntil: v.LockUntil,
		LockedAt:  v.LockedAt,
		LockedBy:  v.LockedBy,
	}, true, nil
}

func (s *Store) get(ctx context.Context, name string) (value, int64, bool, error) {
	resp, err := s.kv.Get(ctx, s.key(name))
	if err != nil {
		return value{}, 0, false, fmt.Errorf("get lock %q: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return value{}, 0, false, nil
	}
	kv := resp.Kvs[0]
	var v value
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return value{}, 0, false, fmt.Errorf("decode lock %q: %w", name, err)
	}
	return v, kv.ModRevision, true, nil
}

func (s *Store) swap(ctx context.Context, op, name string, rev int64, v value) (bool, error) {
	data, err := encode(v)
	if err != nil {
		return false, err
	}
	key := s.key(name)
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, data)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("%s lock %q: %w", op, name, err)
	}
	return resp.Succeeded, nil
}

func encode(v value) (string, error) {
	v.LockUntil = v.LockUntil.UTC()
	v.LockedAt = v.LockedAt.UTC()
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode lock value: %w", err)
	}
	return string(data), nil
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
	_ KV                    = (*clientv3.Client)(nil)
)
