// Package backend opens the lock store selected by the command configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	gomongo "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/config"
	"github.com/adityajoshi12/shedlock-go/v2/providers/breaker"
	"github.com/adityajoshi12/shedlock-go/v2/providers/etcd"
	"github.com/adityajoshi12/shedlock-go/v2/providers/inmemory"
	"github.com/adityajoshi12/shedlock-go/v2/providers/k8s"
	"github.com/adityajoshi12/shedlock-go/v2/providers/mongo"
	"github.com/adityajoshi12/shedlock-go/v2/providers/pgx"
	"github.com/adityajoshi12/shedlock-go/v2/providers/postgres"
	"github.com/adityajoshi12/shedlock-go/v2/providers/redis"
)

// Backend is an open lock store together with the clients it owns.
type Backend struct {
	Store   shedlock.LockStore
	closers []func() error
}

// Close releases the backend's clients.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// Finder returns the store as a RecordFinder when it supports lookups.
func (b *Backend) Finder() (shedlock.RecordFinder, bool) {
	finder, ok := b.Store.(shedlock.RecordFinder)
	return finder, ok
}

// Opener opens a backend; tests replace it to share an in-memory store.
type Opener func(ctx context.Context, cfg config.Config, logger shedlock.Logger) (*Backend, error)

// Open connects to the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.Config, logger shedlock.Logger) (*Backend, error) {
	b := &Backend{}
	var err error

	switch cfg.Backend {
	case config.BackendInMemory:
		b.Store = inmemory.NewStore()
	case config.BackendRedis:
		err = b.openRedis(ctx, cfg.Redis)
	case config.BackendPostgres:
		err = b.openPostgres(ctx, cfg.Postgres)
	case config.BackendPgx:
		err = b.openPgx(ctx, cfg.Postgres)
	case config.BackendMongo:
		err = b.openMongo(ctx, cfg.Mongo)
	case config.BackendEtcd:
		err = b.openEtcd(cfg.Etcd)
	case config.BackendK8s:
		err = b.openK8s(cfg.K8s)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	if cfg.Breaker.Enabled {
		b.Store = breaker.Wrap(b.Store, breaker.Options{
			Name:             "shedlock-" + cfg.Backend,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			Logger:           logger,
		})
	}
	return b, nil
}

func (b *Backend) openRedis(ctx context.Context, cfg config.RedisConfig) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b.closers = append(b.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	store, err := redis.NewStore(redis.Config{Client: client, Prefix: cfg.Prefix})
	b.Store = store
	return err
}

func (b *Backend) openPostgres(ctx context.Context, cfg config.PostgresConfig) error {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	b.closers = append(b.closers, db.Close)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	store, err := postgres.NewStore(postgres.Config{DB: db, TableName: cfg.Table, UseDBTime: cfg.UseDBTime})
	if err != nil {
		return err
	}
	if cfg.CreateTable {
		if err := store.CreateTable(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	b.Store = store
	return nil
}

func (b *Backend) openPgx(ctx context.Context, cfg config.PostgresConfig) error {
	pool, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() error { pool.Close(); return nil })

	store, err := pgx.NewStore(pgx.Config{DB: pool, TableName: cfg.Table, UseDBTime: cfg.UseDBTime})
	if err != nil {
		return err
	}
	if cfg.CreateTable {
		if err := store.CreateTable(ctx); err != nil {
			return err
		}
	}
	b.Store = store
	return nil
}

func (b *Backend) openMongo(ctx context.Context, cfg config.MongoConfig) error {
	client, err := gomongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	store, err := mongo.NewStore(mongo.Config{Database: client.Database(cfg.Database), Collection: cfg.Collection})
	b.Store = store
	return err
}

func (b *Backend) openEtcd(cfg config.EtcdConfig) error {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("etcd connect: %w", err)
	}
	b.closers = append(b.closers, client.Close)

	store, err := etcd.NewStore(etcd.Config{Client: client, Prefix: cfg.Prefix})
	b.Store = store
	return err
}

func (b *Backend) openK8s(cfg config.K8sConfig) error {
	opts := k8s.Options{Namespace: cfg.Namespace, Prefix: cfg.Prefix, ClockSkew: cfg.ClockSkew}
	if cfg.Kubeconfig != "" {
		restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return fmt.Errorf("failed to create k8s client: %w", err)
		}
		opts.Client = client
	}

	store, err := k8s.NewStore(opts)
	b.Store = store
	return err
}
