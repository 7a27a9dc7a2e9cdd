// Package config loads the shedlock command configuration from flags,
// SHEDLOCK_* environment variables and .env files.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g. SHEDLOCK_REDIS_ADDR.
const EnvPrefix = "shedlock"

// Backend names.
const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendPgx      = "pgx"
	BackendMongo    = "mongo"
	BackendEtcd     = "etcd"
	BackendK8s      = "k8s"
)

var replacer = strings.NewReplacer("-", "_")

// Backends lists the accepted values of the backend setting.
var Backends = []string{BackendInMemory, BackendRedis, BackendPostgres, BackendPgx, BackendMongo, BackendEtcd, BackendK8s}

// Config holds the command configuration.
type Config struct {
	Backend  string
	Identity string

	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	UnlockTimeout  time.Duration

	Redis    RedisConfig
	Postgres PostgresConfig
	Mongo    MongoConfig
	Etcd     EtcdConfig
	K8s      K8sConfig
	Breaker  BreakerConfig
	Log      LogConfig

	// MetricsAddr is where the schedule command serves /metrics; empty disables it.
	MetricsAddr string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type PostgresConfig struct {
	DSN         string
	Table       string
	UseDBTime   bool
	CreateTable bool
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

type K8sConfig struct {
	Namespace  string
	Kubeconfig string
	Prefix     string
	ClockSkew  time.Duration
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// RegisterFlags adds the configuration flags with their defaults to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("backend", BackendInMemory, "lock store: "+strings.Join(Backends, ", "))
	fs.String("identity", "", "holder identity recorded in locks (default hostname:pid)")
	fs.Duration("lock-at-most-for", 30*time.Minute, "how long a lock is held if the holder dies")
	fs.Duration("lock-at-least-for", 0, "minimum time a lock is held after acquisition")
	fs.Duration("unlock-timeout", 5*time.Second, "timeout for releasing a lock")

	fs.String("redis-addr", "localhost:6379", "Redis address")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.String("redis-prefix", "shedlock:", "Redis key prefix")

	fs.String("postgres-dsn", "", "PostgreSQL connection string")
	fs.String("postgres-table", "shedlock", "PostgreSQL lock table")
	fs.Bool("postgres-use-db-time", false, "take lock timestamps from the database clock")
	fs.Bool("postgres-create-table", false, "create the lock table on startup")

	fs.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	fs.String("mongo-database", "shedlock", "MongoDB database")
	fs.String("mongo-collection", "shedLock", "MongoDB collection")

	fs.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	fs.String("etcd-prefix", "/shedlock/", "etcd key prefix")
	fs.Duration("etcd-dial-timeout", 5*time.Second, "etcd dial timeout")

	fs.String("k8s-namespace", "", "namespace for Lease objects (default $POD_NAMESPACE)")
	fs.String("k8s-kubeconfig", "", "kubeconfig path; empty uses the in-cluster config")
	fs.String("k8s-prefix", "shedlock-", "Lease name prefix")
	fs.Duration("k8s-clock-skew", 0, "extra time before an expired, unreleased Lease may be taken over")

	fs.Bool("breaker", false, "guard the lock store with a circuit breaker")
	fs.Uint32("breaker-failures", 5, "consecutive store failures that open the breaker")
	fs.Duration("breaker-open-timeout", 30*time.Second, "how long the breaker stays open")

	fs.String("log-level", "info", "log level")
	fs.String("log-format", "json", "log format: json or console")
	fs.String("log-file", "", "log to this file with rotation instead of stderr")
	fs.Int("log-max-size", 100, "max log file size in MB before rotation")
	fs.Int("log-max-backups", 5, "rotated log files to keep")
	fs.Int("log-max-age", 28, "days to keep rotated log files")

	fs.String("metrics-addr", ":9090", "address for /metrics and /healthz; empty disables")
}

// NewViper returns a viper instance reading SHEDLOCK_* variables. Variables
// from .env and .env.local are loaded into the environment first.
func NewViper() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	return v
}

// Load binds fs to v and reads the configuration. Flags set on the command
// line win over environment variables, which win over flag defaults.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	cfg := Config{
		Backend:        strings.ToLower(v.GetString("backend")),
		Identity:       v.GetString("identity"),
		LockAtMostFor:  v.GetDuration("lock-at-most-for"),
		LockAtLeastFor: v.GetDuration("lock-at-least-for"),
		UnlockTimeout:  v.GetDuration("unlock-timeout"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
			Prefix:   v.GetString("redis-prefix"),
		},
		Postgres: PostgresConfig{
			DSN:         v.GetString("postgres-dsn"),
			Table:       v.GetString("postgres-table"),
			UseDBTime:   v.GetBool("postgres-use-db-time"),
			CreateTable: v.GetBool("postgres-create-table"),
		},
		Mongo: MongoConfig{
			URI:        v.GetString("mongo-uri"),
			Database:   v.GetString("mongo-database"),
			Collection: v.GetString("mongo-collection"),
		},
		Etcd: EtcdConfig{
			Endpoints:   v.GetStringSlice("etcd-endpoints"),
			Prefix:      v.GetString("etcd-prefix"),
			DialTimeout: v.GetDuration("etcd-dial-timeout"),
		},
		K8s: K8sConfig{
			Namespace:  v.GetString("k8s-namespace"),
			Kubeconfig: v.GetString("k8s-kubeconfig"),
			Prefix:     v.GetString("k8s-prefix"),
			ClockSkew:  v.GetDuration("k8s-clock-skew"),
		},
		Breaker: BreakerConfig{
			Enabled:          v.GetBool("breaker"),
			FailureThreshold: v.GetUint32("breaker-failures"),
			OpenTimeout:      v.GetDuration("breaker-open-timeout"),
		},
		Log: LogConfig{
			Level:      v.GetString("log-level"),
			Format:     v.GetString("log-format"),
			File:       v.GetString("log-file"),
			MaxSizeMB:  v.GetInt("log-max-size"),
			MaxBackups: v.GetInt("log-max-backups"),
			MaxAgeDays: v.GetInt("log-max-age"),
		},
		MetricsAddr: v.GetString("metrics-addr"),
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail later with a vaguer error.
func (c Config) Validate() error {
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("unknown backend %q, expected one of %s", c.Backend, strings.Join(Backends, ", "))
	}
	if c.LockAtMostFor <= 0 {
		return fmt.Errorf("lock-at-most-for must be positive")
	}
	if c.LockAtLeastFor < 0 || c.LockAtLeastFor > c.LockAtMostFor {
		return fmt.Errorf("lock-at-least-for must be between 0 and lock-at-most-for")
	}
	if (c.Backend == BackendPostgres || c.Backend == BackendPgx) && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres-dsn is required for the %s backend", c.Backend)
	}
	return nil
}
