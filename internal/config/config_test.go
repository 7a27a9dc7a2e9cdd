package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func newTestViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newTestViper(), newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, BackendInMemory, cfg.Backend)
	assert.Equal(t, 30*time.Minute, cfg.LockAtMostFor)
	assert.Equal(t, time.Duration(0), cfg.LockAtLeastFor)
	assert.Equal(t, 5*time.Second, cfg.UnlockTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "shedlock", cfg.Postgres.Table)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Duration(0), cfg.K8s.ClockSkew)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_EnvironmentAndFlags(t *testing.T) {
	t.Setenv("SHEDLOCK_BACKEND", "redis")
	t.Setenv("SHEDLOCK_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SHEDLOCK_LOCK_AT_MOST_FOR", "10m")
	t.Setenv("SHEDLOCK_K8S_CLOCK_SKEW", "2s")

	cfg, err := Load(newTestViper(), newFlags(t, "--lock-at-most-for=2m", "--breaker"))
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Minute, cfg.LockAtMostFor, "flags win over environment")
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 2*time.Second, cfg.K8s.ClockSkew)
}

func TestValidate(t *testing.T) {
	valid := Config{Backend: BackendInMemory, LockAtMostFor: time.Minute}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "zookeeper" }},
		{name: "zero lock-at-most-for", mutate: func(c *Config) { c.LockAtMostFor = 0 }},
		{name: "negative lock-at-least-for", mutate: func(c *Config) { c.LockAtLeastFor = -time.Second }},
		{name: "lock-at-least-for too long", mutate: func(c *Config) { c.LockAtLeastFor = time.Hour }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Backend = BackendPostgres }},
		{name: "pgx without dsn", mutate: func(c *Config) { c.Backend = BackendPgx }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
