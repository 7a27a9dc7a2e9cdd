package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/config"
	"github.com/adityajoshi12/shedlock-go/v2/providers/breaker"
	"github.com/adityajoshi12/shedlock-go/v2/providers/inmemory"
	"github.com/adityajoshi12/shedlock-go/v2/providers/redis"
)

func TestOpen_InMemory(t *testing.T) {
	b, err := Open(context.Background(), config.Config{Backend: config.BackendInMemory}, shedlock.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &inmemory.Store{}, b.Store)
	_, ok := b.Finder()
	assert.True(t, ok)
}

func TestOpen_RedisWithBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		Backend: config.BackendRedis,
		Redis:   config.RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
		Breaker: config.BreakerConfig{Enabled: true, FailureThreshold: 3, OpenTimeout: time.Second},
	}

	b, err := Open(context.Background(), cfg, shedlock.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	require.IsType(t, &breaker.Store{}, b.Store)

	now := time.Now()
	ok, err := b.Store.InsertRecord(context.Background(), "job-A", now.Add(time.Minute), now, "node-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:job-A"))
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), config.Config{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: addr}}, shedlock.NopLogger{})
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Backend: "zookeeper"}, shedlock.NopLogger{})
	assert.Error(t, err)
}

func TestBackend_CloseJoinsErrors(t *testing.T) {
	var order []int
	b := &Backend{Store: &redis.Store{}}
	b.closers = append(b.closers,
		func() error { order = append(order, 1); return errors.New("first") },
		func() error { order = append(order, 2); return nil },
	)

	err := b.Close()
	assert.ErrorContains(t, err, "first")
	assert.Equal(t, []int{2, 1}, order, "closed in reverse order")
}
