package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/providers/inmemory"
)

type failingProvider struct{}

func (failingProvider) Lock(context.Context, shedlock.LockConfiguration) (shedlock.SimpleLock, error) {
	return nil, &shedlock.StoreError{Op: "insert", Name: "job-A", Err: errors.New("down")}
}

func newConfig(t *testing.T) shedlock.LockConfiguration {
	t.Helper()
	cfg, err := shedlock.NewLockConfiguration("job-A", time.Now().Add(time.Minute), time.Time{})
	require.NoError(t, err)
	return cfg
}

func TestInstrumentedProvider(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	base, err := shedlock.NewStorageBasedLockProvider(inmemory.NewStore())
	require.NoError(t, err)
	provider := Instrument(base, collector)
	ctx := context.Background()

	lock, err := provider.Lock(ctx, newConfig(t))
	require.NoError(t, err)
	require.NotNil(t, lock)

	held, err := provider.Lock(ctx, newConfig(t))
	require.NoError(t, err)
	assert.Nil(t, held)

	_, err = Instrument(failingProvider{}, collector).Lock(ctx, newConfig(t))
	assert.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LockAttempts.WithLabelValues("job-A", OutcomeAcquired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LockAttempts.WithLabelValues("job-A", OutcomeHeld)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LockAttempts.WithLabelValues("job-A", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.LockAcquireDuration))
}

func TestCollector_ExecutionFinished(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.ExecutionFinished("job-A", shedlock.TaskResult{LockAcquired: true, Executed: true, Duration: time.Second})
	collector.ExecutionFinished("job-A", shedlock.TaskResult{LockAcquired: true, Executed: true, Error: errors.New("boom")})
	collector.ExecutionFinished("job-A", shedlock.TaskResult{})
	collector.UnlockFailed("job-A", errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.TaskExecutions.WithLabelValues("job-A", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.TaskExecutions.WithLabelValues("job-A", StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.TaskExecutions.WithLabelValues("job-A", StatusSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.UnlockFailures.WithLabelValues("job-A")))
}

func TestCollector_WithExecutor(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	base, err := shedlock.NewStorageBasedLockProvider(inmemory.NewStore())
	require.NoError(t, err)

	executor := shedlock.NewDefaultLockingTaskExecutor(Instrument(base, collector),
		shedlock.WithLogger(shedlock.NopLogger{}),
		shedlock.WithObserver(collector),
	)

	err = executor.ExecuteRequest(context.Background(), func(context.Context) error { return nil },
		shedlock.LockRequest{Name: "job-A", LockAtMostFor: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.TaskExecutions.WithLabelValues("job-A", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LockAttempts.WithLabelValues("job-A", OutcomeAcquired)))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	collector := NewCollector(registry)
	collector.UnlockFailed("job-A", errors.New("timeout"))

	router := gin.New()
	RegisterMetricsEndpoint(router, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `shedlock_unlock_failures_total{name="job-A"} 1`)
}
