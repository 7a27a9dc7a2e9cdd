package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/backend"
	"github.com/adityajoshi12/shedlock-go/v2/internal/config"
	"github.com/adityajoshi12/shedlock-go/v2/providers/inmemory"
)

type harness struct {
	store  *inmemory.Store
	out    bytes.Buffer
	errOut bytes.Buffer
	opened int
}

func newHarness() *harness {
	return &harness{store: inmemory.NewStore()}
}

func (h *harness) execute(ctx context.Context, args ...string) error {
	opener := func(context.Context, config.Config, shedlock.Logger) (*backend.Backend, error) {
		h.opened++
		return &backend.Backend{Store: h.store}, nil
	}
	root := NewRootCommand(WithOpener(opener), WithOutput(&h.out, &h.errOut), WithViper(viper.New()))
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func TestRun_ExecutesCommandUnderLock(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "run", "--name", "job-A", "--identity", "node-1",
		"--", "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", h.out.String())

	record, found, err := h.store.FindRecord(context.Background(), "job-A")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(record.LockedBy, "node-1:"))
	assert.False(t, record.LockUntil.After(time.Now()), "released after the command")
}

func TestRun_SkipsWhenHeldElsewhere(t *testing.T) {
	h := newHarness()
	h.store.Put(shedlock.LockRecord{Name: "job-A", LockUntil: time.Now().Add(time.Hour), LockedBy: "node-2"})

	err := h.execute(context.Background(), "run", "--name", "job-A", "--", "sh", "-c", "echo ran")
	require.NoError(t, err)
	assert.Empty(t, h.out.String())
	assert.Contains(t, h.errOut.String(), "command skipped")

	err = h.execute(context.Background(), "run", "--name", "job-A", "--fail-if-locked", "--", "sh", "-c", "echo ran")
	assert.ErrorContains(t, err, "held by another node")
	assert.Empty(t, h.out.String())
}

func TestRun_PropagatesExitCode(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "run", "--name", "job-A", "--", "sh", "-c", "exit 3")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())

	record, _, _ := h.store.FindRecord(context.Background(), "job-A")
	assert.False(t, record.LockUntil.After(time.Now()), "released after a failed command")
}

func TestRun_KeepsLockAtLeastFor(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "run", "--name", "job-A", "--lock-at-least-for", "5m", "--", "true")
	require.NoError(t, err)

	record, _, _ := h.store.FindRecord(context.Background(), "job-A")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), record.LockUntil, 5*time.Second)
}

func TestRun_Validation(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "run", "--", "true")
	assert.ErrorContains(t, err, "name")

	err = h.execute(context.Background(), "run", "--name", "job-A", "--lock-at-most-for", "1m", "--lock-at-least-for", "2m", "--", "true")
	assert.ErrorContains(t, err, "lock-at-least-for")
	assert.Zero(t, h.opened)
}

func TestRun_MissingExecutable(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "run", "--name", "job-A", "--", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to start")
}

func TestSchedule_RunsAtStartupAndStops(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := h.execute(ctx, "schedule", "--name", "job-A", "--spec", "@every 1h", "--run-now",
		"--metrics-addr", "", "--", "sh", "-c", "echo tick")
	require.NoError(t, err)
	assert.Equal(t, "tick\n", h.out.String())
	assert.Contains(t, h.errOut.String(), "Scheduler started")

	_, found, _ := h.store.FindRecord(context.Background(), "job-A")
	assert.True(t, found)
}

func TestSchedule_MetricsServerFailureStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := newHarness()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = h.execute(ctx, "schedule", "--name", "job-A", "--spec", "@every 1h",
		"--metrics-addr", ln.Addr().String(), "--", "true")
	assert.ErrorContains(t, err, "metrics server")
	assert.NoError(t, ctx.Err(), "stopped before the deadline")
}

func TestSchedule_InvalidSpec(t *testing.T) {
	h := newHarness()

	err := h.execute(context.Background(), "schedule", "--name", "job-A", "--spec", "not a spec",
		"--metrics-addr", "", "--", "true")
	assert.ErrorContains(t, err, "failed to add job")
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newMetricsServer(":0", reg, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 1")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestInspect(t *testing.T) {
	h := newHarness()
	lockedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h.store.Put(shedlock.LockRecord{Name: "job-A", LockUntil: lockedAt.Add(time.Minute), LockedAt: lockedAt, LockedBy: "node-1:abc"})

	require.NoError(t, h.execute(context.Background(), "inspect", "job-A"))
	assert.Equal(t,
		"name=job-A locked_by=node-1:abc locked_at=2024-03-01T10:00:00Z lock_until=2024-03-01T10:01:00Z held=false\n",
		h.out.String())

	h.out.Reset()
	require.NoError(t, h.execute(context.Background(), "inspect", "job-B"))
	assert.Equal(t, "name=job-B found=false\n", h.out.String())
}

func TestInspect_UnsupportedBackend(t *testing.T) {
	var out bytes.Buffer
	opener := func(context.Context, config.Config, shedlock.Logger) (*backend.Backend, error) {
		return &backend.Backend{Store: storeOnly{}}, nil
	}
	root := NewRootCommand(WithOpener(opener), WithOutput(&out, &out), WithViper(viper.New()))
	root.SetArgs([]string{"inspect", "job-A"})

	assert.ErrorContains(t, root.Execute(), "does not support inspecting")
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv("SHEDLOCK_BACKEND", "zookeeper")
	var out bytes.Buffer
	root := NewRootCommand(WithOutput(&out, &out))
	root.SetArgs([]string{"inspect", "job-A"})

	assert.ErrorContains(t, root.Execute(), `unknown backend "zookeeper"`)
}

func TestVersion(t *testing.T) {
	t.Setenv("SHEDLOCK_BACKEND", "zookeeper")
	h := newHarness()

	require.NoError(t, h.execute(context.Background(), "version"))
	assert.True(t, strings.HasPrefix(h.out.String(), "shedlock dev"))
}

// storeOnly is a LockStore without FindRecord.
type storeOnly struct{}

func (storeOnly) InsertRecord(context.Context, string, time.Time, time.Time, string) (bool, error) {
	return false, nil
}

func (storeOnly) UpdateRecord(context.Context, string, time.Time, time.Time, string) (bool, error) {
	return false, nil
}

func (storeOnly) ExtendRecord(context.Context, string, time.Time, time.Time, string) (bool, error) {
	return false, nil
}

func (storeOnly) ReleaseRecord(context.Context, string, time.Time, time.Time, string) error {
	return nil
}
