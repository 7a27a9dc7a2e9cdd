package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/logging"
	"github.com/adityajoshi12/shedlock-go/v2/metrics"
	"github.com/adityajoshi12/shedlock-go/v2/scheduler"
)

const shutdownTimeout = 30 * time.Second

type scheduleFlags struct {
	name    string
	spec    string
	seconds bool
	runNow  bool
	timeout time.Duration
}

func (a *app) newScheduleCommand() *cobra.Command {
	var f scheduleFlags

	cmd := &cobra.Command{
		Use:   "schedule --name NAME --spec SPEC -- COMMAND [ARGS...]",
		Short: "Run a command on a cron schedule under a lock",
		Long: `Run the command on every tick of the cron spec. On each tick every node
running the same schedule tries the lock and only the holder runs the command.

Runs until interrupted. Prometheus metrics are served on --metrics-addr.`,
		Example: `  shedlock schedule --backend redis --name report --spec "*/5 * * * *" -- ./report.sh
  shedlock schedule --name cleanup --spec "@every 30s" --lock-at-least-for 10s -- rm -rf /tmp/cache`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSchedule(cmd.Context(), f, commandTask(args, cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "lock name")
	cmd.Flags().StringVar(&f.spec, "spec", "", "cron spec, e.g. \"*/5 * * * *\" or \"@every 1m\"")
	cmd.Flags().BoolVar(&f.seconds, "seconds", false, "the spec has a leading seconds field")
	cmd.Flags().BoolVar(&f.runNow, "run-now", false, "also try to run once at startup")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel a run after this long (0 = no limit)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func (a *app) runSchedule(ctx context.Context, f scheduleFlags, task shedlock.Task) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	provider, err := a.newProvider(b.Store)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	executor := shedlock.NewDefaultLockingTaskExecutor(
		metrics.Instrument(provider, collector),
		append(a.executorOptions(), shedlock.WithObserver(collector))...,
	)

	schedOpts := []scheduler.Option{scheduler.WithLogger(a.shedlockLogger())}
	if f.seconds {
		schedOpts = append(schedOpts, scheduler.WithSeconds())
	}
	sched := scheduler.New(executor, schedOpts...)
	if _, err := sched.Add(scheduler.Job{Name: f.name, Spec: f.spec, Timeout: f.timeout, Task: task}); err != nil {
		return err
	}

	// a metrics server that cannot serve stops the scheduler too
	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		srv = newMetricsServer(a.cfg.MetricsAddr, reg, a.logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("Serving metrics")
	}

	sched.Start()
	a.logger.Info().
		Str("name", f.name).
		Str("spec", f.spec).
		Str("identity", provider.Identity()).
		Msg("Scheduler started")

	if f.runNow {
		if err := sched.Trigger(ctx, f.name); err != nil {
			a.logger.Error().Err(err).Str("name", f.name).Msg("Startup run failed")
		}
	}

	<-gctx.Done()
	a.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := sched.Stop(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return errors.Join(g.Wait(), stopErr)
}

// newMetricsServer serves /metrics from reg and a /healthz probe.
func newMetricsServer(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestLogger(logger))

	metrics.RegisterMetricsEndpoint(router, reg)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
