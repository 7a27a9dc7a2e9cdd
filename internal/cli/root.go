// Package cli implements the shedlock command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/internal/backend"
	"github.com/adityajoshi12/shedlock-go/v2/internal/config"
	"github.com/adityajoshi12/shedlock-go/v2/internal/logging"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// app carries state shared by the subcommands of one invocation.
type app struct {
	open   backend.Opener
	viper  *viper.Viper
	out    io.Writer
	errOut io.Writer

	cfg       config.Config
	logger    zerolog.Logger
	logCloser io.Closer
}

// Option customizes the root command.
type Option func(*app)

// WithOpener replaces the function that opens the lock store.
func WithOpener(open backend.Opener) Option {
	return func(a *app) { a.open = open }
}

// WithOutput redirects command output and logs.
func WithOutput(out, errOut io.Writer) Option {
	return func(a *app) {
		a.out = out
		a.errOut = errOut
	}
}

// WithViper uses v instead of a fresh instance reading SHEDLOCK_* variables.
func WithViper(v *viper.Viper) Option {
	return func(a *app) { a.viper = v }
}

// NewRootCommand builds the shedlock command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{open: backend.Open, out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}
	if a.viper == nil {
		a.viper = config.NewViper()
	}

	root := &cobra.Command{
		Use:   "shedlock",
		Short: "run commands under a distributed lock",
		Long: `shedlock makes sure a command runs on at most one node at a time.

Every node runs the same command; the one that acquires the lock executes it
and the others skip the run.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.newRunCommand(),
		a.newScheduleCommand(),
		a.newInspectCommand(),
		newVersionCommand(),
	)
	return root
}

// setup loads the configuration and builds the logger
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.viper, cmd.Flags())
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log, a.errOut)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.cfg, a.logger, a.logCloser = cfg, logger, closer
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.logCloser == nil {
		return nil
	}
	return a.logCloser.Close()
}

func (a *app) shedlockLogger() shedlock.Logger {
	return shedlock.NewZerologLogger(a.logger)
}

func (a *app) openBackend(ctx context.Context) (*backend.Backend, error) {
	b, err := a.open(ctx, a.cfg, a.shedlockLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", a.cfg.Backend, err)
	}
	return b, nil
}

// newProvider wires the lock provider for store with the configured identity.
func (a *app) newProvider(store shedlock.LockStore) (*shedlock.StorageBasedLockProvider, error) {
	opts := []shedlock.ProviderOption{shedlock.WithProviderLogger(a.shedlockLogger())}
	if a.cfg.Identity != "" {
		opts = append(opts, shedlock.WithIdentity(a.cfg.Identity))
	}
	return shedlock.NewStorageBasedLockProvider(store, opts...)
}

func (a *app) executorOptions() []shedlock.ExecutorOption {
	return []shedlock.ExecutorOption{
		shedlock.WithLogger(a.shedlockLogger()),
		shedlock.WithDefaults(shedlock.Defaults{
			LockAtMostFor:  a.cfg.LockAtMostFor,
			LockAtLeastFor: a.cfg.LockAtLeastFor,
		}),
		shedlock.WithUnlockTimeout(a.cfg.UnlockTimeout),
	}
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM. A failing child command's exit code is passed through.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		os.Exit(exitErr.ExitCode())
	}
	os.Exit(1)
}
