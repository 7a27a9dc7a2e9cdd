package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/adityajoshi12/shedlock-go/v2"
)

func (a *app) newRunCommand() *cobra.Command {
	var name string
	var failIfLocked bool

	cmd := &cobra.Command{
		Use:   "run --name NAME -- COMMAND [ARGS...]",
		Short: "Run a command once if the lock is free",
		Long: `Acquire the named lock, run the command and release the lock.

If another node holds the lock the command is skipped and shedlock exits 0,
unless --fail-if-locked is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			provider, err := a.newProvider(b.Store)
			if err != nil {
				return err
			}
			executor := shedlock.NewDefaultLockingTaskExecutor(provider, a.executorOptions()...)

			result, err := executor.ExecuteRequestResult(ctx,
				commandTask(args, cmd.OutOrStdout(), cmd.ErrOrStderr()),
				shedlock.LockRequest{Name: name})
			if err != nil {
				return err
			}
			if !result.Executed {
				a.logger.Info().Str("name", name).Msg("Lock held elsewhere, command skipped")
				if failIfLocked {
					return fmt.Errorf("lock %q is held by another node", name)
				}
				return nil
			}
			a.logger.Info().Str("name", name).Dur("duration", result.Duration).Msg("Command finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "lock name")
	cmd.Flags().BoolVar(&failIfLocked, "fail-if-locked", false, "exit non-zero when the lock is held elsewhere")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// commandTask runs args as a child process. The process is killed when ctx
// ends, after a grace period for it to exit on its own.
func commandTask(args []string, stdout, stderr io.Writer) shedlock.Task {
	return func(ctx context.Context) error {
		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Stdout = stdout
		c.Stderr = stderr
		c.WaitDelay = 10 * time.Second
		if err := c.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("%s: %w", args[0], exitErr)
			}
			return fmt.Errorf("failed to start %s: %w", args[0], err)
		}
		return nil
	}
}
