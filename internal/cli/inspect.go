package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Print the stored record of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			finder, ok := b.Finder()
			if !ok {
				return fmt.Errorf("the %s backend does not support inspecting records", a.cfg.Backend)
			}
			record, found, err := finder.FindRecord(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read lock %q: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "name=%s found=false\n", args[0])
				return nil
			}

			fmt.Fprintf(out, "name=%s locked_by=%s locked_at=%s lock_until=%s held=%t\n",
				record.Name,
				record.LockedBy,
				record.LockedAt.UTC().Format(time.RFC3339Nano),
				record.LockUntil.UTC().Format(time.RFC3339Nano),
				record.HeldAt(time.Now()),
			)
			return nil
		},
	}
}
