package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/schedule"
)

// newScheduleCmd wires internal/schedule.RunReminder to a real caller: it
// waits out --after, then re-invokes this same binary's "run" subcommand
// against --session-id as a child process, the same deferred-reminder
// shape as original_source/src/bub/tools/schedule.py's scheduler tool.
func newScheduleCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "schedule [message...]",
		Short: "run a reminder against a session after a delay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagSessionID == "" {
				return fmt.Errorf("schedule: --session-id is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log, err := logging.New(cfg.Log.Dir, cfg.Log.Filter)
			if err != nil {
				return err
			}
			defer log.Close()

			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("schedule: locate own binary: %w", err)
			}

			message := strings.Join(args, " ")
			ctx := cmd.Context()

			log.Info("schedule", "reminder for session_id=%s armed, firing in %s", flagSessionID, after)

			select {
			case <-time.After(after):
			case <-ctx.Done():
				return ctx.Err()
			}

			schedule.RunReminder(ctx, log, binary, message, flagSessionID, cfg.Tape.Home)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSessionID, "session-id", "", "session id to fire the reminder against")
	cmd.Flags().DurationVar(&after, "after", 0, "delay before firing the reminder, e.g. 10m")
	return cmd
}
