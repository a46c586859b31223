package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/model"
	"github.com/emliunix/bub/internal/session"
	"github.com/emliunix/bub/internal/tape"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [message...]",
		Short: "run one input against a session non-interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagSessionID == "" {
				return fmt.Errorf("run: --session-id is required")
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

			store, err := tape.Open(cfg.Tape.Home)
			if err != nil {
				return fmt.Errorf("run: open tape store: %w", err)
			}
			defer store.Close()

			if _, err := store.CreateTape(flagSessionID, ""); err != nil && !strings.Contains(err.Error(), "exists") {
				return fmt.Errorf("run: create tape: %w", err)
			}

			invoker := model.NewAnthropicInvoker(model.AnthropicConfig{
				APIKey: cfg.Agent.APIKey,
				Model:  cfg.Agent.Model,
			})

			counter, err := buildCounter(cfg)
			if err != nil {
				return fmt.Errorf("run: build token counter: %w", err)
			}

			loop := &session.Loop{
				TapeID:   flagSessionID,
				Store:    store,
				Router:   session.NewRouter(),
				Invoker:  invoker,
				MaxSteps: cfg.Agent.MaxSteps,
				Counter:  counter,
			}
			sess := session.NewSession(flagSessionID, loop)
			defer sess.Close()

			message := strings.Join(args, " ")
			result, err := sess.HandleInput(context.Background(), message)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if result.Error != "" {
				return fmt.Errorf("run: %s", result.Error)
			}

			output := result.AssistantOutput
			if output == "" {
				output = result.ImmediateOutput
			}
			fmt.Println(output)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSessionID, "session-id", "", "session id to run against")
	return cmd
}
