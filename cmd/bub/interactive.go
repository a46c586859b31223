package main

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/model"
	"github.com/emliunix/bub/internal/session"
	"github.com/emliunix/bub/internal/tape"
)

// errInputCancelled mirrors alfa's ErrInputCancelled: Ctrl+C cancels the
// current line without ending the session. Ctrl+D (io.EOF) ends it.
var errInputCancelled = errors.New("input cancelled")

func newInteractiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "drop into an interactive session prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagSessionID == "" {
				flagSessionID = "interactive"
			}

			log, err := logging.New(cfg.Log.Dir, cfg.Log.Filter)
			if err != nil {
				return err
			}
			defer log.Close()

			store, err := tape.Open(cfg.Tape.Home)
			if err != nil {
				return fmt.Errorf("interactive: open tape store: %w", err)
			}
			defer store.Close()

			if _, err := store.CreateTape(flagSessionID, ""); err != nil {
				log.Debug("interactive", "tape %s: %v", flagSessionID, err)
			}

			invoker := model.NewAnthropicInvoker(model.AnthropicConfig{
				APIKey: cfg.Agent.APIKey,
				Model:  cfg.Agent.Model,
			})

			router := session.NewRouter()
			router.Register("exit", func(args []string) (string, bool) {
				return "bye", true
			})

			counter, err := buildCounter(cfg)
			if err != nil {
				return fmt.Errorf("interactive: build token counter: %w", err)
			}

			loop := &session.Loop{
				TapeID:   flagSessionID,
				Store:    store,
				Router:   router,
				Invoker:  invoker,
				MaxSteps: cfg.Agent.MaxSteps,
				Counter:  counter,
			}
			sess := session.NewSession(flagSessionID, loop)
			defer sess.Close()

			historyFile := filepath.Join(os.TempDir(), fmt.Sprintf(".bub_history_%x", md5.Sum([]byte(cfg.Tape.Home))))

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "bub> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "",
				HistoryFile:     historyFile,
				HistoryLimit:    100,
			})
			if err != nil {
				return fmt.Errorf("interactive: init readline: %w", err)
			}
			defer rl.Close()

			fmt.Printf("session %s (type ,exit to quit)\n", flagSessionID)

			ctx := cmd.Context()
			for {
				line, err := readLine(rl)
				if errors.Is(err, errInputCancelled) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if line == "" {
					continue
				}

				result, err := sess.HandleInput(ctx, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				if result.ImmediateOutput != "" {
					fmt.Println(result.ImmediateOutput)
				}
				if result.AssistantOutput != "" {
					fmt.Println(result.AssistantOutput)
				}
				if result.Error != "" {
					fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
				}
				if result.ExitRequested {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&flagSessionID, "session-id", "", "session id (default \"interactive\")")
	return cmd
}

func readLine(rl *readline.Instance) (string, error) {
	line, err := rl.Readline()
	switch {
	case err == readline.ErrInterrupt:
		return "", errInputCancelled
	case err == io.EOF:
		return "", io.EOF
	case err != nil:
		return "", err
	default:
		return line, nil
	}
}
