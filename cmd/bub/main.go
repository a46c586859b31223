// Command bub is the agent message bus's CLI entry point: it can serve
// the bus, run one input against a session non-interactively (the
// surface internal/schedule's reminder subprocess re-invokes), or drop
// into an interactive prompt. Built on github.com/spf13/cobra, the
// corpus's own answer to "a real CLI framework" where the teacher has
// none.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emliunix/bub/internal/config"
	bubcontext "github.com/emliunix/bub/internal/context"
)

var (
	flagConfigPath string
	flagModel      string
	flagWorkspace  string
	flagSessionID  string
)

func main() {
	root := &cobra.Command{
		Use:   "bub",
		Short: "agent message bus CLI",
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a bub.yaml config file")
	root.PersistentFlags().StringVar(&flagModel, "model", "", "override the configured model")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace directory (defaults tape home under it)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newInteractiveCmd())
	root.AddCommand(newScheduleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var loadErr *config.LoadError
		if errors.As(err, &loadErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyFlags(config.Flags{SessionID: flagSessionID, Model: flagModel, Workspace: flagWorkspace})
	return cfg, nil
}

// buildCounter constructs the optional token-budget counter when the
// session has a configured context window; returns nil (trimming
// disabled) otherwise, per internal/config.AgentConfig.ContextWindowTokens.
func buildCounter(cfg *config.Config) (*bubcontext.Counter, error) {
	if cfg.Agent.ContextWindowTokens <= 0 {
		return nil, nil
	}
	return bubcontext.NewCounter("", cfg.Agent.ContextWindowTokens, cfg.Agent.MaxTokens, cfg.Agent.ReserveTokens)
}
