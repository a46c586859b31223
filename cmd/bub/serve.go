package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emliunix/bub/internal/bus"
	"github.com/emliunix/bub/internal/logging"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the bus server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Bus.Host, cfg.Bus.Port)
			}

			log, err := logging.New(cfg.Log.Dir, cfg.Log.Filter)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv := bus.NewServer(log)

			var wg sync.WaitGroup
			wg.Add(1)
			serveErr := make(chan error, 1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ctx, addr); err != nil {
					serveErr <- err
				}
			}()

			log.Info("serve", "bus server listening on %s", addr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				log.Info("serve", "shutdown signal received")
			case err := <-serveErr:
				cancel()
				return err
			case <-ctx.Done():
			}

			cancel()

			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				log.Error("serve", "bus server did not stop within grace window")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides bus.host/bus.port)")
	return cmd
}
